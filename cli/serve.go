package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/config"
	"github.com/karthikraju391/greenmarket-chat/handlers"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/nats_service"
	"github.com/karthikraju391/greenmarket-chat/objectstore"
	"github.com/karthikraju391/greenmarket-chat/observability"
	"github.com/karthikraju391/greenmarket-chat/realtime"
	"github.com/karthikraju391/greenmarket-chat/session"
	"github.com/karthikraju391/greenmarket-chat/sqlstore"
	"github.com/karthikraju391/greenmarket-chat/unread"
)

const startupTimeout = 15 * time.Second

var (
	seedDemo bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&seedDemo, "demo", false, "seed the memory backend with a demo conversation")
}

// stack is the set of collaborators for one backend choice.
type stack struct {
	store    backend.Store
	feed     backend.Feed
	uploader backend.Uploader
	unread   unread.Counter
	health   []handlers.HealthCheck
	closers  []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("Error closing dependency", "error", err)
		}
	}
}

func buildStack(ctx context.Context, cfg config.Config, log *slog.Logger, metrics *observability.Metrics) (*stack, error) {
	if log == nil {
		log = slog.Default()
	}
	st := &stack{}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	switch cfg.Backend {
	case "mysql":
		db, err := sqlstore.Open(ctx, cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, err
		}
		log.Info("MySQL store initialized")

		natsSvc, err := nats_service.NewNatsService(cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize NATS service: %w", err)
		}
		st.closers = append(st.closers, func() error { natsSvc.Close(); return nil })
		log.Info("NATS service initialized")

		if cfg.Storage.Bucket == "" {
			return nil, errors.New("storage.bucket is required with the mysql backend")
		}
		gcs, err := objectstore.NewClient(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsFile, log)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, gcs.Close)

		st.store = nats_service.NewEventedStore(db, natsSvc, log, metrics)
		st.feed = natsSvc
		st.uploader = gcs
		st.health = append(st.health,
			handlers.HealthCheck{Name: "mysql", Check: db.Ping},
			handlers.HealthCheck{Name: "nats", Check: func(context.Context) error {
				if !natsSvc.Healthy() {
					return errors.New("disconnected")
				}
				return nil
			}},
		)

	default:
		mem := backend.NewMemory()
		if seedDemo {
			demoData(mem)
			log.Info("Seeded demo conversation", "conversationId", "demo", "buyer", "alice", "seller", "bob")
		}
		st.store, st.feed, st.uploader = mem, mem, mem
	}

	if cfg.Redis.Addr != "" {
		r, err := unread.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, r.Close)
		st.unread = r
		log.Info("Unread counters backed by redis", "addr", cfg.Redis.Addr)
	} else {
		st.unread = unread.NewMemory()
	}

	ok = true
	return st, nil
}

func demoData(mem *backend.Memory) {
	now := time.Now().UTC()
	product := "bike-1"
	mem.PutProfile(models.Profile{ID: "alice", Username: "alice", FullName: "Alice Buyer"})
	mem.PutProfile(models.Profile{ID: "bob", Username: "bob", FullName: "Bob Seller"})
	mem.PutListing(models.Listing{ID: product, Title: "Vintage road bike", Price: 180, SellerID: "bob"})
	mem.PutConversation(models.Conversation{ID: "demo", BuyerID: "alice", SellerID: "bob", ProductID: &product, CreatedAt: now, UpdatedAt: now})
}

func sessionDeps(cfg config.Config, st *stack, log *slog.Logger, metrics *observability.Metrics) session.Deps {
	rt := cfg.Realtime
	return session.Deps{
		Store:    st.store,
		Feed:     st.feed,
		Uploader: st.uploader,
		Unread:   st.unread,
		NewBackoff: func() backoff.BackOff {
			return realtime.NewBackOff(rt.Policy, rt.ReconnectDelay, rt.MaxReconnectDelay)
		},
		MaxReconnects:      rt.MaxAttempts,
		AttachmentMaxBytes: cfg.Attachments.ChatMaxBytes,
		AttachmentPrefix:   cfg.Storage.PathPrefix,
		Logger:             log,
		Metrics:            metrics,
	}
}

func newApp(cfg config.Config, st *stack, log *slog.Logger, reg *prometheus.Registry, metrics *observability.Metrics) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "greenchat",
		BodyLimit:             int(cfg.Server.MaxMessageSize),
		DisableStartupMessage: true,
	})
	app.Use(logger.New())

	srv := handlers.NewServer(handlers.Options{
		Server:   cfg.Server,
		Session:  sessionDeps(cfg, st, log, metrics),
		Unread:   st.unread,
		Gatherer: reg,
		Health:   st.health,
		Logger:   log,
	})
	srv.Register(app)
	return app
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Log)
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	ctx, cancel := context.WithTimeout(cmd.Context(), startupTimeout)
	st, err := buildStack(ctx, cfg, log, metrics)
	cancel()
	if err != nil {
		return err
	}
	defer st.Close()

	app := newApp(cfg, st, log, reg, metrics)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", cfg.Server.Addr, "backend", cfg.Backend)
		errCh <- app.Listen(cfg.Server.Addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Warn("Error shutting down Fiber", "error", err)
	}
	log.Info("Server gracefully stopped")
	return nil
}
