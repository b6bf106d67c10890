package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karthikraju391/greenmarket-chat/config"
	"github.com/karthikraju391/greenmarket-chat/loader"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/session"
	"github.com/karthikraju391/greenmarket-chat/unread"
)

const (
	headerUserID  = "X-User-ID"
	localViewerID = "viewerID"
	healthTimeout = 2 * time.Second
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Server   config.ServerConfig
	Session  session.Deps // Template for every connection's session
	Unread   unread.Counter
	Gatherer prometheus.Gatherer // Nil uses the default registry
	Health   []HealthCheck
	Logger   *slog.Logger
}

// Server exposes the chat core over REST and WebSocket.
type Server struct {
	cfg         config.ServerConfig
	sessionDeps session.Deps
	loader      *loader.Loader
	unread      unread.Counter
	gatherer    prometheus.Gatherer
	health      []HealthCheck
	validate    *validator.Validate
	logger      *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	deps := opts.Session
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Server{
		cfg:         opts.Server,
		sessionDeps: deps,
		loader:      loader.New(deps.Store, logger, deps.Metrics),
		unread:      opts.Unread,
		gatherer:    gatherer,
		health:      opts.Health,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Register mounts every route on app.
func (s *Server) Register(app *fiber.App) {
	app.Get("/healthz", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	app.Get("/conversations/:id", s.requireViewer, s.handleGetConversation)
	app.Post("/conversations", s.requireViewer, s.handleCreateConversation)
	app.Get("/unread", s.requireViewer, s.handleUnread)

	app.Use("/chat", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}, s.requireViewer)
	app.Get("/chat/:conversationID", websocket.New(s.HandleWebSocket))
}

// requireViewer resolves the caller from the X-User-ID header or the user
// query parameter. There is no authentication layer in front of it.
func (s *Server) requireViewer(c *fiber.Ctx) error {
	viewer := c.Get(headerUserID)
	if viewer == "" {
		viewer = c.Query("user")
	}
	if viewer == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorBody{Code: "unauthenticated", Message: "missing viewer identity"})
	}
	c.Locals(localViewerID, viewer)
	return c.Next()
}

func viewerOf(c *fiber.Ctx) string {
	v, _ := c.Locals(localViewerID).(string)
	return v
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code, status := classify(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(ErrorBody{Code: code, Message: userMessage(err)})
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	snap, err := s.loader.Load(c.UserContext(), c.Params("id"), viewerOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(snap)
}

type createConversationRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	SellerID  string `json:"seller_id" validate:"required"`
}

type createConversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
	Created      bool                 `json:"created"`
}

// handleCreateConversation opens the buyer side of a listing chat.
func (s *Server) handleCreateConversation(c *fiber.Ctx) error {
	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorBody{Code: "bad_request", Message: "invalid request body"})
	}
	if err := s.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorBody{Code: "bad_request", Message: err.Error()})
	}
	buyer := viewerOf(c)
	if buyer == req.SellerID {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorBody{Code: "bad_request", Message: "cannot start a conversation with yourself"})
	}

	conv, created, err := s.sessionDeps.Store.FindOrCreateConversation(c.UserContext(), req.ProductID, buyer, req.SellerID)
	if err != nil {
		return s.fail(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
		s.logger.Info("Conversation created", "conversationId", conv.ID, "buyerId", buyer, "sellerId", req.SellerID)
	}
	return c.Status(status).JSON(createConversationResponse{Conversation: conv, Created: created})
}

func (s *Server) handleUnread(c *fiber.Ctx) error {
	if s.unread == nil {
		return c.JSON(fiber.Map{"unread": map[string]int64{}})
	}
	totals, err := s.unread.Totals(c.UserContext(), viewerOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"unread": totals})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for _, h := range s.health {
		if err := h.Check(ctx); err != nil {
			checks[h.Name] = err.Error()
			healthy = false
			continue
		}
		checks[h.Name] = "ok"
	}
	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "checks": checks})
	}
	return c.JSON(fiber.Map{"status": "ok", "checks": checks})
}
