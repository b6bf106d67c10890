// Package loader performs the one-shot fetch that opens a conversation.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/observability"
)

var tracer = otel.Tracer("github.com/karthikraju391/greenmarket-chat/loader")

// Snapshot is everything the view needs to render a conversation.
type Snapshot struct {
	Conversation *models.Conversation `json:"conversation"`
	OtherUser    *models.Profile      `json:"other_user"`
	Product      *models.Listing      `json:"product"` // Nil when the listing is gone
	Messages     []models.Message     `json:"messages"`
}

type Loader struct {
	store   backend.Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(store backend.Store, logger *slog.Logger, metrics *observability.Metrics) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, logger: logger, metrics: metrics}
}

// Load fetches the conversation, authorizes viewerID, then resolves the
// counterpart profile, the linked listing and the ascending history. Any
// failure other than a missing listing fails the whole load.
func (l *Loader) Load(ctx context.Context, conversationID, viewerID string) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Loader.Load")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("viewer.id", viewerID),
	)

	start := time.Now()
	snap, err := l.load(ctx, conversationID, viewerID)
	l.metrics.Load(loadStatus(err), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("messages.count", len(snap.Messages)))
	return snap, nil
}

func (l *Loader) load(ctx context.Context, conversationID, viewerID string) (*Snapshot, error) {
	conv, err := l.store.FetchConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	otherID, ok := conv.Counterpart(viewerID)
	if !ok || viewerID == "" {
		l.logger.Warn("Rejected conversation load from non-participant",
			"conversationId", conversationID, "viewerId", viewerID)
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, backend.ErrUnauthorized)
	}

	snap := &Snapshot{Conversation: conv}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := l.store.FetchProfile(gctx, otherID)
		if err != nil {
			return fmt.Errorf("fetch profile %s: %w", otherID, err)
		}
		snap.OtherUser = p
		return nil
	})
	if conv.ProductID != nil && *conv.ProductID != "" {
		productID := *conv.ProductID
		g.Go(func() error {
			listing, err := l.store.FetchListing(gctx, productID)
			if errors.Is(err, backend.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch listing %s: %w", productID, err)
			}
			snap.Product = listing
			return nil
		})
	}
	g.Go(func() error {
		msgs, err := l.store.FetchMessages(gctx, conversationID)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		snap.Messages = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if snap.Messages == nil {
		snap.Messages = []models.Message{}
	}
	return snap, nil
}

func loadStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, backend.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, backend.ErrNotFound):
		return "not_found"
	}
	return "error"
}
