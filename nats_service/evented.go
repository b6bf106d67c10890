package nats_service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/observability"
)

// Publisher appends change events to the feed.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// EventedStore wraps a Store that has no change feed of its own and
// publishes the insert and update events its writes produce.
type EventedStore struct {
	backend.Store
	pub     Publisher
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewEventedStore(store backend.Store, pub Publisher, logger *slog.Logger, metrics *observability.Metrics) *EventedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventedStore{Store: store, pub: pub, logger: logger, metrics: metrics}
}

func (s *EventedStore) CreateMessage(ctx context.Context, fields models.MessageFields) (*models.Message, error) {
	msg, err := s.Store.CreateMessage(ctx, fields)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, models.TableMessages, models.EventInsert, msg, msg.CreatedAt)
	return msg, nil
}

func (s *EventedStore) UpdateConversationTimestamp(ctx context.Context, id string, ts time.Time) error {
	if err := s.Store.UpdateConversationTimestamp(ctx, id, ts); err != nil {
		return err
	}
	conv, err := s.Store.FetchConversation(ctx, id)
	if err != nil {
		s.metrics.BestEffortFailure("publish")
		s.logger.Warn("Failed to read conversation for update event", "conversationId", id, "error", err)
		return nil
	}
	s.publish(ctx, models.TableConversations, models.EventUpdate, conv, ts)
	return nil
}

// publish failures leave the write in place; subscribers recover the row
// on their next history load.
func (s *EventedStore) publish(ctx context.Context, table string, typ models.EventType, record any, at time.Time) {
	raw, err := json.Marshal(record)
	if err == nil {
		err = s.pub.Publish(ctx, models.ChangeEvent{
			Table:           table,
			Type:            typ,
			New:             raw,
			CommitTimestamp: at,
		})
	}
	if err != nil {
		s.metrics.BestEffortFailure("publish")
		s.logger.Warn("Failed to publish change event", "table", table, "event", typ, "error", err)
	}
}
