// Package composer turns local compose state into a durable send.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/karthikraju391/greenmarket-chat/attachment"
	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/observability"
	"github.com/karthikraju391/greenmarket-chat/unread"
)

var tracer = otel.Tracer("github.com/karthikraju391/greenmarket-chat/composer")

var (
	ErrNotConnected   = errors.New("cannot send while the conversation feed is disconnected")
	ErrAlreadySending = errors.New("a send is already in progress")
	ErrEmptyMessage   = errors.New("message needs text, an attachment or a location")
)

// Connectivity reports whether the live feed is connected.
type Connectivity interface {
	Connected() bool
}

// Draft is the text part of the compose state. The staged attachment lives
// in the attachment pipeline.
type Draft struct {
	Text     string
	Location *models.Location
}

type Config struct {
	ConversationID string
	SenderID       string
	RecipientID    string
}

type Deps struct {
	Store       backend.Store
	Attachments *attachment.Pipeline
	Conn        Connectivity
	Unread      unread.Counter // Optional
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

type Composer struct {
	cfg     Config
	store   backend.Store
	pipe    *attachment.Pipeline
	conn    Connectivity
	unread  unread.Counter
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics

	sending atomic.Bool
}

func New(cfg Config, deps Deps) *Composer {
	c := &Composer{
		cfg:     cfg,
		store:   deps.Store,
		pipe:    deps.Attachments,
		conn:    deps.Conn,
		unread:  deps.Unread,
		now:     deps.Now,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Sending reports whether a send is in flight.
func (c *Composer) Sending() bool {
	return c.sending.Load()
}

// CanSend is true iff there is non-blank text or a staged attachment, no
// send is in flight and the feed is connected.
func (c *Composer) CanSend(text string, hasAttachment bool) bool {
	if strings.TrimSpace(text) == "" && !hasAttachment {
		return false
	}
	return !c.sending.Load() && c.conn.Connected()
}

func (c *Composer) hasStaged() bool {
	return c.pipe != nil && c.pipe.Staged() != nil
}

// Send commits any staged attachment, creates the message and then touches
// the conversation timestamp. The message itself is the durable result; a
// failed timestamp touch is logged and does not fail the send. The draft is
// never modified; the staged attachment is cleared only on success. The
// sender observes the new message through the feed echo.
func (c *Composer) Send(ctx context.Context, d Draft) (*models.Message, error) {
	hasAttachment := c.hasStaged()
	text := strings.TrimSpace(d.Text)
	if text == "" && !hasAttachment && d.Location == nil {
		c.metrics.Send("message", "rejected")
		return nil, ErrEmptyMessage
	}
	if !c.conn.Connected() {
		c.metrics.Send("message", "rejected")
		return nil, ErrNotConnected
	}
	if !c.sending.CompareAndSwap(false, true) {
		c.metrics.Send("message", "rejected")
		return nil, ErrAlreadySending
	}
	defer c.sending.Store(false)

	ctx, span := tracer.Start(ctx, "Composer.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", c.cfg.ConversationID),
		attribute.Bool("message.has_attachment", hasAttachment),
	)

	fields := models.MessageFields{
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.SenderID,
		Location:       d.Location,
	}
	if text != "" {
		fields.Content = &text
	}
	if hasAttachment {
		att, err := c.pipe.Commit(ctx, c.cfg.ConversationID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "attachment upload failed")
			c.metrics.Send("message", "error")
			return nil, fmt.Errorf("send message: %w", err)
		}
		fields.Attachment = &att
	}

	msg, err := c.deliver(ctx, "message", fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create message failed")
		return nil, err
	}
	if hasAttachment {
		c.pipe.Clear()
	}
	return msg, nil
}

// SendLocation shares a position. The address becomes the message content.
func (c *Composer) SendLocation(ctx context.Context, loc models.Location) (*models.Message, error) {
	if !c.conn.Connected() {
		c.metrics.Send("location", "rejected")
		return nil, ErrNotConnected
	}
	if !c.sending.CompareAndSwap(false, true) {
		c.metrics.Send("location", "rejected")
		return nil, ErrAlreadySending
	}
	defer c.sending.Store(false)

	content := strings.TrimSpace(loc.Address)
	if content == "" {
		content = fmt.Sprintf("%.6f, %.6f", loc.Latitude, loc.Longitude)
	}
	return c.deliver(ctx, "location", models.MessageFields{
		ConversationID: c.cfg.ConversationID,
		SenderID:       c.cfg.SenderID,
		Content:        &content,
		Location:       &loc,
	})
}

func (c *Composer) deliver(ctx context.Context, kind string, fields models.MessageFields) (*models.Message, error) {
	msg, err := c.store.CreateMessage(ctx, fields)
	if err != nil {
		c.metrics.Send(kind, "error")
		return nil, fmt.Errorf("send %s: %w", kind, err)
	}
	c.metrics.Send(kind, "success")

	if err := c.store.UpdateConversationTimestamp(ctx, c.cfg.ConversationID, c.now()); err != nil {
		c.metrics.BestEffortFailure("touch_conversation")
		c.logger.Warn("Failed to touch conversation timestamp",
			"conversationId", c.cfg.ConversationID, "messageId", msg.ID, "error", err)
	}
	if c.unread != nil && c.cfg.RecipientID != "" {
		if err := c.unread.Increment(ctx, c.cfg.ConversationID, c.cfg.RecipientID); err != nil {
			c.metrics.BestEffortFailure("unread_increment")
			c.logger.Warn("Failed to increment unread counter",
				"conversationId", c.cfg.ConversationID, "recipientId", c.cfg.RecipientID, "error", err)
		}
	}
	return msg, nil
}
