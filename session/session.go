// Package session binds the chat components for one viewer and owns their
// teardown. A Session plays the role of the view: it opens a conversation,
// drops results that arrive after it moved on, and releases the feed when
// it closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/karthikraju391/greenmarket-chat/attachment"
	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/composer"
	"github.com/karthikraju391/greenmarket-chat/loader"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/observability"
	"github.com/karthikraju391/greenmarket-chat/realtime"
	"github.com/karthikraju391/greenmarket-chat/store"
	"github.com/karthikraju391/greenmarket-chat/unread"
)

var (
	// ErrSuperseded is returned when a load finished after the session
	// opened another conversation or closed.
	ErrSuperseded = errors.New("session: conversation superseded")
	ErrNotOpen    = errors.New("session: no conversation open")
	ErrClosed     = errors.New("session: closed")
)

const resyncTimeout = 10 * time.Second

type Deps struct {
	Store    backend.Store
	Feed     backend.Feed
	Uploader backend.Uploader
	Unread   unread.Counter // Optional
	// NewBackoff builds the reconnect policy for the session's manager.
	NewBackoff         func() backoff.BackOff
	MaxReconnects      int
	Clock              realtime.Clock
	AttachmentMaxBytes int64
	AttachmentPrefix   string
	Logger             *slog.Logger
	Metrics            *observability.Metrics
}

// Events reach the presentation layer. All are optional.
type Events struct {
	OnMessage      func(msg models.Message)
	OnNotify       func(msg models.Message)
	OnConnectivity func(connected bool)
	OnConversation func(conv models.Conversation)
	OnResynced     func(msgs []models.Message)
}

type Session struct {
	viewerID string
	deps     Deps
	events   Events
	logger   *slog.Logger

	loader  *loader.Loader
	store   *store.MessageStore
	manager *realtime.Manager
	pipe    *attachment.Pipeline

	// bindMu orders teardown and bind across concurrent Open and Close.
	bindMu sync.Mutex

	mu       sync.Mutex
	gen      uint64
	closed   bool
	current  string
	snapshot *loader.Snapshot
	composer *composer.Composer
}

func New(viewerID string, deps Deps, events Events) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("viewerId", viewerID)
	s := &Session{
		viewerID: viewerID,
		deps:     deps,
		events:   events,
		logger:   logger,
		loader:   loader.New(deps.Store, logger, deps.Metrics),
		store:    store.New(),
		pipe: attachment.NewPipeline(deps.Uploader, attachment.Options{
			MaxBytes:   deps.AttachmentMaxBytes,
			PathPrefix: deps.AttachmentPrefix,
			Metrics:    deps.Metrics,
		}),
	}
	var bo backoff.BackOff
	if deps.NewBackoff != nil {
		bo = deps.NewBackoff()
	}
	s.manager = realtime.NewManager(realtime.Options{
		Feed:        deps.Feed,
		Store:       s.store,
		Backoff:     bo,
		MaxAttempts: deps.MaxReconnects,
		Clock:       deps.Clock,
		Logger:      logger,
		Metrics:     deps.Metrics,
		Hooks: realtime.Hooks{
			OnNotify:       events.OnNotify,
			OnMessage:      events.OnMessage,
			OnConversation: events.OnConversation,
			OnState: func(st realtime.State) {
				if events.OnConnectivity != nil {
					events.OnConnectivity(st == realtime.StateConnected)
				}
			},
			OnResync: s.resync,
		},
	})
	return s
}

// Open loads conversationID and binds the live feed. If the session opens
// another conversation or closes before the load completes, the result is
// discarded and ErrSuperseded returned. Messages written between the history
// read and the feed going live are picked up by the resync that follows the
// first connect.
func (s *Session) Open(ctx context.Context, conversationID string) (*loader.Snapshot, error) {
	s.bindMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.bindMu.Unlock()
		return nil, ErrClosed
	}
	s.gen++
	gen := s.gen
	s.current = ""
	s.snapshot = nil
	s.composer = nil
	s.mu.Unlock()
	s.manager.Unbind()
	s.pipe.Clear()
	s.bindMu.Unlock()

	snap, err := s.loader.Load(ctx, conversationID, s.viewerID)
	if err != nil {
		return nil, err
	}

	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	if !s.isCurrent(gen) {
		s.logger.Debug("Discarding superseded load", "conversationId", conversationID)
		return nil, ErrSuperseded
	}
	s.store.Initialize(snap.Messages)
	s.mu.Lock()
	s.current = conversationID
	s.snapshot = snap
	s.mu.Unlock()
	if err := s.manager.Bind(conversationID, s.viewerID); err != nil {
		s.mu.Lock()
		s.current = ""
		s.snapshot = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("bind conversation %s: %w", conversationID, err)
	}
	s.manager.SeedConversation(*snap.Conversation)
	otherID, _ := snap.Conversation.Counterpart(s.viewerID)
	c := composer.New(composer.Config{
		ConversationID: conversationID,
		SenderID:       s.viewerID,
		RecipientID:    otherID,
	}, composer.Deps{
		Store:       s.deps.Store,
		Attachments: s.pipe,
		Conn:        s.manager,
		Unread:      s.deps.Unread,
		Logger:      s.logger,
		Metrics:     s.deps.Metrics,
	})

	s.mu.Lock()
	s.composer = c
	s.mu.Unlock()

	if s.deps.Unread != nil {
		if err := s.deps.Unread.Reset(ctx, conversationID, s.viewerID); err != nil {
			s.deps.Metrics.BestEffortFailure("unread_reset")
			s.logger.Warn("Failed to reset unread counter", "conversationId", conversationID, "error", err)
		}
	}
	return snap, nil
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}

// Close releases the feed and invalidates in-flight work. Safe to call
// more than once.
func (s *Session) Close() {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.gen++
	s.current = ""
	s.composer = nil
	s.mu.Unlock()

	s.manager.Unbind()
	s.pipe.Clear()
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Snapshot returns the result of the last successful Open.
func (s *Session) Snapshot() *loader.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Conversation returns the live conversation snapshot.
func (s *Session) Conversation() *models.Conversation {
	return s.manager.Conversation()
}

func (s *Session) Messages() []models.Message {
	return s.store.Messages()
}

func (s *Session) Connected() bool {
	return s.manager.Connected()
}

func (s *Session) State() realtime.State {
	return s.manager.State()
}

func (s *Session) Stage(f attachment.File) (*attachment.Staged, error) {
	return s.pipe.Stage(f)
}

func (s *Session) StagedAttachment() *attachment.Staged {
	return s.pipe.Staged()
}

func (s *Session) ClearAttachment() {
	s.pipe.Clear()
}

func (s *Session) CanSend(text string) bool {
	c := s.activeComposer()
	return c != nil && c.CanSend(text, s.pipe.Staged() != nil)
}

func (s *Session) Send(ctx context.Context, d composer.Draft) (*models.Message, error) {
	c := s.activeComposer()
	if c == nil {
		return nil, ErrNotOpen
	}
	return c.Send(ctx, d)
}

func (s *Session) SendLocation(ctx context.Context, loc models.Location) (*models.Message, error) {
	c := s.activeComposer()
	if c == nil {
		return nil, ErrNotOpen
	}
	return c.SendLocation(ctx, loc)
}

func (s *Session) activeComposer() *composer.Composer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composer
}

// resync re-fetches history once the feed is live and reconciles it with
// whatever the feed delivered meanwhile. OnResynced fires only when the
// history changed the store.
func (s *Session) resync(conversationID string) {
	s.mu.Lock()
	gen := s.gen
	current := s.current
	s.mu.Unlock()
	if current != conversationID {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		history, err := s.deps.Store.FetchMessages(ctx, conversationID)
		if err != nil {
			s.logger.Warn("History resync failed", "conversationId", conversationID, "error", err)
			return
		}

		if !s.isCurrent(gen) {
			return
		}
		added, carried, ok := s.manager.Reconcile(conversationID, history)
		if !ok {
			return
		}

		s.logger.Info("History resynced", "conversationId", conversationID,
			"messages", len(history), "missed", added, "feedOnly", carried)
		if (added > 0 || carried > 0) && s.events.OnResynced != nil {
			s.events.OnResynced(s.store.Messages())
		}
	}()
}
