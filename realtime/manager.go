// Package realtime supervises the live feed bound to one open conversation.
//
// A Manager moves through Idle -> Connecting -> Connected, drops to Error
// when a feed is rejected or lost, and schedules a reconnect through its
// backoff policy until Unbind returns it to Idle. Callbacks from feed
// handles that were released are ignored by generation.
//
// The feed only carries changes made after it is live. Every time the
// manager reaches Connected it fires OnResync so the owner can fetch history
// and fold it in with Reconcile.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/observability"
	"github.com/karthikraju391/greenmarket-chat/store"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Hooks are invoked outside the manager's lock. They must not block for
// long; feed delivery waits on them.
type Hooks struct {
	// OnNotify fires once per newly inserted message from the counterpart,
	// before the message is appended to the store.
	OnNotify func(msg models.Message)
	// OnMessage fires after any message is appended.
	OnMessage func(msg models.Message)
	// OnConversation fires when an update event replaces the snapshot.
	OnConversation func(conv models.Conversation)
	OnState        func(state State)
	// OnResync fires each time every feed has acknowledged, on the first
	// connect and after every reconnect, so the owner can reconcile history
	// written before the feed went live or during a gap.
	OnResync func(conversationID string)
}

type Options struct {
	Feed  backend.Feed
	Store *store.MessageStore
	// Backoff defaults to a constant 3s policy.
	Backoff backoff.BackOff
	// MaxAttempts bounds consecutive failed connections; zero retries forever.
	MaxAttempts int
	Clock       Clock
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Hooks       Hooks
}

type feedTarget struct {
	topic  string
	filter backend.Filter
}

func feedsFor(conversationID string) []feedTarget {
	return []feedTarget{
		{
			topic: "messages:" + conversationID,
			filter: backend.Filter{
				Table:  models.TableMessages,
				Event:  models.EventInsert,
				Column: "conversation_id",
				Value:  conversationID,
			},
		},
		{
			topic: "conversation:" + conversationID,
			filter: backend.Filter{
				Table:  models.TableConversations,
				Event:  models.EventUpdate,
				Column: "id",
				Value:  conversationID,
			},
		},
	}
}

type Manager struct {
	feed        backend.Feed
	store       *store.MessageStore
	backoff     backoff.BackOff
	maxAttempts int
	clock       Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
	hooks       Hooks

	mu             sync.Mutex
	state          State
	conversationID string
	viewerID       string
	gen            uint64
	handles        []backend.Handle
	acked          []bool
	timer          Timer
	cancel         context.CancelFunc
	attempts       int
	recovering     bool
	exhausted      bool
	conversation   *models.Conversation

	// eventMu serializes event application so the membership check and the
	// append of one event cannot interleave with another's.
	eventMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		feed:        opts.Feed,
		store:       opts.Store,
		backoff:     opts.Backoff,
		maxAttempts: opts.MaxAttempts,
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		hooks:       opts.Hooks,
	}
	if m.store == nil {
		m.store = store.New()
	}
	if m.backoff == nil {
		m.backoff = NewBackOff(PolicyFixed, defaultReconnectDelay, defaultReconnectDelay)
	}
	if m.clock == nil {
		m.clock = systemClock{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Bind opens the message-insert and conversation-update feeds for
// conversationID. Binding the pair that is already bound is a no-op unless
// reconnects were exhausted, in which case the pair is bound afresh. A
// different pair releases the current binding first.
func (m *Manager) Bind(conversationID, viewerID string) error {
	if conversationID == "" || viewerID == "" {
		return errors.New("bind requires a conversation id and a viewer id")
	}

	m.mu.Lock()
	if m.state != StateIdle && !m.exhausted && m.conversationID == conversationID && m.viewerID == viewerID {
		m.mu.Unlock()
		return nil
	}
	released := m.teardownLocked()
	m.conversationID = conversationID
	m.viewerID = viewerID
	m.attempts = 0
	m.recovering = false
	m.exhausted = false
	m.backoff.Reset()
	gen, ctx := m.startLocked()
	m.mu.Unlock()

	m.release(released)
	m.emitState(StateConnecting)
	m.logger.Info("Binding conversation feed", "conversationId", conversationID)
	m.open(ctx, gen, conversationID)
	return nil
}

// Unbind releases both feeds and any pending reconnect. It is safe to call
// from any state, any number of times.
func (m *Manager) Unbind() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	cid := m.conversationID
	released := m.teardownLocked()
	m.mu.Unlock()

	m.release(released)
	m.emitState(StateIdle)
	m.logger.Info("Unbound conversation feed", "conversationId", cid)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected is the connectivity signal; true only in StateConnected.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Binding returns the bound conversation and viewer, empty when idle.
func (m *Manager) Binding() (conversationID, viewerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID, m.viewerID
}

// Conversation returns a copy of the cached conversation snapshot.
func (m *Manager) Conversation() *models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversation == nil {
		return nil
	}
	c := *m.conversation
	return &c
}

// SeedConversation installs the loaded conversation unless the feed has
// already delivered a newer one.
func (m *Manager) SeedConversation(c models.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || c.ID != m.conversationID {
		return
	}
	if m.conversation != nil && !c.UpdatedAt.After(m.conversation.UpdatedAt) {
		return
	}
	m.conversation = &c
}

// startLocked begins a new generation in StateConnecting.
func (m *Manager) startLocked() (uint64, context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.acked = make([]bool, len(feedsFor(m.conversationID)))
	m.setStateLocked(StateConnecting)
	return m.gen, ctx
}

// teardownLocked invalidates the current generation and returns the handles
// the caller must release after unlocking.
func (m *Manager) teardownLocked() []backend.Handle {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	released := m.handles
	m.handles = nil
	m.acked = nil
	m.conversationID = ""
	m.viewerID = ""
	m.conversation = nil
	m.exhausted = false
	m.setStateLocked(StateIdle)
	return released
}

func (m *Manager) setStateLocked(s State) {
	prev := m.state
	if prev == s {
		return
	}
	m.state = s
	m.metrics.State(s.String())
	switch {
	case prev == StateIdle:
		m.metrics.Bound(1)
	case s == StateIdle:
		m.metrics.Bound(-1)
	}
}

func (m *Manager) emitState(s State) {
	if m.hooks.OnState != nil {
		m.hooks.OnState(s)
	}
}

func (m *Manager) release(handles []backend.Handle) {
	for _, h := range handles {
		m.feed.Unsubscribe(h)
	}
}

func (m *Manager) open(ctx context.Context, gen uint64, conversationID string) {
	var opened []backend.Handle
	for i, target := range feedsFor(conversationID) {
		h, err := m.feed.Subscribe(ctx, target.topic, target.filter, m.eventHandler(gen), m.statusHandler(gen, i))
		if err != nil {
			m.adopt(gen, opened)
			m.fail(gen, fmt.Errorf("subscribe %s: %w: %w", target.topic, backend.ErrFeed, err))
			return
		}
		opened = append(opened, h)
	}
	m.adopt(gen, opened)
}

// adopt records handles opened for gen, or releases them when gen was
// superseded while they were being opened.
func (m *Manager) adopt(gen uint64, handles []backend.Handle) {
	if len(handles) == 0 {
		return
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.release(handles)
		return
	}
	m.handles = append(m.handles, handles...)
	m.mu.Unlock()
}

func (m *Manager) statusHandler(gen uint64, idx int) backend.StatusHandler {
	return func(status backend.Status, err error) {
		if status == backend.StatusSubscribed {
			m.acknowledge(gen, idx)
			return
		}
		if err == nil {
			err = fmt.Errorf("feed reported %s", status)
		}
		m.fail(gen, fmt.Errorf("%w: %w", backend.ErrFeed, err))
	}
}

func (m *Manager) acknowledge(gen uint64, idx int) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.acked[idx] = true
	for _, ok := range m.acked {
		if !ok {
			m.mu.Unlock()
			return
		}
	}
	recovered := m.recovering
	m.recovering = false
	m.attempts = 0
	m.backoff.Reset()
	m.setStateLocked(StateConnected)
	cid := m.conversationID
	m.mu.Unlock()

	m.logger.Info("Conversation feed connected", "conversationId", cid, "recovered", recovered)
	m.emitState(StateConnected)
	if m.hooks.OnResync != nil {
		m.hooks.OnResync(cid)
	}
}

func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateIdle || m.state == StateError {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateError)
	m.recovering = true
	m.attempts++
	cid := m.conversationID

	delay := m.backoff.NextBackOff()
	if m.maxAttempts > 0 && m.attempts >= m.maxAttempts {
		delay = backoff.Stop
	}
	if delay != backoff.Stop {
		m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
		m.metrics.Reconnect()
	} else {
		m.exhausted = true
	}
	attempts := m.attempts
	m.mu.Unlock()

	m.emitState(StateError)
	if delay == backoff.Stop {
		m.logger.Error("Conversation feed failed, giving up", "conversationId", cid, "attempts", attempts, "error", cause)
		return
	}
	m.logger.Warn("Conversation feed failed, reconnect scheduled",
		"conversationId", cid, "attempts", attempts, "delay", delay, "error", cause)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateError {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	released := m.handles
	m.handles = nil
	cid := m.conversationID
	newGen, ctx := m.startLocked()
	m.mu.Unlock()

	m.release(released)
	m.emitState(StateConnecting)
	m.open(ctx, newGen, cid)
}

func (m *Manager) eventHandler(gen uint64) backend.EventHandler {
	return func(ev models.ChangeEvent) {
		m.mu.Lock()
		if gen != m.gen || m.state == StateIdle {
			m.mu.Unlock()
			m.metrics.Dropped("stale")
			return
		}
		cid, viewer := m.conversationID, m.viewerID
		m.mu.Unlock()

		if !ev.HasRecord() {
			m.logger.Warn("Dropping feed event without new record", "table", ev.Table, "type", ev.Type)
			m.metrics.Dropped("malformed")
			return
		}
		switch {
		case ev.Table == models.TableMessages && ev.Type == models.EventInsert:
			m.applyMessage(gen, cid, viewer, ev)
		case ev.Table == models.TableConversations && ev.Type == models.EventUpdate:
			m.applyConversation(gen, cid, ev)
		default:
			m.logger.Warn("Dropping unexpected feed event", "table", ev.Table, "type", ev.Type)
			m.metrics.Dropped("unexpected")
		}
	}
}

func (m *Manager) applyMessage(gen uint64, cid, viewer string, ev models.ChangeEvent) {
	var msg models.Message
	if err := json.Unmarshal(ev.New, &msg); err != nil || msg.ID == "" {
		m.logger.Warn("Dropping malformed message event", "conversationId", cid, "error", err)
		m.metrics.Dropped("malformed")
		return
	}
	if msg.ConversationID != cid {
		m.metrics.Dropped("foreign")
		return
	}

	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	if !m.current(gen) {
		m.metrics.Dropped("stale")
		return
	}
	if m.store.Contains(msg.ID) {
		m.metrics.Dropped("duplicate")
		return
	}
	if msg.SenderID != viewer && m.hooks.OnNotify != nil {
		m.hooks.OnNotify(msg)
	}
	if !m.store.Append(msg) {
		m.metrics.Dropped("duplicate")
		return
	}
	m.metrics.Applied(models.TableMessages)
	if m.hooks.OnMessage != nil {
		m.hooks.OnMessage(msg)
	}
}

// Reconcile folds history fetched for conversationID into the store. It is
// serialized with live events, so a message is notified and appended once
// whichever path sees it first. Counterpart messages new to the store are
// notified before the store is rewritten. It reports how many messages the
// history introduced and how many feed-only messages were carried after it;
// ok is false when conversationID is no longer bound.
func (m *Manager) Reconcile(conversationID string, history []models.Message) (added, carried int, ok bool) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.mu.Lock()
	bound := m.state != StateIdle && m.conversationID == conversationID
	viewer := m.viewerID
	m.mu.Unlock()
	if !bound {
		return 0, 0, false
	}

	seen := make(map[string]struct{}, len(history))
	for _, msg := range history {
		if msg.ID == "" || m.store.Contains(msg.ID) {
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		added++
		m.metrics.Applied(models.TableMessages)
		if msg.SenderID != viewer && m.hooks.OnNotify != nil {
			m.hooks.OnNotify(msg)
		}
	}
	carried = m.store.Reconcile(history)
	return added, carried, true
}

func (m *Manager) applyConversation(gen uint64, cid string, ev models.ChangeEvent) {
	var conv models.Conversation
	if err := json.Unmarshal(ev.New, &conv); err != nil || conv.ID == "" {
		m.logger.Warn("Dropping malformed conversation event", "conversationId", cid, "error", err)
		m.metrics.Dropped("malformed")
		return
	}
	if conv.ID != cid {
		m.metrics.Dropped("foreign")
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.metrics.Dropped("stale")
		return
	}
	m.conversation = &conv
	m.mu.Unlock()

	m.metrics.Applied(models.TableConversations)
	if m.hooks.OnConversation != nil {
		m.hooks.OnConversation(conv)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}
