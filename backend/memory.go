package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/karthikraju391/greenmarket-chat/models"
)

// Operation names used for failure injection and call counting.
const (
	OpFetchConversation       = "FetchConversation"
	OpFetchProfile            = "FetchProfile"
	OpFetchListing            = "FetchListing"
	OpFetchMessages           = "FetchMessages"
	OpCreateMessage           = "CreateMessage"
	OpUpdateConversationTouch = "UpdateConversationTimestamp"
	OpFindOrCreate            = "FindOrCreateConversation"
	OpUploadFile              = "UploadFile"
	OpSubscribe               = "Subscribe"
	OpUnsubscribe             = "Unsubscribe"
)

// Memory is an in-process implementation of Store, Uploader and Feed.
// Writes are echoed to matching subscribers the way a hosted backend
// pushes row changes. It backs the dev server and the tests.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	profiles      map[string]models.Profile
	listings      map[string]models.Listing
	messages      map[string][]models.Message
	uploads       map[string][]byte
	subs          map[string]*memorySub
	failures      map[string]error
	calls         map[string]int
	autoAck       bool
	now           func() time.Time
	last          time.Time
}

type memorySub struct {
	id       string
	topic    string
	filter   Filter
	onEvent  EventHandler
	onStatus StatusHandler
}

func (s *memorySub) Topic() string { return s.topic }

// NewMemory returns an empty backend that acknowledges subscriptions
// immediately.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]models.Conversation),
		profiles:      make(map[string]models.Profile),
		listings:      make(map[string]models.Listing),
		messages:      make(map[string][]models.Message),
		uploads:       make(map[string][]byte),
		subs:          make(map[string]*memorySub),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
		autoAck:       true,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// --- Seeding and test controls ---

func (m *Memory) PutConversation(c models.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
}

func (m *Memory) PutProfile(p models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *Memory) PutListing(l models.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = l
}

func (m *Memory) DeleteListing(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listings, id)
}

// PutMessage appends a pre-existing message to a conversation's history
// without emitting an event.
func (m *Memory) PutMessage(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	if msg.CreatedAt.After(m.last) {
		m.last = msg.CreatedAt
	}
}

// Fail makes every subsequent call to op return err. A nil err clears it.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SetAutoAck controls whether Subscribe acknowledges synchronously.
func (m *Memory) SetAutoAck(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoAck = on
}

// SetClock replaces the time source used for created_at stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OpenSubscriptions returns the number of live subscriptions.
func (m *Memory) OpenSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Uploaded returns the bytes stored at path.
func (m *Memory) Uploaded(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.uploads[path]
	return data, ok
}

// UploadCount returns the number of stored objects.
func (m *Memory) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// EmitStatus delivers a status change to every subscription on topic.
func (m *Memory) EmitStatus(topic string, status Status, err error) {
	for _, s := range m.subscribers(func(s *memorySub) bool { return s.topic == topic }) {
		s.onStatus(status, err)
	}
}

// Publish delivers ev to every subscription whose filter matches.
func (m *Memory) Publish(ev models.ChangeEvent) {
	for _, s := range m.subscribers(func(s *memorySub) bool { return s.filter.Match(ev) }) {
		s.onEvent(ev)
	}
}

// Deliver pushes ev to every subscription on topic, bypassing filters.
func (m *Memory) Deliver(topic string, ev models.ChangeEvent) {
	for _, s := range m.subscribers(func(s *memorySub) bool { return s.topic == topic }) {
		s.onEvent(ev)
	}
}

func (m *Memory) subscribers(keep func(*memorySub) bool) []*memorySub {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*memorySub
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *memorySub) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// record counts the call and returns the injected failure, if any.
// Callers must hold m.mu.
func (m *Memory) record(op string) error {
	m.calls[op]++
	return m.failures[op]
}

// stamp returns a strictly increasing timestamp. Callers must hold m.mu.
func (m *Memory) stamp() time.Time {
	t := m.now()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

// --- Store ---

func (m *Memory) FetchConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpFetchConversation); err != nil {
		return nil, err
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) FetchProfile(_ context.Context, userID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpFetchProfile); err != nil {
		return nil, err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) FetchListing(_ context.Context, listingID string) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpFetchListing); err != nil {
		return nil, err
	}
	l, ok := m.listings[listingID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *Memory) FetchMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpFetchMessages); err != nil {
		return nil, err
	}
	out := slices.Clone(m.messages[conversationID])
	slices.SortStableFunc(out, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, fields models.MessageFields) (*models.Message, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if err := m.record(OpCreateMessage); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if _, ok := m.conversations[fields.ConversationID]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: %w", fields.ConversationID, ErrNotFound)
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: fields.ConversationID,
		SenderID:       fields.SenderID,
		Content:        fields.Content,
		Attachment:     fields.Attachment,
		Location:       fields.Location,
		CreatedAt:      m.stamp(),
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	m.mu.Unlock()

	m.echo(models.TableMessages, models.EventInsert, msg, msg.CreatedAt)
	return &msg, nil
}

func (m *Memory) UpdateConversationTimestamp(_ context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	if err := m.record(OpUpdateConversationTouch); err != nil {
		m.mu.Unlock()
		return err
	}
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	c.UpdatedAt = ts
	m.conversations[id] = c
	m.mu.Unlock()

	m.echo(models.TableConversations, models.EventUpdate, c, ts)
	return nil
}

func (m *Memory) FindOrCreateConversation(_ context.Context, productID, buyerID, sellerID string) (*models.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpFindOrCreate); err != nil {
		return nil, false, err
	}
	for _, c := range m.conversations {
		if c.BuyerID == buyerID && c.SellerID == sellerID && c.ProductID != nil && *c.ProductID == productID {
			return &c, false, nil
		}
	}
	now := m.stamp()
	c := models.Conversation{
		ID:        uuid.NewString(),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		ProductID: &productID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Validate(); err != nil {
		return nil, false, err
	}
	m.conversations[c.ID] = c
	return &c, true, nil
}

func (m *Memory) echo(table string, typ models.EventType, record any, at time.Time) {
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	m.Publish(models.ChangeEvent{Table: table, Type: typ, New: raw, CommitTimestamp: at})
}

// --- Uploader ---

func (m *Memory) UploadFile(_ context.Context, path string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpUploadFile); err != nil {
		return "", err
	}
	m.uploads[path] = slices.Clone(data)
	return "memory://uploads/" + path, nil
}

// --- Feed ---

func (m *Memory) Subscribe(_ context.Context, topic string, filter Filter, onEvent EventHandler, onStatus StatusHandler) (Handle, error) {
	m.mu.Lock()
	if err := m.record(OpSubscribe); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sub := &memorySub{
		id:       fmt.Sprintf("%08d", m.calls[OpSubscribe]),
		topic:    topic,
		filter:   filter,
		onEvent:  onEvent,
		onStatus: onStatus,
	}
	m.subs[sub.id] = sub
	ack := m.autoAck
	m.mu.Unlock()

	if ack {
		onStatus(StatusSubscribed, nil)
	}
	return sub, nil
}

func (m *Memory) Unsubscribe(h Handle) {
	sub, ok := h.(*memorySub)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[OpUnsubscribe]++
	delete(m.subs, sub.id)
}
