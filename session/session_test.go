package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/composer"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/realtime"
	"github.com/karthikraju391/greenmarket-chat/unread"
)

type manualClock struct {
	mu    sync.Mutex
	funcs []func()
}

func (c *manualClock) AfterFunc(_ time.Duration, f func()) realtime.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, f)
	return manualTimer{}
}

func (c *manualClock) fire() {
	c.mu.Lock()
	funcs := c.funcs
	c.funcs = nil
	c.mu.Unlock()
	for _, f := range funcs {
		f()
	}
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

// gatedStore holds FetchConversation for one id until its gate is closed.
type gatedStore struct {
	*backend.Memory
	id      string
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) FetchConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if id == s.id {
		close(s.entered)
		<-s.gate
	}
	return s.Memory.FetchConversation(ctx, id)
}

// racingStore has the counterpart write a message right after the first
// history read, while the feed is not bound yet.
type racingStore struct {
	*backend.Memory
	once     sync.Once
	inserted chan string
}

func (s *racingStore) FetchMessages(ctx context.Context, id string) ([]models.Message, error) {
	msgs, err := s.Memory.FetchMessages(ctx, id)
	s.once.Do(func() {
		text := "I can drop the price to 100"
		m, cerr := s.Memory.CreateMessage(ctx, models.MessageFields{ConversationID: id, SenderID: "B", Content: &text})
		if cerr == nil {
			s.inserted <- m.ID
		}
	})
	return msgs, err
}

func seed(mem *backend.Memory) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	pid := "P1"
	mem.PutConversation(models.Conversation{ID: "C1", BuyerID: "A", SellerID: "B", ProductID: &pid, CreatedAt: base, UpdatedAt: base})
	mem.PutConversation(models.Conversation{ID: "C2", BuyerID: "A", SellerID: "D", CreatedAt: base, UpdatedAt: base})
	mem.PutProfile(models.Profile{ID: "B", Username: "bob"})
	mem.PutProfile(models.Profile{ID: "D", Username: "dora"})
	mem.PutListing(models.Listing{ID: "P1", Title: "Bike", Price: 120, SellerID: "B"})
	hi := "hi"
	mem.PutMessage(models.Message{ID: "m1", ConversationID: "C1", SenderID: "B", Content: &hi, CreatedAt: base.Add(time.Minute)})
}

func newSession(store backend.Store, mem *backend.Memory, counter unread.Counter, clock realtime.Clock, ev Events) *Session {
	return New("A", Deps{
		Store:              store,
		Feed:               mem,
		Uploader:           mem,
		Unread:             counter,
		Clock:              clock,
		AttachmentMaxBytes: 10 << 20,
		AttachmentPrefix:   "chat",
	}, ev)
}

func TestOpen_LoadsAndBinds(t *testing.T) {
	mem := backend.NewMemory()
	seed(mem)
	counter := unread.NewMemory()
	require.NoError(t, counter.Increment(context.Background(), "C1", "A"))

	s := newSession(mem, mem, counter, nil, Events{})
	defer s.Close()

	snap, err := s.Open(context.Background(), "C1")
	require.NoError(t, err)

	assert.Equal(t, "bob", snap.OtherUser.Username)
	require.NotNil(t, snap.Product)
	assert.Equal(t, "Bike", snap.Product.Title)
	assert.Len(t, s.Messages(), 1)
	assert.True(t, s.Connected())
	assert.Equal(t, "C1", s.ConversationID())
	assert.Equal(t, 2, mem.OpenSubscriptions())

	n, err := counter.Count(context.Background(), "C1", "A")
	require.NoError(t, err)
	assert.Zero(t, n, "opening a conversation clears the viewer's unread count")

	assert.True(t, s.CanSend("hello"))
	msg, err := s.Send(context.Background(), composer.Draft{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "A", msg.SenderID)
	assert.Len(t, s.Messages(), 2)

	n, err = counter.Count(context.Background(), "C1", "B")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the counterpart is the unread recipient")
}

func TestOpen_SupersededLoadIsDiscarded(t *testing.T) {
	mem := backend.NewMemory()
	seed(mem)
	gs := &gatedStore{Memory: mem, id: "C1", entered: make(chan struct{}), gate: make(chan struct{})}
	s := newSession(gs, mem, nil, nil, Events{})
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.Open(context.Background(), "C1")
		done <- err
	}()
	<-gs.entered

	snap, err := s.Open(context.Background(), "C2")
	require.NoError(t, err)
	assert.Equal(t, "dora", snap.OtherUser.Username)

	close(gs.gate)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("stale open did not return")
	}

	assert.Equal(t, "C2", s.ConversationID())
	cid, _ := s.manager.Binding()
	assert.Equal(t, "C2", cid)
	assert.Equal(t, 2, mem.OpenSubscriptions())
	assert.Empty(t, s.Messages(), "stale history must not leak into the new view")
}

func TestClose_DuringLoad(t *testing.T) {
	mem := backend.NewMemory()
	seed(mem)
	gs := &gatedStore{Memory: mem, id: "C1", entered: make(chan struct{}), gate: make(chan struct{})}
	s := newSession(gs, mem, nil, nil, Events{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Open(context.Background(), "C1")
		done <- err
	}()
	<-gs.entered
	s.Close()
	close(gs.gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("open did not return")
	}
	assert.Zero(t, mem.OpenSubscriptions())
	assert.Equal(t, realtime.StateIdle, s.State())

	_, err := s.Open(context.Background(), "C2")
	assert.ErrorIs(t, err, ErrClosed)
	s.Close()
}

func TestOpen_Unauthorized(t *testing.T) {
	mem := backend.NewMemory()
	seed(mem)
	mem.PutConversation(models.Conversation{ID: "C9", BuyerID: "X", SellerID: "Y"})
	s := newSession(mem, mem, nil, nil, Events{})
	defer s.Close()

	_, err := s.Open(context.Background(), "C9")

	assert.ErrorIs(t, err, backend.ErrUnauthorized)
	assert.Zero(t, mem.OpenSubscriptions())
	_, err = s.Send(context.Background(), composer.Draft{Text: "hi"})
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.False(t, s.CanSend("hi"))
}

func TestSwitchConversation_ReleasesPreviousFeed(t *testing.T) {
	mem := backend.NewMemory()
	seed(mem)
	s := newSession(mem, mem, nil, nil, Events{})
	defer s.Close()

	_, err := s.Open(context.Background(), "C1")
	require.NoError(t, err)
	_, err = s.Open(context.Background(), "C2")
	require.NoError(t, err)

	assert.Equal(t, 2, mem.OpenSubscriptions())
	assert.Equal(t, 2, mem.Calls(backend.OpUnsubscribe))
}

func TestResyncAfterReconnect(t *testing.T) {
	mem := backend.NewMemory()
	seed(mem)
	clock := &manualClock{}
	resynced := make(chan []models.Message, 1)
	var mu sync.Mutex
	var connectivity []bool
	s := newSession(mem, mem, nil, clock, Events{
		OnResynced: func(msgs []models.Message) { resynced <- msgs },
		OnConnectivity: func(c bool) {
			mu.Lock()
			connectivity = append(connectivity, c)
			mu.Unlock()
		},
	})
	defer s.Close()

	_, err := s.Open(context.Background(), "C1")
	require.NoError(t, err)

	mem.EmitStatus("messages:C1", backend.StatusChannelError, nil)
	assert.False(t, s.Connected())

	// Written while the feed was down, so never delivered.
	missed := "still there?"
	mem.PutMessage(models.Message{ID: "m2", ConversationID: "C1", SenderID: "B", Content: &missed, CreatedAt: time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC)})

	clock.fire()
	require.True(t, s.Connected())

	select {
	case msgs := <-resynced:
		require.Len(t, msgs, 2)
		assert.Equal(t, "m2", msgs[1].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("history was not resynced")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, connectivity, false)
	assert.True(t, connectivity[len(connectivity)-1])
}

func TestOpen_PicksUpMessageWrittenBeforeFeedIsLive(t *testing.T) {
	mem := backend.NewMemory()
	seed(mem)
	rs := &racingStore{Memory: mem, inserted: make(chan string, 1)}
	notified := make(chan models.Message, 4)
	s := newSession(rs, mem, nil, nil, Events{
		OnNotify: func(m models.Message) { notified <- m },
	})
	defer s.Close()

	snap, err := s.Open(context.Background(), "C1")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1, "the write lands after the history read")
	require.True(t, s.Connected())

	var id string
	select {
	case id = <-rs.inserted:
	default:
		t.Fatal("counterpart message was not written")
	}

	require.Eventually(t, func() bool {
		for _, m := range s.Messages() {
			if m.ID == id {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, id, msgs[1].ID)

	select {
	case m := <-notified:
		assert.Equal(t, id, m.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("missed message was not notified")
	}
	assert.Empty(t, notified)
}
