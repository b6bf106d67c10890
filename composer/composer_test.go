package composer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/greenmarket-chat/attachment"
	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/realtime"
	"github.com/karthikraju391/greenmarket-chat/store"
	"github.com/karthikraju391/greenmarket-chat/unread"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

type staticConn bool

func (c staticConn) Connected() bool { return bool(c) }

type fixture struct {
	mem     *backend.Memory
	pipe    *attachment.Pipeline
	unread  *unread.Memory
	store   *store.MessageStore
	manager *realtime.Manager
	c       *Composer
}

// newFixture wires a composer to a bound manager so sends echo into the
// message store through the feed.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:    backend.NewMemory(),
		unread: unread.NewMemory(),
		store:  store.New(),
	}
	f.mem.PutConversation(models.Conversation{ID: "C1", BuyerID: "A", SellerID: "B"})
	f.pipe = attachment.NewPipeline(f.mem, attachment.Options{MaxBytes: 10 << 20, PathPrefix: "chat"})
	f.manager = realtime.NewManager(realtime.Options{Feed: f.mem, Store: f.store})
	require.NoError(t, f.manager.Bind("C1", "A"))
	t.Cleanup(f.manager.Unbind)
	f.c = New(Config{ConversationID: "C1", SenderID: "A", RecipientID: "B"}, Deps{
		Store:       f.mem,
		Attachments: f.pipe,
		Conn:        f.manager,
		Unread:      f.unread,
	})
	return f
}

func TestCanSend(t *testing.T) {
	tests := []struct {
		name          string
		connected     bool
		text          string
		hasAttachment bool
		want          bool
	}{
		{"text while connected", true, "hi", false, true},
		{"attachment only", true, "", true, true},
		{"blank text", true, "   \n", false, false},
		{"disconnected", false, "hi", false, false},
		{"disconnected with attachment", false, "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{ConversationID: "C1", SenderID: "A"}, Deps{Store: backend.NewMemory(), Conn: staticConn(tt.connected)})
			assert.Equal(t, tt.want, c.CanSend(tt.text, tt.hasAttachment))
		})
	}
}

func TestSend_TextEchoesIntoStore(t *testing.T) {
	f := newFixture(t)

	msg, err := f.c.Send(context.Background(), Draft{Text: "  is it still available?  "})
	require.NoError(t, err)

	require.NotNil(t, msg.Content)
	assert.Equal(t, "is it still available?", *msg.Content)
	assert.True(t, f.store.Contains(msg.ID), "the echo arrives through the feed")
	assert.Equal(t, 1, f.store.Len())
	assert.False(t, f.c.Sending())

	n, err := f.unread.Count(context.Background(), "C1", "B")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, f.mem.Calls(backend.OpUpdateConversationTouch))
}

func TestSend_RejectedWithoutCreate(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		mem := backend.NewMemory()
		c := New(Config{ConversationID: "C1", SenderID: "A"}, Deps{Store: mem, Conn: staticConn(false)})

		_, err := c.Send(context.Background(), Draft{Text: "hello"})
		assert.ErrorIs(t, err, ErrNotConnected)
		_, err = c.SendLocation(context.Background(), models.Location{Address: "Market Sq"})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, 0, mem.Calls(backend.OpCreateMessage))
	})

	t.Run("empty", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.c.Send(context.Background(), Draft{Text: "   "})
		assert.ErrorIs(t, err, ErrEmptyMessage)
		assert.Equal(t, 0, f.mem.Calls(backend.OpCreateMessage))
	})
}

// blockingStore holds CreateMessage until release is closed.
type blockingStore struct {
	*backend.Memory
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) CreateMessage(ctx context.Context, fields models.MessageFields) (*models.Message, error) {
	close(s.entered)
	<-s.release
	return s.Memory.CreateMessage(ctx, fields)
}

func TestSend_RejectsReentrantCalls(t *testing.T) {
	mem := backend.NewMemory()
	mem.PutConversation(models.Conversation{ID: "C1", BuyerID: "A", SellerID: "B"})
	bs := &blockingStore{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	c := New(Config{ConversationID: "C1", SenderID: "A"}, Deps{Store: bs, Conn: staticConn(true)})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), Draft{Text: "first"})
		done <- err
	}()
	<-bs.entered

	assert.True(t, c.Sending())
	assert.False(t, c.CanSend("second", false))
	_, err := c.Send(context.Background(), Draft{Text: "second"})
	assert.ErrorIs(t, err, ErrAlreadySending)
	_, err = c.SendLocation(context.Background(), models.Location{Address: "x"})
	assert.ErrorIs(t, err, ErrAlreadySending)

	close(bs.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first send did not finish")
	}
	assert.Equal(t, 1, mem.Calls(backend.OpCreateMessage))
	assert.False(t, c.Sending())
}

func TestSend_TimestampFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail(backend.OpUpdateConversationTouch, backend.ErrTransientIO)

	msg, err := f.c.Send(context.Background(), Draft{Text: "deal"})

	require.NoError(t, err)
	assert.True(t, f.store.Contains(msg.ID))
}

func TestSend_UnreadFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	f.c.unread = failingCounter{}

	_, err := f.c.Send(context.Background(), Draft{Text: "deal"})
	assert.NoError(t, err)
}

type failingCounter struct{ unread.Counter }

func (failingCounter) Increment(context.Context, string, string) error {
	return backend.ErrTransientIO
}

func TestSend_CreateFailureKeepsAttachment(t *testing.T) {
	f := newFixture(t)
	staged, err := f.pipe.Stage(attachment.File{Name: "a.png", Data: pngHeader})
	require.NoError(t, err)
	f.mem.Fail(backend.OpCreateMessage, backend.ErrTransientIO)

	_, err = f.c.Send(context.Background(), Draft{Text: "photo"})

	require.ErrorIs(t, err, backend.ErrTransientIO)
	assert.Same(t, staged, f.pipe.Staged())
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.mem.Calls(backend.OpUpdateConversationTouch))
}

func TestSend_UploadFailureAbortsSend(t *testing.T) {
	f := newFixture(t)
	staged, err := f.pipe.Stage(attachment.File{Name: "a.png", Data: pngHeader})
	require.NoError(t, err)
	f.mem.Fail(backend.OpUploadFile, errors.New("bucket unavailable"))

	_, err = f.c.Send(context.Background(), Draft{})

	require.Error(t, err)
	assert.Equal(t, 0, f.mem.Calls(backend.OpCreateMessage))
	assert.Same(t, staged, f.pipe.Staged())
}

func TestSend_AttachmentOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipe.Stage(attachment.File{Name: "a.png", Data: pngHeader})
	require.NoError(t, err)

	msg, err := f.c.Send(context.Background(), Draft{})

	require.NoError(t, err)
	assert.Nil(t, msg.Content)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, models.AttachmentImage, msg.Attachment.Kind)
	assert.Nil(t, f.pipe.Staged(), "staged attachment is cleared after a successful send")
}

func TestSendLocation(t *testing.T) {
	f := newFixture(t)

	msg, err := f.c.SendLocation(context.Background(), models.Location{Latitude: 52.52, Longitude: 13.405, Address: "Alexanderplatz, Berlin"})
	require.NoError(t, err)
	assert.Equal(t, "Alexanderplatz, Berlin", *msg.Content)
	require.NotNil(t, msg.Location)
	assert.InDelta(t, 52.52, msg.Location.Latitude, 1e-9)
	assert.Equal(t, 0, f.mem.Calls(backend.OpUploadFile))

	msg, err = f.c.SendLocation(context.Background(), models.Location{Latitude: 1.5, Longitude: -2.25})
	require.NoError(t, err)
	assert.Equal(t, "1.500000, -2.250000", *msg.Content)
}
