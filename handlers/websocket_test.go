package handlers

import (
	"encoding/base64"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/greenmarket-chat/attachment"
	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/composer"
	"github.com/karthikraju391/greenmarket-chat/session"
)

// listen serves the test app on a loopback port.
func (ts *testServer) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go ts.app.Listener(ln)
	t.Cleanup(func() { ts.app.Shutdown() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr, conversationID, user string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: addr, Path: "/chat/" + conversationID, RawQuery: "user=" + user}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type want arrives and returns it
// together with the types seen before it.
func readUntil(t *testing.T, conn *websocket.Conn, want string) (ServerFrame, []string) {
	t.Helper()
	var seen []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f ServerFrame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s after %v", want, seen)
		if f.Type == want {
			return f, seen
		}
		seen = append(seen, f.Type)
	}
}

func readConnected(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for {
		f, _ := readUntil(t, conn, FrameStatus)
		if f.Connected != nil && *f.Connected {
			return
		}
	}
}

func TestWebSocket_SnapshotThenLiveSend(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.listen(t), "C1", "A")

	var first ServerFrame
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, FrameSnapshot, first.Type)
	require.Len(t, first.Snapshot.Messages, 1)
	readConnected(t, conn)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameSend, Text: "still available?"}))
	sent, seen := readUntil(t, conn, FrameSent)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "still available?", *sent.Message.Content)
	assert.Contains(t, seen, FrameMessage, "the echo arrives through the feed")
	assert.NotContains(t, seen, FrameNotify, "own messages do not notify")
}

func TestWebSocket_CounterpartIsNotified(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.listen(t)
	buyer := dial(t, addr, "C1", "A")
	seller := dial(t, addr, "C1", "B")
	readConnected(t, buyer)
	readConnected(t, seller)

	require.NoError(t, buyer.WriteJSON(ClientFrame{Type: FrameSend, Text: "offer 100?"}))

	notify, _ := readUntil(t, seller, FrameNotify)
	assert.Equal(t, "A", notify.Message.SenderID)
	msg, _ := readUntil(t, seller, FrameMessage)
	assert.Equal(t, notify.Message.ID, msg.Message.ID)
}

func TestWebSocket_StageAndErrors(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.listen(t), "C1", "A")
	readConnected(t, conn)

	big := base64.StdEncoding.EncodeToString(make([]byte, 2<<10))
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameStage, File: &FilePayload{Name: "huge.bin", Data: big}}))
	f, _ := readUntil(t, conn, FrameError)
	assert.Equal(t, "attachment_too_large", f.Error.Code)
	assert.Contains(t, f.Error.Message, "too large")

	small := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 tiny"))
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameStage, File: &FilePayload{Name: "offer.pdf", Data: small}}))
	f, _ = readUntil(t, conn, FrameStaged)
	require.NotNil(t, f.Staged)
	assert.Equal(t, "offer.pdf", f.Staged.Name)
	assert.Equal(t, attachment.IconFile, f.Staged.Preview.Icon)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameClearAttachment}))
	f, _ = readUntil(t, conn, FrameStaged)
	assert.Nil(t, f.Staged)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "dance"}))
	f, _ = readUntil(t, conn, FrameError)
	assert.Equal(t, "bad_request", f.Error.Code)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameSend, Text: "  "}))
	f, _ = readUntil(t, conn, FrameError)
	assert.Equal(t, "bad_request", f.Error.Code)
	assert.Zero(t, ts.mem.Calls(backend.OpCreateMessage))
}

func TestWebSocket_NonParticipantIsRejected(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.listen(t), "C9", "A")

	f, _ := readUntil(t, conn, FrameError)
	assert.Equal(t, "unauthorized", f.Error.Code)
	assert.Zero(t, ts.mem.OpenSubscriptions())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{backend.ErrNotFound, "not_found", 404},
		{backend.ErrUnauthorized, "unauthorized", 403},
		{&attachment.RejectionError{Name: "a", Size: 2 << 20, Limit: 1 << 20}, "attachment_too_large", 413},
		{composer.ErrEmptyMessage, "bad_request", 400},
		{composer.ErrAlreadySending, "already_sending", 409},
		{composer.ErrNotConnected, "not_connected", 503},
		{session.ErrNotOpen, "not_open", 409},
		{backend.ErrTransientIO, "unavailable", 503},
	}
	for _, tt := range tests {
		code, status := classify(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestUserMessage(t *testing.T) {
	rej := &attachment.RejectionError{Name: "a.mov", Size: 12 << 20, Limit: 10 << 20}
	assert.Equal(t, rej.Error(), userMessage(rej))
	assert.False(t, strings.Contains(userMessage(backend.ErrTransientIO), "transient"))
}

func TestFilePayloadDecode(t *testing.T) {
	p := &FilePayload{Name: "a.txt", ContentType: "text/plain", Data: base64.StdEncoding.EncodeToString([]byte("hello"))}
	f, err := p.decode()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), f.Data)

	_, err = (&FilePayload{Data: "***"}).decode()
	assert.Error(t, err)
}
