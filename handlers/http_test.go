package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/config"
	"github.com/karthikraju391/greenmarket-chat/loader"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/observability"
	"github.com/karthikraju391/greenmarket-chat/session"
	"github.com/karthikraju391/greenmarket-chat/unread"
)

type testServer struct {
	mem    *backend.Memory
	unread *unread.Memory
	app    *fiber.App
}

func newTestServer(t *testing.T, health ...HealthCheck) *testServer {
	t.Helper()
	mem := backend.NewMemory()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	pid := "P1"
	mem.PutConversation(models.Conversation{ID: "C1", BuyerID: "A", SellerID: "B", ProductID: &pid, CreatedAt: base, UpdatedAt: base})
	mem.PutConversation(models.Conversation{ID: "C9", BuyerID: "X", SellerID: "Y"})
	mem.PutProfile(models.Profile{ID: "A", Username: "alice"})
	mem.PutProfile(models.Profile{ID: "B", Username: "bob"})
	mem.PutListing(models.Listing{ID: "P1", Title: "Bike", Price: 120, SellerID: "B"})
	hi := "hi"
	mem.PutMessage(models.Message{ID: "m1", ConversationID: "C1", SenderID: "B", Content: &hi, CreatedAt: base.Add(time.Minute)})

	counter := unread.NewMemory()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	srv := NewServer(Options{
		Server: config.Default().Server,
		Session: session.Deps{
			Store:              mem,
			Feed:               mem,
			Uploader:           mem,
			Unread:             counter,
			AttachmentMaxBytes: 1 << 10,
			AttachmentPrefix:   "chat",
			Metrics:            metrics,
		},
		Unread:   counter,
		Gatherer: reg,
		Health:   health,
	})
	app := fiber.New()
	srv.Register(app)
	return &testServer{mem: mem, unread: counter, app: app}
}

func (ts *testServer) do(t *testing.T, method, path, user, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func TestGetConversation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/conversations/C1", "A", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var snap loader.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "bob", snap.OtherUser.Username)
	assert.Equal(t, "Bike", snap.Product.Title)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m1", snap.Messages[0].ID)
}

func TestGetConversation_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		user   string
		status int
		code   string
	}{
		{"non participant", "/conversations/C9", "A", http.StatusForbidden, "unauthorized"},
		{"unknown conversation", "/conversations/nope", "A", http.StatusNotFound, "not_found"},
		{"missing identity", "/conversations/C1", "", http.StatusUnauthorized, "unauthenticated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, tt.path, tt.user, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			var e ErrorBody
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.code, e.Code)
		})
	}

	t.Run("storage failure", func(t *testing.T) {
		ts.mem.Fail(backend.OpFetchMessages, backend.ErrTransientIO)
		defer ts.mem.Fail(backend.OpFetchMessages, nil)
		resp, _ := ts.do(t, http.MethodGet, "/conversations/C1", "A", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestGetConversation_QueryIdentity(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/conversations/C1?user=B", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateConversation(t *testing.T) {
	ts := newTestServer(t)
	body := `{"product_id":"P2","seller_id":"B"}`

	resp, data := ts.do(t, http.MethodPost, "/conversations", "A", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var first createConversationResponse
	require.NoError(t, json.Unmarshal(data, &first))
	assert.True(t, first.Created)
	assert.Equal(t, "A", first.Conversation.BuyerID)

	resp, data = ts.do(t, http.MethodPost, "/conversations", "A", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second createConversationResponse
	require.NoError(t, json.Unmarshal(data, &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
}

func TestCreateConversation_BadRequest(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{`{"product_id":"P2"}`, `{"product_id":"P2","seller_id":"A"}`, `not json`} {
		resp, _ := ts.do(t, http.MethodPost, "/conversations", "A", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Zero(t, ts.mem.Calls(backend.OpFindOrCreate))
}

func TestUnread(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.unread.Increment(context.Background(), "C1", "A"))
	require.NoError(t, ts.unread.Increment(context.Background(), "C1", "A"))

	resp, body := ts.do(t, http.MethodGet, "/unread", "A", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Unread map[string]int64 `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, map[string]int64{"C1": 2}, out.Unread)
}

func TestHealth(t *testing.T) {
	ok := newTestServer(t, HealthCheck{Name: "store", Check: func(context.Context) error { return nil }})
	resp, _ := ok.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newTestServer(t, HealthCheck{Name: "nats", Check: func(context.Context) error { return errors.New("disconnected") }})
	resp, body := down.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "disconnected")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/conversations/C1", "A", "")

	resp, body := ts.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "greenchat_active_bindings")
	assert.Contains(t, string(body), "greenchat_load_duration_seconds")
}

func TestChatRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/chat/C1", "A", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
