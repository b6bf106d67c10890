// Package backend defines the collaborator capabilities the chat core
// depends on: relational reads and writes, object uploads and the live
// change feed.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/karthikraju391/greenmarket-chat/models"
)

var (
	// ErrNotFound is returned when a referenced conversation, profile or
	// listing does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the viewer is not a participant.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransientIO marks network or storage failures the user may retry.
	ErrTransientIO = errors.New("transient io failure")
	// ErrFeed marks a rejected or dropped subscription.
	ErrFeed = errors.New("feed error")
	// ErrMalformedEvent marks a feed event missing expected fields.
	ErrMalformedEvent = errors.New("malformed event")
)

// Store is the relational storage collaborator.
type Store interface {
	FetchConversation(ctx context.Context, id string) (*models.Conversation, error)
	FetchProfile(ctx context.Context, userID string) (*models.Profile, error)
	// FetchListing returns nil, nil when the listing was deleted.
	FetchListing(ctx context.Context, listingID string) (*models.Listing, error)
	// FetchMessages returns the history ordered by created_at ascending.
	FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	CreateMessage(ctx context.Context, fields models.MessageFields) (*models.Message, error)
	UpdateConversationTimestamp(ctx context.Context, id string, ts time.Time) error
	// FindOrCreateConversation resolves the single conversation for a
	// (product, buyer, seller) triple, creating it when absent. The bool
	// reports whether a new conversation was created.
	FindOrCreateConversation(ctx context.Context, productID, buyerID, sellerID string) (*models.Conversation, bool, error)
}

// Uploader is the object storage collaborator.
type Uploader interface {
	UploadFile(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Status is the lifecycle signal of a single subscription.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

type (
	EventHandler  func(ev models.ChangeEvent)
	StatusHandler func(status Status, err error)
)

// Filter scopes a subscription to one table, one event type and rows whose
// Column equals Value.
type Filter struct {
	Table  string
	Event  models.EventType
	Column string
	Value  string
}

func (f Filter) String() string {
	return fmt.Sprintf("%s:%s:%s=eq.%s", f.Table, f.Event, f.Column, f.Value)
}

// Match reports whether ev passes the filter. Events without a decodable
// new record never match a column filter.
func (f Filter) Match(ev models.ChangeEvent) bool {
	if ev.Table != f.Table || ev.Type != f.Event {
		return false
	}
	if f.Column == "" {
		return true
	}
	if !ev.HasRecord() {
		return false
	}
	var row map[string]any
	if err := json.Unmarshal(ev.New, &row); err != nil {
		return false
	}
	v, ok := row[f.Column].(string)
	return ok && v == f.Value
}

// Handle identifies one open subscription.
type Handle interface {
	Topic() string
}

// Feed is the live change-feed collaborator.
type Feed interface {
	Subscribe(ctx context.Context, topic string, filter Filter, onEvent EventHandler, onStatus StatusHandler) (Handle, error)
	Unsubscribe(h Handle)
}
