package models

import (
	"encoding/json"
	"time"
)

// Tables that emit change events.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// ChangeEvent is a row change delivered over the live feed.
type ChangeEvent struct {
	Table           string          `json:"table"`
	Type            EventType       `json:"eventType"`
	New             json.RawMessage `json:"new,omitempty"` // The new record; absent on malformed events
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// HasRecord reports whether the event carries a non-null new record.
func (e ChangeEvent) HasRecord() bool {
	return len(e.New) > 0 && string(e.New) != "null"
}
