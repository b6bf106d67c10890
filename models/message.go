package models

import (
	"errors"
	"strings"
	"time"
)

// AttachmentKind is the coarse classification of an uploaded file.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment references an uploaded object embedded in a message.
type Attachment struct {
	URL  string         `json:"url"`  // Public URL returned by object storage
	Kind AttachmentKind `json:"type"` // image | file
}

// Location is a shared map position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"` // Display address resolved by the client
}

// Message represents a chat message. Messages are immutable once created.
type Message struct {
	ID             string      `json:"id"`              // Assigned by the storage layer at insert time
	ConversationID string      `json:"conversation_id"` // Owning conversation
	SenderID       string      `json:"sender_id"`       // One of the conversation's participants
	Content        *string     `json:"content"`         // Free text, optional
	Attachment     *Attachment `json:"attachment,omitempty"`
	Location       *Location   `json:"location,omitempty"`
	CreatedAt      time.Time   `json:"created_at"` // Defines total order within a conversation
}

// HasPayload reports whether at least one payload kind is populated.
func (m *Message) HasPayload() bool {
	return hasPayload(m.Content, m.Attachment, m.Location)
}

// MessageFields is the input to a create-message call. The storage layer
// assigns ID and CreatedAt.
type MessageFields struct {
	ConversationID string
	SenderID       string
	Content        *string
	Attachment     *Attachment
	Location       *Location
}

var ErrEmptyPayload = errors.New("message has no content, attachment or location")

// Validate checks the fields required to create a message.
func (f MessageFields) Validate() error {
	if f.ConversationID == "" {
		return errors.New("message requires a conversation id")
	}
	if f.SenderID == "" {
		return errors.New("message requires a sender id")
	}
	if !hasPayload(f.Content, f.Attachment, f.Location) {
		return ErrEmptyPayload
	}
	return nil
}

func hasPayload(content *string, att *Attachment, loc *Location) bool {
	if content != nil && strings.TrimSpace(*content) != "" {
		return true
	}
	if att != nil && att.URL != "" {
		return true
	}
	return loc != nil
}
