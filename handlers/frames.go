package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/greenmarket-chat/attachment"
	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/composer"
	"github.com/karthikraju391/greenmarket-chat/loader"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/session"
)

// Client frame types.
const (
	FrameSend            = "send"
	FrameStage           = "stage"
	FrameClearAttachment = "clear_attachment"
	FrameLocation        = "location"
)

// Server frame types.
const (
	FrameSnapshot     = "snapshot"
	FrameMessage      = "message"
	FrameNotify       = "notify"
	FrameStatus       = "status"
	FrameConversation = "conversation"
	FrameHistory      = "history"
	FrameStaged       = "staged"
	FrameSent         = "sent"
	FrameError        = "error"
)

// ClientFrame is a frame read from the browser.
type ClientFrame struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Location *models.Location `json:"location,omitempty"`
	File     *FilePayload     `json:"file,omitempty"`
}

type FilePayload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // Base64
}

func (p *FilePayload) decode() (attachment.File, error) {
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return attachment.File{}, fmt.Errorf("file data is not valid base64: %w", err)
	}
	return attachment.File{Name: p.Name, ContentType: p.ContentType, Data: data}, nil
}

// ServerFrame is a frame written to the browser. Only the field matching
// Type is set.
type ServerFrame struct {
	Type         string               `json:"type"`
	Snapshot     *loader.Snapshot     `json:"snapshot,omitempty"`
	Message      *models.Message      `json:"message,omitempty"`
	Messages     []models.Message     `json:"messages,omitempty"`
	Connected    *bool                `json:"connected,omitempty"`
	Conversation *models.Conversation `json:"conversation,omitempty"`
	Staged       *StagedInfo          `json:"staged,omitempty"`
	Error        *ErrorBody           `json:"error,omitempty"`
}

// StagedInfo describes the staged attachment; a staged frame without it
// means nothing is staged.
type StagedInfo struct {
	Name    string             `json:"name"`
	MIME    string             `json:"mime"`
	Kind    string             `json:"kind"`
	Size    int64              `json:"size"`
	Preview attachment.Preview `json:"preview"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func stagedInfo(s *attachment.Staged) *StagedInfo {
	if s == nil {
		return nil
	}
	return &StagedInfo{
		Name:    s.File.Name,
		MIME:    s.MIME,
		Kind:    string(s.Kind),
		Size:    s.Size(),
		Preview: s.Preview,
	}
}

func statusFrame(connected bool) ServerFrame {
	return ServerFrame{Type: FrameStatus, Connected: &connected}
}

func errorFrame(err error) ServerFrame {
	code, _ := classify(err)
	return ServerFrame{Type: FrameError, Error: &ErrorBody{Code: code, Message: userMessage(err)}}
}

// classify maps an error onto a stable code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		return "unauthorized", fiber.StatusForbidden
	case errors.Is(err, backend.ErrNotFound):
		return "not_found", fiber.StatusNotFound
	case errors.Is(err, attachment.ErrTooLarge):
		return "attachment_too_large", fiber.StatusRequestEntityTooLarge
	case errors.Is(err, attachment.ErrEmptyFile),
		errors.Is(err, composer.ErrEmptyMessage),
		errors.Is(err, models.ErrEmptyPayload),
		errors.Is(err, errBadFrame):
		return "bad_request", fiber.StatusBadRequest
	case errors.Is(err, composer.ErrAlreadySending):
		return "already_sending", fiber.StatusConflict
	case errors.Is(err, composer.ErrNotConnected):
		return "not_connected", fiber.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotOpen), errors.Is(err, session.ErrSuperseded):
		return "not_open", fiber.StatusConflict
	default:
		return "unavailable", fiber.StatusServiceUnavailable
	}
}

// userMessage keeps the rejection text for oversize files and hides
// internal detail otherwise.
func userMessage(err error) string {
	var rej *attachment.RejectionError
	if errors.As(err, &rej) {
		return rej.Error()
	}
	code, _ := classify(err)
	switch code {
	case "unavailable":
		return "The service is temporarily unavailable. Please try again."
	case "not_found":
		return "This conversation no longer exists."
	case "unauthorized":
		return "You are not a participant in this conversation."
	}
	return err.Error()
}
