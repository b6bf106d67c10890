package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
)

func TestMessageRow_NullableColumns(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	text := "see you at noon"

	tests := []struct {
		name string
		msg  models.Message
	}{
		{"text only", models.Message{ID: "m1", ConversationID: "C1", SenderID: "A", Content: &text, CreatedAt: at}},
		{"image", models.Message{ID: "m2", ConversationID: "C1", SenderID: "A",
			Attachment: &models.Attachment{URL: "https://cdn/x.png", Kind: models.AttachmentImage}, CreatedAt: at}},
		{"location without address", models.Message{ID: "m3", ConversationID: "C1", SenderID: "B",
			Location: &models.Location{Latitude: 1.5, Longitude: -2.25}, CreatedAt: at}},
		{"everything", models.Message{ID: "m4", ConversationID: "C1", SenderID: "B", Content: &text,
			Attachment: &models.Attachment{URL: "https://cdn/a.pdf", Kind: models.AttachmentFile},
			Location:   &models.Location{Latitude: 52.52, Longitude: 13.405, Address: "Alexanderplatz"}, CreatedAt: at}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.msg, rowFromMessage(tt.msg).model())
		})
	}
}

func TestMessageRow_UnknownAttachmentType(t *testing.T) {
	r := messageRow{
		ID:             "m1",
		AttachmentURL:  sql.NullString{String: "https://cdn/x", Valid: true},
		AttachmentType: sql.NullString{String: "video", Valid: true},
	}
	m := r.model()
	require.NotNil(t, m.Attachment)
	assert.Equal(t, models.AttachmentFile, m.Attachment.Kind)
	assert.Nil(t, m.Content)
	assert.Nil(t, m.Location)
}

func TestIsDuplicate(t *testing.T) {
	dup := &mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}
	assert.True(t, isDuplicate(dup))
	assert.True(t, isDuplicate(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isDuplicate(&mysql.MySQLError{Number: 1146}))
	assert.False(t, isDuplicate(errors.New("boom")))
	assert.False(t, isDuplicate(nil))
}

func TestIOErrWrapsBoth(t *testing.T) {
	cause := errors.New("connection reset")
	err := ioErr("fetch messages", cause)
	assert.ErrorIs(t, err, backend.ErrTransientIO)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch messages")
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), "not a dsn")
	assert.Error(t, err)
}
