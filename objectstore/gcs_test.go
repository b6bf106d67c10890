package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublicURL(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"chat/C1/abc.png", "https://storage.googleapis.com/bucket/chat/C1/abc.png"},
		{"/chat/C1/abc.png", "https://storage.googleapis.com/bucket/chat/C1/abc.png"},
		{"chat/C 1/my file.pdf", "https://storage.googleapis.com/bucket/chat/C%201/my%20file.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PublicURL("bucket", tt.path))
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(context.Background(), "", "", nil)
	assert.Error(t, err)

	_, err = NewClient(context.Background(), "bucket", "/does/not/exist.json", nil)
	assert.ErrorContains(t, err, "service account key not found")
}
