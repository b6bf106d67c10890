// Package attachment turns a locally selected file into an uploaded object
// reference ahead of a message send.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
	"github.com/karthikraju391/greenmarket-chat/observability"
)

// IconFile is the preview shown for non-image attachments.
const IconFile = "file"

var (
	ErrTooLarge      = errors.New("attachment exceeds size limit")
	ErrEmptyFile     = errors.New("attachment is empty")
	ErrNothingStaged = errors.New("no attachment staged")
)

// RejectionError carries the user-facing reason a file was refused.
type RejectionError struct {
	Name  string
	Size  int64
	Limit int64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("File %q is too large (%s). Maximum size is %s.", e.Name, humanSize(e.Size), humanSize(e.Limit))
}

func (e *RejectionError) Unwrap() error { return ErrTooLarge }

func humanSize(n int64) string {
	const mb = 1 << 20
	if n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/mb)
}

// File is a locally selected file.
type File struct {
	Name        string
	ContentType string // As reported by the client; content sniffing takes precedence
	Data        []byte
}

// Preview is the local rendering of a staged file.
type Preview struct {
	DataURL string `json:"data_url,omitempty"` // Inline image data
	Icon    string `json:"icon,omitempty"`     // Set for non-image files
}

// Staged is a validated, not-yet-uploaded file.
type Staged struct {
	File    File
	MIME    string
	Kind    models.AttachmentKind
	Preview Preview

	uploaded *models.Attachment
}

// Size returns the staged file size in bytes.
func (s *Staged) Size() int64 { return int64(len(s.File.Data)) }

// Pipeline holds at most one staged file and commits it to object storage.
type Pipeline struct {
	uploader backend.Uploader
	maxBytes int64
	prefix   string
	metrics  *observability.Metrics

	mu     sync.Mutex
	staged *Staged
}

type Options struct {
	MaxBytes   int64  // Size ceiling; set per call site
	PathPrefix string // Object path prefix, e.g. "chat"
	Metrics    *observability.Metrics
}

func NewPipeline(uploader backend.Uploader, opts Options) *Pipeline {
	return &Pipeline{
		uploader: uploader,
		maxBytes: opts.MaxBytes,
		prefix:   strings.Trim(opts.PathPrefix, "/"),
		metrics:  opts.Metrics,
	}
}

// Stage validates f and replaces the staged file. It performs no network
// I/O. A rejected file leaves the previous staged state untouched.
func (p *Pipeline) Stage(f File) (*Staged, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFile
	}
	if p.maxBytes > 0 && int64(len(f.Data)) > p.maxBytes {
		return nil, &RejectionError{Name: f.Name, Size: int64(len(f.Data)), Limit: p.maxBytes}
	}

	mime := detect(f)
	s := &Staged{File: f, MIME: mime, Kind: models.AttachmentFile}
	if strings.HasPrefix(mime, "image/") {
		s.Kind = models.AttachmentImage
		s.Preview.DataURL = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
	} else {
		s.Preview.Icon = IconFile
	}

	p.mu.Lock()
	p.staged = s
	p.mu.Unlock()
	return s, nil
}

func detect(f File) string {
	m := mimetype.Detect(f.Data)
	if m.Is("application/octet-stream") && f.ContentType != "" {
		return f.ContentType
	}
	return m.String()
}

// Staged returns the currently staged file, or nil.
func (p *Pipeline) Staged() *Staged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.staged
}

// Clear drops the staged file.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.staged = nil
	p.mu.Unlock()
}

// Commit uploads the staged file under a path namespaced by conversationID
// with a random object name. On failure the file stays staged. A file that
// was already uploaded returns its cached reference.
func (p *Pipeline) Commit(ctx context.Context, conversationID string) (models.Attachment, error) {
	p.mu.Lock()
	s := p.staged
	var cached *models.Attachment
	if s != nil {
		cached = s.uploaded
	}
	p.mu.Unlock()
	if s == nil {
		return models.Attachment{}, ErrNothingStaged
	}
	if cached != nil {
		return *cached, nil
	}

	objectPath := p.objectPath(conversationID, s)
	url, err := p.uploader.UploadFile(ctx, objectPath, s.File.Data, s.MIME)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("upload %s: %w", objectPath, err)
	}
	p.metrics.Upload(len(s.File.Data))

	att := models.Attachment{URL: url, Kind: s.Kind}
	p.mu.Lock()
	if p.staged == s {
		s.uploaded = &att
	}
	p.mu.Unlock()
	return att, nil
}

func (p *Pipeline) objectPath(conversationID string, s *Staged) string {
	ext := mimetype.Lookup(s.MIME)
	name := uuid.NewString()
	switch {
	case ext != nil && ext.Extension() != "":
		name += ext.Extension()
	case filepath.Ext(s.File.Name) != "":
		name += strings.ToLower(filepath.Ext(s.File.Name))
	}
	if p.prefix == "" {
		return path.Join(conversationID, name)
	}
	return path.Join(p.prefix, conversationID, name)
}
