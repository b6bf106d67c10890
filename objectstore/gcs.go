// Package objectstore uploads chat attachments to Google Cloud Storage.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/karthikraju391/greenmarket-chat/backend"
)

const publicHost = "https://storage.googleapis.com"

type Client struct {
	storageClient *storage.Client
	BucketName    string
	logger        *slog.Logger
}

// NewClient creates a GCS client for bucketName. With an empty saKeyPath
// the client uses application default credentials.
func NewClient(ctx context.Context, bucketName, saKeyPath string, logger *slog.Logger) (*Client, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("a GCS bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Client{
		storageClient: storageClient,
		BucketName:    bucketName,
		logger:        logger,
	}, nil
}

func (c *Client) Close() error {
	return c.storageClient.Close()
}

// UploadFile writes data to path and returns its public URL. Object paths
// are unique per upload so objects are cached aggressively.
func (c *Client) UploadFile(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	obj := c.storageClient.Bucket(c.BucketName).Object(path)
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	if writer.ContentType == "" {
		writer.ContentType = "application/octet-stream"
	}
	writer.CacheControl = "public, max-age=31536000, immutable"

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to write GCS object %s: %w: %w", path, backend.ErrTransientIO, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w: %w", path, backend.ErrTransientIO, err)
	}

	c.logger.Info("Uploaded attachment", "bucket", c.BucketName, "path", path, "bytes", len(data))
	return PublicURL(c.BucketName, path), nil
}

// PublicURL is the storage.googleapis.com URL of an object.
func PublicURL(bucket, path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/%s", publicHost, bucket, strings.Join(segments, "/"))
}
