// Package artifacts stores files produced by tools (rendered heat maps and
// their previews) and serves them back to chat surfaces until they expire.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when an artifact is unknown or expired.
var ErrNotFound = errors.New("artifact not found")

// Store is the blob backend behind a Repository.
type Store interface {
	// Put writes the data and returns a storage reference (file://, s3://).
	Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, artifactID string) (io.ReadCloser, error)
	Delete(ctx context.Context, artifactID string) error
	Exists(ctx context.Context, artifactID string) (bool, error)
	Close() error
}

// PutOptions describes the object being written.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// extensionForMime returns a file extension for a MIME type.
func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "text/html", "text/html; charset=utf-8":
		return ".html"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	default:
		return ".dat"
	}
}

// NewStore builds the backend named by backend ("local" or "s3").
func NewStore(ctx context.Context, backend, dir string, s3cfg *S3StoreConfig) (Store, error) {
	switch backend {
	case "", "local":
		if dir == "" {
			dir = "artifacts"
		}
		return NewLocalStore(dir)
	case "s3":
		return NewS3Store(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", backend)
	}
}
