// Package blobstore stores case attachments (delivery notes, photos, signed
// order forms) under string keys. Drivers: in-memory for development and
// tests, S3 (or any S3-compatible endpoint) for deployments.
package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("blob not found")
	ErrExists             = errors.New("blob already exists")
	ErrTooLarge           = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrUnsupported        = errors.New("operation not supported by driver")
)

// MaxFileSize is the largest attachment accepted (20 MB).
const MaxFileSize = 20 * 1024 * 1024

// AllowedContentTypes lists attachment MIME types.
var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/heic":      true,
	"application/pdf": true,
	"text/plain":      true,
	"text/csv":        true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// ContentTypeAllowed ignores parameters such as "; charset=utf-8".
func ContentTypeAllowed(ct string) bool {
	base, _, _ := strings.Cut(ct, ";")
	return AllowedContentTypes[strings.ToLower(strings.TrimSpace(base))]
}

type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is implemented by every driver. Put never overwrites an existing key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
