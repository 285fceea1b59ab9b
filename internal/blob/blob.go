// Package blob stores uploaded drop payloads outside the expiring record
// store. Links carry only the object key; the bytes live here until the
// link is redeemed or swept.
package blob

import (
	"context"
	"io"
)

// Object identifies a stored payload. URL is only populated by backends
// that can serve the object directly.
type Object struct {
	Key         string
	Name        string
	ContentType string
	Size        int64
	URL         string
}

// Storage is the persistence contract for drop payloads.
type Storage interface {
	Save(ctx context.Context, name, contentType string, data []byte) (Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}
