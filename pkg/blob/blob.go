package blob

import (
	"context"
	"errors"
	"time"
)

// Op enumerates presignable operations.
type Op string

const (
	OpGet Op = "get"
	OpPut Op = "put"
)

// ErrNotExist is returned when the requested object is absent.
var ErrNotExist = errors.New("blob: object does not exist")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string
	Updated time.Time
}

// PresignedURL is a short-lived, credential-free link to one object.
type PresignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Store is the object-store capability the document service consumes.
// Put is idempotent for content-addressed keys: writing a key that already
// holds the same bytes succeeds without rewriting.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Presign(ctx context.Context, key string, op Op, ttl time.Duration) (PresignedURL, error)
	Bucket() string
}
