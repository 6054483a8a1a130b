package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSStore stores blobs in a Google Cloud Storage bucket. Writes carry a
// DoesNotExist precondition so concurrent uploads of the same content-addressed
// key cannot race: the loser's 412 is treated as success.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore dials GCS using ambient credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Bucket returns the bucket name.
func (s *GCSStore) Bucket() string {
	return s.bucket
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put uploads data under key unless the object already exists.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return ObjectInfo{}, fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			// Already stored; identical content by construction of the key.
			return s.Head(ctx, key)
		}
		return ObjectInfo{}, fmt.Errorf("close gcs writer: %w", err)
	}

	attrs := w.Attrs()
	return ObjectInfo{Key: key, Size: attrs.Size, ETag: attrs.Etag}, nil
}

// Get reads the full object.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("open gcs object: %w", err)
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gcs object: %w", err)
	}
	return data, nil
}

// Head fetches object attributes without the payload.
func (s *GCSStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("stat gcs object: %w", err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, ETag: attrs.Etag, Updated: attrs.Updated}, nil
}

// List enumerates objects under prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gcs objects: %w", err)
		}
		objects = append(objects, ObjectInfo{
			Key:     attrs.Name,
			Size:    attrs.Size,
			ETag:    attrs.Etag,
			Updated: attrs.Updated,
		})
	}
	return objects, nil
}

// Delete removes the object; absent objects are not an error.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object: %w", err)
	}
	return nil
}

// Presign issues a V4 signed URL for the given op.
func (s *GCSStore) Presign(ctx context.Context, key string, op Op, ttl time.Duration) (PresignedURL, error) {
	method := http.MethodGet
	if op == OpPut {
		method = http.MethodPut
	}
	expiresAt := time.Now().Add(ttl)

	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  method,
		Expires: expiresAt,
	})
	if err != nil {
		return PresignedURL{}, fmt.Errorf("sign gcs url: %w", err)
	}
	return PresignedURL{URL: u, ExpiresAt: expiresAt}, nil
}
