package blob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore persists blobs on disk under a base directory. Presigned URLs
// are HMAC tokens a front proxy can verify with the same signer; the store
// never exposes raw paths.
type LocalStore struct {
	baseDir string
	bucket  string
	baseURL string
	signer  *Signer
}

// NewLocalStore ensures the base directory exists and returns a handle.
func NewLocalStore(baseDir, bucket, baseURL string, signer *Signer) (*LocalStore, error) {
	if baseDir == "" {
		baseDir = "./data/blobs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}, nil
}

// Bucket returns the logical bucket label.
func (s *LocalStore) Bucket() string {
	return s.bucket
}

// Put writes data under key. The write goes through a temp file and rename
// so concurrent readers never observe a partial object; if the key already
// exists with the same size the write is skipped (content-addressed keys
// never change value).
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return ObjectInfo{}, err
	}

	if info, statErr := os.Stat(path); statErr == nil && info.Size() == int64(len(data)) {
		return ObjectInfo{Key: key, Size: info.Size()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("prepare blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return ObjectInfo{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return ObjectInfo{}, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return ObjectInfo{}, fmt.Errorf("commit blob: %w", err)
	}

	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

// Get reads the full object.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Head stats the object without reading it.
func (s *LocalStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("stat blob: %w", err)
	}
	return ObjectInfo{Key: key, Size: info.Size(), Updated: info.ModTime()}, nil
}

// List walks every object whose key starts with prefix. Temp files from
// in-flight writes are skipped.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), Updated: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return objects, nil
}

// Delete removes the object if present.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Presign issues a token URL for the given op and key.
func (s *LocalStore) Presign(ctx context.Context, key string, op Op, ttl time.Duration) (PresignedURL, error) {
	if err := ctx.Err(); err != nil {
		return PresignedURL{}, err
	}
	if s.signer == nil {
		return PresignedURL{}, fmt.Errorf("local store has no signer configured")
	}
	expiresAt := time.Now().Add(ttl)
	token, err := s.signer.Sign(op, key, expiresAt)
	if err != nil {
		return PresignedURL{}, err
	}

	u := fmt.Sprintf("%s/files/%s?token=%s", s.baseURL, url.PathEscape(key), url.QueryEscape(token))
	return PresignedURL{URL: u, ExpiresAt: expiresAt}, nil
}

// resolve maps a key to a path under baseDir, rejecting traversal.
func (s *LocalStore) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}
