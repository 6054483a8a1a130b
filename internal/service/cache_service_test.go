package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/docvault-api/pkg/errors"
)

type cacheBackendStub struct {
	entries  map[string][]byte
	patterns []string
	getErr   error
}

func newCacheBackendStub() *cacheBackendStub {
	return &cacheBackendStub{entries: map[string][]byte{}}
}

func (s *cacheBackendStub) Get(_ context.Context, key string, dest interface{}) error {
	if s.getErr != nil {
		return s.getErr
	}
	raw, ok := s.entries[key]
	if !ok {
		return appErrors.Clone(appErrors.ErrCacheMiss, "cache miss")
	}
	return json.Unmarshal(raw, dest)
}

func (s *cacheBackendStub) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.entries[key] = raw
	return nil
}

func (s *cacheBackendStub) Delete(_ context.Context, key string) error {
	delete(s.entries, key)
	return nil
}

func (s *cacheBackendStub) DeleteByPattern(_ context.Context, pattern string) error {
	s.patterns = append(s.patterns, pattern)
	return nil
}

func TestCacheServiceRoundTrip(t *testing.T) {
	backend := newCacheBackendStub()
	svc := NewCacheService(backend, nil, time.Minute, nil, true)
	require.True(t, svc.Enabled())

	require.NoError(t, svc.Set(context.Background(), "doc:1", map[string]string{"id": "1"}, 0))

	var out map[string]string
	require.NoError(t, svc.Get(context.Background(), "doc:1", &out))
	require.Equal(t, "1", out["id"])

	require.NoError(t, svc.Delete(context.Background(), "doc:1"))
	err := svc.Get(context.Background(), "doc:1", &out)
	require.True(t, appErrors.Is(err, appErrors.ErrCacheMiss))
}

func TestCacheServiceDisabledLooksLikeMiss(t *testing.T) {
	// Callers only distinguish hit from non-hit, so disabled caching must
	// read as a miss and swallow writes.
	svc := NewCacheService(nil, nil, 0, nil, false)
	require.False(t, svc.Enabled())

	var out map[string]string
	err := svc.Get(context.Background(), "doc:1", &out)
	require.True(t, appErrors.Is(err, appErrors.ErrCacheMiss))

	require.NoError(t, svc.Set(context.Background(), "doc:1", "x", 0))
	require.NoError(t, svc.Delete(context.Background(), "doc:1"))
	require.NoError(t, svc.Invalidate(context.Background(), "doc:*"))
}

func TestCacheServiceBackendErrorIsNotAMiss(t *testing.T) {
	backend := newCacheBackendStub()
	backend.getErr = errors.New("connection refused")
	svc := NewCacheService(backend, nil, time.Minute, nil, true)

	var out map[string]string
	err := svc.Get(context.Background(), "doc:1", &out)
	require.Error(t, err)
	require.False(t, appErrors.Is(err, appErrors.ErrCacheMiss))
}

func TestCacheServiceInvalidate(t *testing.T) {
	backend := newCacheBackendStub()
	svc := NewCacheService(backend, nil, time.Minute, nil, true)

	require.NoError(t, svc.Invalidate(context.Background(), "doc:*"))
	require.Equal(t, []string{"doc:*"}, backend.patterns)
}
