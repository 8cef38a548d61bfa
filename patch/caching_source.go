package patch

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/nexus/cache"
)

// CachingSource serves hash downloads from a cache, filling it from the
// wrapped source on a miss. Concurrent misses for one hash download once.
type CachingSource struct {
	Source

	cache  cache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

// CachingOption configures a CachingSource.
type CachingOption func(*CachingSource)

// WithCacheLogger sets the logger for the caching source.
func WithCacheLogger(logger *slog.Logger) CachingOption {
	return func(s *CachingSource) {
		s.logger = logger
	}
}

// NewCachingSource wraps src with c.
func NewCachingSource(src Source, c cache.Cache, opts ...CachingOption) *CachingSource {
	s := &CachingSource{Source: src, cache: c}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CachingSource) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// DownloadHash returns cached content for hash, downloading and caching it
// first when needed. Content the cache declines to keep is downloaded again
// directly.
func (s *CachingSource) DownloadHash(ctx context.Context, build int, hash []byte) (io.ReadCloser, error) {
	key := hex.EncodeToString(hash)
	if f, ok := s.cache.Get(hash); ok {
		s.log().Debug("cache hit", "hash", key)
		return f, nil
	}

	_, err, shared := s.group.Do(key, func() (any, error) {
		if f, ok := s.cache.Get(hash); ok {
			_ = f.Close() //nolint:errcheck // only probing
			return nil, nil
		}
		rc, err := s.Source.DownloadHash(ctx, build, hash)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck // read side
		return nil, s.cache.Put(hash, rc)
	})
	if err != nil {
		return nil, err
	}
	s.log().Debug("cache fill", "hash", key, "shared", shared)

	if f, ok := s.cache.Get(hash); ok {
		return f, nil
	}
	s.log().Debug("content not cached, downloading directly", "hash", key)
	return s.Source.DownloadHash(ctx, build, hash)
}

// DownloadFile resolves name's hash through the wrapped source and serves
// the content through the cache.
func (s *CachingSource) DownloadFile(ctx context.Context, build int, name string) (io.ReadCloser, error) {
	hash, err := s.FileHash(ctx, build, name)
	if err != nil {
		return nil, err
	}
	return s.DownloadHash(ctx, build, hash)
}

// Invalidate removes the cached content for hash, and the wrapped source's
// copy when it keeps one.
func (s *CachingSource) Invalidate(hash []byte) error {
	s.log().Debug("cache invalidate", "hash", hex.EncodeToString(hash))
	err := s.cache.Delete(hash)
	if inv, ok := s.Source.(Invalidator); ok {
		err = errors.Join(err, inv.Invalidate(hash))
	}
	return err
}

var (
	_ Source      = (*CachingSource)(nil)
	_ Invalidator = (*CachingSource)(nil)
)
