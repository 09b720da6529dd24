// Package memory provides the in-process cache layer on ristretto.
package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/hupe1980/memgov/tier"
)

var errClosed = errors.New("memory: store closed")

// Store is a cost-bounded in-process cache. Cost is the value length in bytes.
type Store struct {
	cache  *ristretto.Cache
	closed atomic.Bool
}

var _ tier.Backend = (*Store)(nil)

// New creates a store holding at most maxBytes of values.
func New(maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	// ristretto recommends ten counters per expected item; assume 1KiB items.
	counters := max(maxBytes/1024*10, 1000)
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

// Get reads a value.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, tier.ErrNotFound
	}
	return v.([]byte), nil
}

// Put stores a copy of value. The write is visible to Get on return unless
// the admission policy rejected it.
func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return errClosed
	}
	buf := append([]byte(nil), value...)
	if ttl > 0 {
		s.cache.SetWithTTL(key, buf, int64(len(buf)), ttl)
	} else {
		s.cache.Set(key, buf, int64(len(buf)))
	}
	s.cache.Wait()
	return nil
}

// Delete removes a value.
func (s *Store) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return errClosed
	}
	s.cache.Del(key)
	return nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	return nil
}

// Close releases the cache.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cache.Close()
	}
	return nil
}
