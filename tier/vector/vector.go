// Package vector provides a vector-store cache layer on chromem-go.
//
// Each value is stored as a document whose content is the base64-encoded
// value and whose embedding comes from an Embedder. Values that carry their
// own embedding (pool embeddings, cluster centroids) can be written with
// PutEmbedding and later retrieved by similarity.
package vector

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/hupe1980/memgov/tier"
)

const (
	metaExpires = "expires_at"

	// DefaultCollection is the collection used when none is configured.
	DefaultCollection = "memgov"
)

// Embedder derives an embedding from a raw value.
type Embedder func(value []byte) []float32

// Options configures the store.
type Options struct {
	// Path enables on-disk persistence when non-empty.
	Path       string
	Compress   bool
	Collection string
	Embedder   Embedder
}

// Match is a similarity search hit.
type Match struct {
	Key        string
	Value      []byte
	Similarity float32
}

// Store is a chromem-go backed cache layer.
type Store struct {
	db     *chromem.DB
	col    *chromem.Collection
	embed  Embedder
	now    func() time.Time
	mu     sync.Mutex
	closed bool
}

var _ tier.Backend = (*Store)(nil)

// New opens the store.
func New(opts Options) (*Store, error) {
	var (
		db  *chromem.DB
		err error
	)
	if opts.Path != "" {
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("vector: open %q: %w", opts.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	name := opts.Collection
	if name == "" {
		name = DefaultCollection
	}
	// Embeddings are always supplied, so no embedding func is needed.
	col, err := db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: collection %q: %w", name, err)
	}

	embed := opts.Embedder
	if embed == nil {
		embed = ByteHistogram
	}
	return &Store{db: db, col: col, embed: embed, now: time.Now}, nil
}

const histogramBins = 32

// ByteHistogram embeds a value as its normalized byte-value histogram plus a
// constant component, so that empty values still have a non-zero embedding.
func ByteHistogram(value []byte) []float32 {
	v := make([]float32, histogramBins+1)
	for _, b := range value {
		v[int(b)*histogramBins/256]++
	}
	v[histogramBins] = 1
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector: store closed")
	}
	return nil
}

// Get reads a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	doc, err := s.col.GetByID(ctx, key)
	if err != nil {
		return nil, tier.ErrNotFound
	}
	if s.expired(doc.Metadata) {
		_ = s.col.Delete(ctx, nil, nil, key)
		return nil, tier.ErrNotFound
	}
	return base64.StdEncoding.DecodeString(doc.Content)
}

func (s *Store) expired(meta map[string]string) bool {
	exp, ok := meta[metaExpires]
	if !ok {
		return false
	}
	ms, err := strconv.ParseInt(exp, 10, 64)
	return err == nil && s.now().UnixMilli() >= ms
}

// Put writes a value using the configured Embedder.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.PutEmbedding(ctx, key, value, s.embed(value), ttl)
}

// PutEmbedding writes a value under an explicit embedding.
func (s *Store) PutEmbedding(ctx context.Context, key string, value []byte, embedding []float32, ttl time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	meta := map[string]string{}
	if ttl > 0 {
		meta[metaExpires] = strconv.FormatInt(s.now().Add(ttl).UnixMilli(), 10)
	}
	return s.col.AddDocument(ctx, chromem.Document{
		ID:        key,
		Metadata:  meta,
		Embedding: embedding,
		Content:   base64.StdEncoding.EncodeToString(value),
	})
}

// Similar returns up to n stored values closest to the query embedding.
func (s *Store) Similar(ctx context.Context, query []float32, n int) ([]Match, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	n = min(n, s.col.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := s.col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: query: %w", err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		if s.expired(r.Metadata) {
			continue
		}
		val, err := base64.StdEncoding.DecodeString(r.Content)
		if err != nil {
			return nil, fmt.Errorf("vector: decode %q: %w", r.ID, err)
		}
		out = append(out, Match{Key: r.ID, Value: val, Similarity: r.Similarity})
	}
	return out, nil
}

// Delete removes a value.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.col.Delete(ctx, nil, nil, key)
}

// Len returns the number of stored documents, expired ones included.
func (s *Store) Len() int { return s.col.Count() }

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error { return s.checkOpen() }

// Close marks the store closed. Persistent stores are already durable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
