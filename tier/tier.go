// Package tier ranks storage layers for placement and moves values between them.
//
// A Selector owns a set of Layers, each backed by a Backend (in-process
// memory, a fast key-value store, a vector store, a relational store, a graph
// store or an object store). Placement scores are derived per call from the
// measured hit rate and latency of every layer; they are never stored.
package tier

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/memgov/internal/resource"
)

var (
	// ErrNotFound is returned when a key is absent from a layer or from every layer.
	ErrNotFound = errors.New("tier: not found")

	// ErrStorageUnavailable marks a layer whose backend failed its health check.
	ErrStorageUnavailable = errors.New("tier: storage unavailable")

	// ErrLayerExists is returned when a layer name is registered twice.
	ErrLayerExists = errors.New("tier: layer already exists")

	// ErrNoLayer is returned when no layer can accept a value.
	ErrNoLayer = errors.New("tier: no eligible layer")
)

// Kind classifies a storage layer by its access characteristics.
type Kind string

const (
	KindMemory     Kind = "memory"
	KindFastKV     Kind = "fastkv"
	KindVector     Kind = "vector"
	KindRelational Kind = "relational"
	KindGraph      Kind = "graph"
	KindObject     Kind = "object"
)

var kindOrder = []Kind{KindMemory, KindFastKV, KindVector, KindRelational, KindGraph, KindObject}

// ParseKind parses a layer kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(kindOrder, k) {
		return k, nil
	}
	return "", fmt.Errorf("tier: unknown kind %q", s)
}

// speed returns 0 for the fastest kind and 1 for the slowest.
func (k Kind) speed() float64 {
	i := slices.Index(kindOrder, k)
	if i < 0 {
		i = len(kindOrder) - 1
	}
	return float64(i) / float64(len(kindOrder)-1)
}

// Persistent reports whether writes to this kind leave the process.
func (k Kind) Persistent() bool { return k != KindMemory }

// Backend is the storage contract a layer delegates to.
//
// Get returns ErrNotFound for absent or expired keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// LayerConfig declares a storage layer.
type LayerConfig struct {
	Name          string
	Kind          Kind
	CapacityBytes int64 // 0 means unbounded
	TTL           time.Duration
	Priority      int // lower wins ties
	Backend       Backend
}

// Info is a read-only view of a layer, including its score for the
// placement decision that produced it.
type Info struct {
	Name          string  `json:"name"`
	Kind          Kind    `json:"kind"`
	CapacityBytes int64   `json:"capacityBytes"`
	UsedBytes     int64   `json:"usedBytes"`
	HitRate       float64 `json:"hitRate"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	TTLMs         int64   `json:"ttlMs"`
	Priority      int     `json:"priority"`
	Available     bool    `json:"available"`
	Score         float64 `json:"score,omitempty"`
	Rank          int     `json:"rank,omitempty"`
}

const latencyAlpha = 0.2

// Layer is a configured backend plus its measured statistics.
type Layer struct {
	cfg LayerConfig

	mu        sync.Mutex
	hits      uint64
	misses    uint64
	latencyMs float64
	sampled   bool
	sizes     map[string]int64
	used      int64
	available bool
	lastErr   error
}

func newLayer(cfg LayerConfig) *Layer {
	return &Layer{cfg: cfg, sizes: make(map[string]int64), available: true}
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.cfg.Name }

// Kind returns the layer kind.
func (l *Layer) Kind() Kind { return l.cfg.Kind }

// Backend returns the layer backend.
func (l *Layer) Backend() Backend { return l.cfg.Backend }

func (l *Layer) observe(d time.Duration, hit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hit {
		l.hits++
	} else {
		l.misses++
	}
	l.sampleLocked(d)
}

// sampleLocked folds a latency sample into the moving average.
func (l *Layer) sampleLocked(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if !l.sampled {
		l.latencyMs = ms
		l.sampled = true
		return
	}
	l.latencyMs = latencyAlpha*ms + (1-latencyAlpha)*l.latencyMs
}

func (l *Layer) track(key string, size int64) {
	l.mu.Lock()
	l.used += size - l.sizes[key]
	l.sizes[key] = size
	l.mu.Unlock()
}

func (l *Layer) untrack(key string) {
	l.mu.Lock()
	l.used -= l.sizes[key]
	delete(l.sizes, key)
	l.mu.Unlock()
}

// setAvailable records a health result and reports whether availability changed.
func (l *Layer) setAvailable(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.available
	l.available = err == nil
	l.lastErr = err
	return was != l.available
}

// Err returns the last health-check failure, wrapped with ErrStorageUnavailable.
func (l *Layer) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.available {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, l.cfg.Name, l.lastErr)
}

// Info returns a snapshot of the layer.
func (l *Layer) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.infoLocked()
}

func (l *Layer) infoLocked() Info {
	var hitRate float64
	if total := l.hits + l.misses; total > 0 {
		hitRate = float64(l.hits) / float64(total)
	}
	return Info{
		Name:          l.cfg.Name,
		Kind:          l.cfg.Kind,
		CapacityBytes: l.cfg.CapacityBytes,
		UsedBytes:     l.used,
		HitRate:       hitRate,
		AvgLatencyMs:  l.latencyMs,
		TTLMs:         l.cfg.TTL.Milliseconds(),
		Priority:      l.cfg.Priority,
		Available:     l.available,
	}
}

// Selector ranks layers and routes reads and writes across them.
type Selector struct {
	mu     sync.RWMutex
	layers []*Layer

	res           *resource.Controller
	logger        *slog.Logger
	onUnavailable func(layer string, err error)
}

// Option configures a Selector.
type Option func(*Selector)

// WithResourceController rate limits writes to persistent layers.
func WithResourceController(rc *resource.Controller) Option {
	return func(s *Selector) { s.res = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUnavailableHook is called when a layer transitions to unavailable.
func WithUnavailableHook(fn func(layer string, err error)) Option {
	return func(s *Selector) { s.onUnavailable = fn }
}

// NewSelector creates a Selector with no layers.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a layer.
func (s *Selector) Add(cfg LayerConfig) (*Layer, error) {
	if cfg.Name == "" {
		return nil, errors.New("tier: layer name is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("tier: layer %q has no backend", cfg.Name)
	}
	if _, err := ParseKind(string(cfg.Kind)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.layers {
		if l.cfg.Name == cfg.Name {
			return nil, fmt.Errorf("%w: %s", ErrLayerExists, cfg.Name)
		}
	}
	l := newLayer(cfg)
	s.layers = append(s.layers, l)
	return l, nil
}

// Layer returns a layer by name.
func (s *Selector) Layer(name string) (*Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.layers {
		if l.cfg.Name == name {
			return l, true
		}
	}
	return nil, false
}

// Layers returns a snapshot of every layer in registration order.
func (s *Selector) Layers() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, len(s.layers))
	for i, l := range s.layers {
		out[i] = l.Info()
	}
	return out
}

// Unavailable returns the names of layers that failed their last health check.
func (s *Selector) Unavailable() []string {
	var out []string
	for _, info := range s.Layers() {
		if !info.Available {
			out = append(out, info.Name)
		}
	}
	return out
}

const (
	smallItemBytes = 64 << 10
	largeItemBytes = 1 << 20

	// accesses per minute treated as fully hot
	hotFrequency = 10.0

	maxSelected = 3
)

// affinity maps item kinds to the layer kind that serves them natively.
var affinity = map[string]Kind{
	"embedding": KindVector,
	"vector":    KindVector,
	"document":  KindRelational,
	"record":    KindRelational,
	"relation":  KindGraph,
	"graph":     KindGraph,
	"blob":      KindObject,
	"session":   KindFastKV,
}

// Score computes the placement score of a layer for an item.
func Score(info Info, itemKind string, size int64, frequency float64) float64 {
	fast := 1 - info.Kind.speed()

	var sizeFit float64
	switch {
	case size <= smallItemBytes:
		sizeFit = fast
	case size >= largeItemBytes:
		sizeFit = 1 - fast
	default:
		sizeFit = 0.5
	}

	f := math.Max(0, math.Min(frequency/hotFrequency, 1))
	freqFit := f*fast + (1-f)*(1-fast)*0.5

	score := 0.3*sizeFit + 0.3*freqFit + 0.2*info.HitRate + 0.2/(1+info.AvgLatencyMs)
	if want, ok := affinity[strings.ToLower(itemKind)]; ok && want == info.Kind {
		score += 0.15
	}
	return score
}

// Select returns up to three available layers ranked for the item.
// Layers whose remaining capacity cannot hold the item are excluded. Layers
// tied on score and priority are ordered by a hash of key and layer name, so
// a key always lands on the same layer while keys spread across equals.
func (s *Selector) Select(key, itemKind string, size int64, frequency float64) []Info {
	ranked := s.rank(key, itemKind, size, frequency)
	if len(ranked) > maxSelected {
		ranked = ranked[:maxSelected]
	}
	out := make([]Info, len(ranked))
	for i, r := range ranked {
		out[i] = r.info
	}
	return out
}

type ranked struct {
	layer *Layer
	info  Info
	tie   uint64
}

func keyAffinity(key, layer string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(layer))
	return h.Sum64()
}

func (s *Selector) rank(key, itemKind string, size int64, frequency float64) []ranked {
	s.mu.RLock()
	candidates := make([]ranked, 0, len(s.layers))
	for _, l := range s.layers {
		info := l.Info()
		if !info.Available {
			continue
		}
		if info.CapacityBytes > 0 && info.UsedBytes+size > info.CapacityBytes {
			continue
		}
		info.Score = Score(info, itemKind, size, frequency)
		candidates = append(candidates, ranked{layer: l, info: info, tie: keyAffinity(key, info.Name)})
	}
	s.mu.RUnlock()

	slices.SortStableFunc(candidates, func(a, b ranked) int {
		if a.info.Score != b.info.Score {
			if a.info.Score > b.info.Score {
				return -1
			}
			return 1
		}
		if a.info.Priority != b.info.Priority {
			return a.info.Priority - b.info.Priority
		}
		if a.tie != b.tie {
			return cmp.Compare(b.tie, a.tie)
		}
		return strings.Compare(a.info.Name, b.info.Name)
	})
	for i := range candidates {
		candidates[i].info.Rank = i + 1
	}
	return candidates
}

// HealthCheck pings every backend and updates availability.
// The returned map holds the failures keyed by layer name.
func (s *Selector) HealthCheck(ctx context.Context) map[string]error {
	s.mu.RLock()
	layers := slices.Clone(s.layers)
	s.mu.RUnlock()

	failed := make(map[string]error)
	for _, l := range layers {
		err := l.cfg.Backend.Ping(ctx)
		changed := l.setAvailable(err)
		if err != nil {
			failed[l.cfg.Name] = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if !changed {
			continue
		}
		if err != nil {
			s.logger.Warn("storage layer unavailable", "layer", l.cfg.Name, "kind", l.cfg.Kind, "error", err)
			if s.onUnavailable != nil {
				s.onUnavailable(l.cfg.Name, err)
			}
		} else {
			s.logger.Info("storage layer recovered", "layer", l.cfg.Name, "kind", l.cfg.Kind)
		}
	}
	return failed
}

// Put writes the value to the best-ranked layer that accepts it and returns
// that layer. Failing layers are skipped in rank order.
func (s *Selector) Put(ctx context.Context, key string, value []byte, itemKind string, frequency float64) (Info, error) {
	size := int64(len(value))
	var errs []error
	for _, c := range s.rank(key, itemKind, size, frequency) {
		if err := s.write(ctx, c.layer, key, value); err != nil {
			if ctx.Err() != nil {
				return Info{}, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		return c.info, nil
	}
	if len(errs) > 0 {
		return Info{}, fmt.Errorf("%w: %w", ErrNoLayer, errors.Join(errs...))
	}
	return Info{}, ErrNoLayer
}

func (s *Selector) write(ctx context.Context, l *Layer, key string, value []byte) error {
	if l.cfg.Kind.Persistent() {
		if err := s.res.AcquireIO(ctx, len(value)); err != nil {
			return err
		}
	}
	start := time.Now()
	if err := l.cfg.Backend.Put(ctx, key, value, l.cfg.TTL); err != nil {
		return fmt.Errorf("%s: %w", l.cfg.Name, err)
	}
	l.mu.Lock()
	l.sampleLocked(time.Since(start))
	l.mu.Unlock()
	l.track(key, int64(len(value)))
	return nil
}

// fastestFirst returns available layers ordered by kind speed, then priority.
func (s *Selector) fastestFirst() []*Layer {
	s.mu.RLock()
	layers := make([]*Layer, 0, len(s.layers))
	for _, l := range s.layers {
		if l.Info().Available {
			layers = append(layers, l)
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(layers, func(a, b *Layer) int {
		sa, sb := a.cfg.Kind.speed(), b.cfg.Kind.speed()
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
		return a.cfg.Priority - b.cfg.Priority
	})
	return layers
}

// Get reads the key from the fastest layer holding it. A hit in a slower
// layer is copied into every faster layer with room for it.
func (s *Selector) Get(ctx context.Context, key string) ([]byte, Info, error) {
	layers := s.fastestFirst()
	for i, l := range layers {
		start := time.Now()
		val, err := l.cfg.Backend.Get(ctx, key)
		hit := err == nil
		l.observe(time.Since(start), hit)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Debug("layer read failed", "layer", l.cfg.Name, "key", key, "error", err)
			}
			continue
		}
		s.promote(ctx, layers[:i], key, val)
		return val, l.Info(), nil
	}
	return nil, Info{}, ErrNotFound
}

func (s *Selector) promote(ctx context.Context, faster []*Layer, key string, val []byte) {
	for _, l := range faster {
		info := l.Info()
		if info.CapacityBytes > 0 && info.UsedBytes+int64(len(val)) > info.CapacityBytes {
			continue
		}
		if err := s.write(ctx, l, key, val); err != nil {
			s.logger.Debug("promotion failed", "layer", l.cfg.Name, "key", key, "error", err)
		}
	}
}

// Delete removes the key from every layer.
func (s *Selector) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	layers := slices.Clone(s.layers)
	s.mu.RUnlock()
	var errs []error
	for _, l := range layers {
		if err := l.cfg.Backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", l.cfg.Name, err))
			continue
		}
		l.untrack(key)
	}
	return errors.Join(errs...)
}

// Close closes every backend that implements io.Closer.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, l := range s.layers {
		if c, ok := l.cfg.Backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.cfg.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
