package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/memgov/internal/compress"
	"github.com/hupe1980/memgov/internal/queue"
	"github.com/hupe1980/memgov/internal/resource"
)

var (
	// ErrPoolFull is returned when an allocation does not fit the pool or the process budget.
	ErrPoolFull = errors.New("pool full")
	// ErrPoolNotFound is returned for unknown pool ids.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrPoolExists is returned when registering a duplicate pool id.
	ErrPoolExists = errors.New("pool already exists")
	// ErrInvalidCapacity is returned for negative capacities or item sizes.
	ErrInvalidCapacity = errors.New("invalid capacity")
)

// Kind is the resource kind a pool holds.
type Kind string

const (
	KindEmbedding Kind = "embedding"
	KindVector    Kind = "vector"
	KindCache     Kind = "cache"
	KindSOM       Kind = "som"
	KindCluster   Kind = "cluster"
)

// ParseKind parses a pool kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindEmbedding, KindVector, KindCache, KindSOM, KindCluster:
		return k, nil
	default:
		return "", fmt.Errorf("unknown pool kind %q", s)
	}
}

// Item is the value stored under a key.
// Payload and Vector may both be set; Size defaults to their byte length.
type Item struct {
	Payload  []byte
	Vector   []float32
	Size     int64
	Priority float64
}

func (it Item) byteSize() int64 {
	if it.Size > 0 {
		return it.Size
	}
	return int64(len(it.Payload)) + int64(4*len(it.Vector))
}

// Handle identifies an allocation.
type Handle struct {
	PoolID string
	Key    string
	Size   int64
}

// Eviction describes one eviction pass.
type Eviction struct {
	PoolID string
	Reason string
	Keys   []string
	Bytes  int64
}

// EvictFunc observes evictions. It runs after the pool lock is released.
type EvictFunc func(Eviction)

type entry struct {
	payload    []byte
	payloadEnc compress.Encoding
	vector     []byte
	vectorEnc  compress.Encoding
	dim        int

	size       int64
	priority   float64
	lastAccess int64
}

// Pool is a named, capacity-bounded bucket of items.
type Pool struct {
	id       string
	kind     Kind
	priority int

	mu             sync.Mutex
	baseCapacity   int64
	capacity       int64
	used           int64
	items          map[string]*entry
	lastAccessedAt time.Time
	evictions      uint64

	res    *resource.Controller
	logger *slog.Logger
	hooks  func() []EvictFunc
	now    func() time.Time
}

// ID returns the pool id.
func (p *Pool) ID() string { return p.id }

// Kind returns the resource kind.
func (p *Pool) Kind() Kind { return p.kind }

// Priority returns the pool importance; lower values are evicted first.
func (p *Pool) Priority() int { return p.priority }

// Allocate stores item under key. Replacing a key accounts only the size delta.
// It never blocks and never evicts.
func (p *Pool) Allocate(key string, item Item) (Handle, error) {
	if item.Size < 0 {
		return Handle{}, fmt.Errorf("%w: item size %d", ErrInvalidCapacity, item.Size)
	}

	e := &entry{
		payload:  item.Payload,
		dim:      len(item.Vector),
		size:     item.byteSize(),
		priority: item.Priority,
	}
	if item.Vector != nil {
		e.vector = compress.EncodeVector(item.Vector, compress.None)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delta := e.size
	old, replacing := p.items[key]
	if replacing {
		delta -= old.size
	}

	if delta > 0 && p.used+delta > p.capacity {
		return Handle{}, fmt.Errorf("%w: pool %q needs %d bytes, %d of %d used",
			ErrPoolFull, p.id, delta, p.used, p.capacity)
	}
	if delta > 0 {
		if err := p.res.AcquireMemory(delta); err != nil {
			return Handle{}, fmt.Errorf("%w: pool %q: %w", ErrPoolFull, p.id, err)
		}
	} else {
		p.res.ReleaseMemory(-delta)
	}

	now := p.now()
	e.lastAccess = now.UnixNano()
	p.items[key] = e
	p.used += delta
	p.lastAccessedAt = now

	return Handle{PoolID: p.id, Key: key, Size: e.size}, nil
}

// Get returns the decoded item and marks it accessed.
func (p *Pool) Get(key string) (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.items[key]
	if !ok {
		return Item{}, false
	}
	now := p.now()
	e.lastAccess = now.UnixNano()
	p.lastAccessedAt = now

	item, err := decode(e)
	if err != nil {
		p.logger.Error("pool: corrupt item", "pool", p.id, "key", key, "error", err)
		return Item{}, false
	}
	return item, true
}

func decode(e *entry) (Item, error) {
	item := Item{Size: e.size, Priority: e.priority}

	if e.payload != nil {
		if e.payloadEnc == compress.None {
			item.Payload = e.payload
		} else {
			raw, err := compress.Decompress(e.payload, e.payloadEnc)
			if err != nil {
				return Item{}, err
			}
			item.Payload = raw
		}
	}
	if e.vector != nil {
		vec, err := compress.DecodeVector(e.vector, e.vectorEnc)
		if err != nil {
			return Item{}, err
		}
		item.Vector = vec
	}
	return item, nil
}

// Contains reports whether key is held.
func (p *Pool) Contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[key]
	return ok
}

// Release removes key and returns the freed bytes.
func (p *Pool) Release(key string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.items[key]
	if !ok {
		return 0, false
	}
	p.remove(key, e)
	return e.size, true
}

func (p *Pool) remove(key string, e *entry) {
	delete(p.items, key)
	p.used -= e.size
	p.res.ReleaseMemory(e.size)
}

// SetPriority updates the eviction priority of key.
func (p *Pool) SetPriority(key string, priority float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.items[key]
	if ok {
		e.priority = priority
	}
	return ok
}

// Evict removes ceil(fraction × items) lowest-priority items.
func (p *Pool) Evict(fraction float64, reason string) Eviction {
	fraction = math.Max(0, math.Min(1, fraction))

	p.mu.Lock()
	count := int(math.Ceil(fraction * float64(len(p.items))))
	ev := p.evictLocked(reason, func(n int, _ int64) bool { return n < count })
	p.mu.Unlock()

	p.notify(ev)
	return ev
}

// EvictBytes removes lowest-priority items until at least n bytes are freed
// or the pool is empty.
func (p *Pool) EvictBytes(n int64, reason string) Eviction {
	p.mu.Lock()
	ev := p.evictLocked(reason, func(_ int, freed int64) bool { return freed < n })
	p.mu.Unlock()

	p.notify(ev)
	return ev
}

func (p *Pool) evictLocked(reason string, more func(count int, freed int64) bool) Eviction {
	ev := Eviction{PoolID: p.id, Reason: reason}
	if len(p.items) == 0 || !more(0, 0) {
		return ev
	}

	candidates := make([]*queue.Item, 0, len(p.items))
	for key, e := range p.items {
		candidates = append(candidates, &queue.Item{
			Key:      key,
			Priority: e.priority,
			LastUsed: e.lastAccess,
			Size:     e.size,
		})
	}

	pq := queue.New(candidates)
	for more(len(ev.Keys), ev.Bytes) {
		c := pq.PopMin()
		if c == nil {
			break
		}
		p.remove(c.Key, p.items[c.Key])
		ev.Keys = append(ev.Keys, c.Key)
		ev.Bytes += c.Size
	}
	p.evictions += uint64(len(ev.Keys))
	return ev
}

func (p *Pool) notify(ev Eviction) {
	if len(ev.Keys) == 0 {
		return
	}
	p.logger.Debug("pool: evicted items",
		"pool", p.id,
		"reason", ev.Reason,
		"items", len(ev.Keys),
		"bytes", ev.Bytes,
	)
	if p.hooks == nil {
		return
	}
	for _, fn := range p.hooks() {
		fn(ev)
	}
}

// Scale sets capacity to baseCapacity × ratio.
// Used bytes may briefly exceed the new capacity until the next eviction pass.
func (p *Pool) Scale(ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = int64(math.Round(float64(p.baseCapacity) * ratio))
}

// CompressResult reports a compression pass.
type CompressResult struct {
	PoolID string
	Items  int
	Saved  int64
}

// Compress re-encodes items with enc. Payload encodings (LZ4, ZSTD) apply to
// payloads, embedding encodings (F16, Int8) apply to vectors. Used bytes are
// re-accounted from the encoded sizes.
func (p *Pool) Compress(enc compress.Encoding) (CompressResult, error) {
	res := CompressResult{PoolID: p.id}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, e := range p.items {
		saved, err := recode(e, enc)
		if err != nil {
			return res, fmt.Errorf("pool %q: compress %q: %w", p.id, key, err)
		}
		if saved <= 0 {
			continue
		}

		saved = min(saved, e.size)
		e.size -= saved
		p.used -= saved
		p.res.ReleaseMemory(saved)
		res.Saved += saved
		res.Items++
	}

	if res.Items > 0 {
		p.logger.Debug("pool: compressed", "pool", p.id, "encoding", enc.String(),
			"items", res.Items, "saved", res.Saved)
	}
	return res, nil
}

// recode re-encodes e in place and returns the number of stored bytes saved.
// Encodings that would not shrink the item are skipped.
func recode(e *entry, enc compress.Encoding) (int64, error) {
	switch enc {
	case compress.LZ4, compress.ZSTD:
		if e.payload == nil || e.payloadEnc == enc {
			return 0, nil
		}
		raw := e.payload
		if e.payloadEnc != compress.None {
			var err error
			if raw, err = compress.Decompress(e.payload, e.payloadEnc); err != nil {
				return 0, err
			}
		}
		block, err := compress.Compress(raw, enc)
		if err != nil {
			return 0, err
		}
		saved := int64(len(e.payload) - len(block))
		if saved <= 0 {
			return 0, nil
		}
		e.payload, e.payloadEnc = block, enc
		return saved, nil
	case compress.F16, compress.Int8:
		if e.vector == nil || e.vectorEnc == enc {
			return 0, nil
		}
		vec, err := compress.DecodeVector(e.vector, e.vectorEnc)
		if err != nil {
			return 0, err
		}
		encoded := compress.EncodeVector(vec, enc)
		saved := int64(len(e.vector) - len(encoded))
		if saved <= 0 {
			return 0, nil
		}
		e.vector, e.vectorEnc = encoded, enc
		return saved, nil
	default:
		return 0, nil
	}
}

// Vector is a decoded embedding held by a pool.
type Vector struct {
	Key    string
	Vector []float32
	Size   int64
}

// Vectors returns the decoded embeddings held by the pool, sorted by key.
func (p *Pool) Vectors() []Vector {
	p.mu.Lock()
	out := make([]Vector, 0, len(p.items))
	for key, e := range p.items {
		if e.vector == nil {
			continue
		}
		vec, err := compress.DecodeVector(e.vector, e.vectorEnc)
		if err != nil {
			continue
		}
		out = append(out, Vector{Key: key, Vector: vec, Size: e.size})
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b Vector) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	ID                string    `json:"id"`
	Kind              Kind      `json:"kind"`
	Priority          int       `json:"priority"`
	CapacityBytes     int64     `json:"capacityBytes"`
	BaseCapacityBytes int64     `json:"baseCapacityBytes"`
	UsedBytes         int64     `json:"usedBytes"`
	Items             int       `json:"items"`
	Evictions         uint64    `json:"evictions"`
	LastAccessedAt    time.Time `json:"lastAccessedAt"`
}

// Stats returns the current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ID:                p.id,
		Kind:              p.kind,
		Priority:          p.priority,
		CapacityBytes:     p.capacity,
		BaseCapacityBytes: p.baseCapacity,
		UsedBytes:         p.used,
		Items:             len(p.items),
		Evictions:         p.evictions,
		LastAccessedAt:    p.lastAccessedAt,
	}
}

// Used returns the used bytes.
func (p *Pool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Capacity returns the current capacity.
func (p *Pool) Capacity() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Fits reports whether an item of size bytes could be admitted once every
// item of the pool is gone. Both the pool capacity and the memory the other
// pools hold against the process limit count.
func (p *Pool) Fits(size int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size > p.capacity {
		return false
	}
	if limit := p.res.MemoryLimit(); limit > 0 {
		return size <= limit-(p.res.MemoryUsage()-p.used)
	}
	return true
}
