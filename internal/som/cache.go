package som

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/memgov/internal/pool"
	"github.com/hupe1980/memgov/internal/queue"
)

const accessHistory = 16

// Entry is the metadata of a cached value.
type Entry struct {
	Key           string        `json:"key"`
	SizeBytes     int64         `json:"sizeBytes"`
	CreatedAt     time.Time     `json:"createdAt"`
	TTL           time.Duration `json:"ttl"`
	AccessCount   uint64        `json:"accessCount"`
	SOMClusterID  int           `json:"somClusterId"`
	Confidence    float64       `json:"confidence"`
	PriorityScore float64       `json:"priorityScore"`
	AccessPattern Pattern       `json:"accessPattern"`
	Relevance     float64       `json:"relevance"`

	id         uint32
	lastAccess time.Time
	accesses   []int64
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

func (e *Entry) touch(now time.Time) {
	e.AccessCount++
	e.lastAccess = now
	e.accesses = append(e.accesses, now.UnixMilli())
	if len(e.accesses) > accessHistory {
		e.accesses = e.accesses[len(e.accesses)-accessHistory:]
	}
	e.AccessPattern = ClassifyPattern(e.accesses)
}

// SetOptions tune a single Set.
type SetOptions struct {
	TTL time.Duration
	// Relevance is the AI-relevance weight in [0,1]. Zero uses DefaultRelevance.
	Relevance float64
}

// DefaultRelevance is used when no relevance is supplied.
const DefaultRelevance = 0.5

// Config configures a Cache.
type Config struct {
	Map MapConfig
	// Pool holds the values and bounds the cache size.
	Pool *pool.Pool
	// RecentKeys bounds the key-similarity tracker.
	RecentKeys int
	Logger     *slog.Logger
	Now        func() time.Time
	// OnEvict observes evictions made by the cache itself.
	OnEvict func(keys []string, bytes int64)
}

// Stats is a point-in-time view of a cache.
type Stats struct {
	Entries   int     `json:"entries"`
	UsedBytes int64   `json:"usedBytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Evictions uint64  `json:"evictions"`
	Clusters  int     `json:"clusters"`
	SOMSteps  int64   `json:"somSteps"`
}

// Cache stores values in a pool and orders eviction by SOM-derived priority.
type Cache struct {
	mu       sync.Mutex
	som      *Map
	pool     *pool.Pool
	recent   *RecentKeys
	entries  map[string]*Entry
	byID     map[uint32]string
	members  map[int]*roaring.Bitmap
	nextID   uint32
	training atomic.Bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	logger  *slog.Logger
	now     func() time.Time
	onEvict func([]string, int64)
}

// NewCache creates a cache on top of cfg.Pool.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Pool == nil {
		return nil, errors.New("som: cache requires a backing pool")
	}
	if cfg.RecentKeys <= 0 {
		cfg.RecentKeys = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Map.Dim = NumFeatures

	c := &Cache{
		som:     NewMap(cfg.Map),
		pool:    cfg.Pool,
		recent:  NewRecentKeys(cfg.RecentKeys),
		entries: make(map[string]*Entry),
		byID:    make(map[uint32]string),
		members: make(map[int]*roaring.Bitmap),
		logger:  cfg.Logger,
		now:     cfg.Now,
		onEvict: cfg.OnEvict,
	}
	c.training.Store(true)
	return c, nil
}

// SetTraining toggles online SOM training on writes. Disabled, entries are
// classified against the current map only.
func (c *Cache) SetTraining(ok bool) { c.training.Store(ok) }

// Map returns the underlying self-organizing map.
func (c *Cache) Map() *Map { return c.som }

// score recomputes features, cluster and priority of e. Caller holds c.mu.
func (c *Cache) score(e *Entry, value []byte, now time.Time, train bool) error {
	features := Extract(Input{
		Key:        e.Key,
		Value:      value,
		Size:       e.SizeBytes,
		LastAccess: e.lastAccess,
		Pattern:    e.AccessPattern,
		Relevance:  e.Relevance,
	}, now, c.recent)

	var res Result
	var err error
	if train {
		res, err = c.som.Train(features)
	} else {
		res, err = c.som.Classify(features)
	}
	if err != nil {
		return err
	}

	if old, ok := c.members[e.SOMClusterID]; ok && e.SOMClusterID != res.ClusterID {
		old.Remove(e.id)
		if old.IsEmpty() {
			delete(c.members, e.SOMClusterID)
		}
	}
	bm, ok := c.members[res.ClusterID]
	if !ok {
		bm = roaring.New()
		c.members[res.ClusterID] = bm
	}
	bm.Add(e.id)

	e.SOMClusterID = res.ClusterID
	e.Confidence = res.Confidence
	e.PriorityScore = PriorityScore(e.AccessPattern, e.Relevance, res.Confidence)
	return nil
}

// Set stores value under key. When the backing pool is full, entries are
// evicted in ascending priority order and the write is retried once. A value
// that could not fit even in an empty pool evicts nothing.
func (c *Cache) Set(key string, value []byte, opts SetOptions) error {
	now := c.now()
	relevance := opts.Relevance
	if relevance <= 0 {
		relevance = DefaultRelevance
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		e = &Entry{Key: key, CreatedAt: now, SOMClusterID: -1, id: c.nextID}
		c.nextID++
	}
	oldSize := e.SizeBytes
	e.TTL = opts.TTL
	e.Relevance = relevance
	e.SizeBytes = int64(len(value))
	e.touch(now)

	if err := c.score(e, value, now, c.training.Load()); err != nil {
		return err
	}

	item := pool.Item{Payload: value, Priority: e.PriorityScore}
	_, err := c.pool.Allocate(key, item)
	if errors.Is(err, pool.ErrPoolFull) && c.pool.Fits(e.SizeBytes) {
		need := (e.SizeBytes - oldSize) - (c.pool.Capacity() - c.pool.Used())
		c.evictLocked(max(need, 1), key)
		_, err = c.pool.Allocate(key, item)
	}
	if err != nil {
		if exists {
			e.SizeBytes = oldSize
		} else {
			c.unlink(e)
		}
		return fmt.Errorf("som: set %q: %w", key, err)
	}

	c.entries[key] = e
	c.byID[e.id] = key
	c.recent.Add(key)
	return nil
}

// Get returns the value of key and refreshes its priority.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && e.expired(now) {
		c.removeLocked(e)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	item, found := c.pool.Get(key)
	if !found {
		c.unlink(e)
		c.misses.Add(1)
		return nil, false
	}

	e.touch(now)
	if err := c.score(e, item.Payload, now, false); err == nil {
		c.pool.SetPriority(key, e.PriorityScore)
	}
	c.recent.Add(key)
	c.hits.Add(1)
	return item.Payload, true
}

// Entry returns a copy of the metadata of key.
func (c *Cache) Entry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Delete removes key.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(e)
	}
	return ok
}

func (c *Cache) removeLocked(e *Entry) {
	c.pool.Release(e.Key)
	c.unlink(e)
}

// unlink drops cache metadata only.
func (c *Cache) unlink(e *Entry) {
	if bm, ok := c.members[e.SOMClusterID]; ok {
		bm.Remove(e.id)
		if bm.IsEmpty() {
			delete(c.members, e.SOMClusterID)
		}
	}
	delete(c.entries, e.Key)
	delete(c.byID, e.id)
}

// Forget drops metadata of keys the backing pool already evicted.
func (c *Cache) Forget(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if e, ok := c.entries[k]; ok {
			c.unlink(e)
		}
	}
}

// EvictBytes evicts entries in ascending priority order until at least n
// bytes are freed or the cache is empty. It returns the evicted keys.
func (c *Cache) EvictBytes(n int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(n, "")
}

func (c *Cache) evictLocked(n int64, keep string) []string {
	candidates := make([]*queue.Item, 0, len(c.entries))
	for key, e := range c.entries {
		if key == keep {
			continue
		}
		candidates = append(candidates, &queue.Item{
			Key:      key,
			Priority: e.PriorityScore,
			LastUsed: e.lastAccess.UnixNano(),
			Size:     e.SizeBytes,
		})
	}

	pq := queue.New(candidates)
	var keys []string
	var freed int64
	for freed < n {
		it := pq.PopMin()
		if it == nil {
			break
		}
		if size, ok := c.pool.Release(it.Key); ok {
			freed += size
		}
		c.unlink(c.entries[it.Key])
		keys = append(keys, it.Key)
	}

	if len(keys) == 0 {
		return nil
	}
	c.evictions.Add(uint64(len(keys)))
	c.logger.Info("som: evicted entries", "pool", c.pool.ID(), "entries", len(keys), "bytes", freed)
	if c.onEvict != nil {
		c.onEvict(keys, freed)
	}
	return keys
}

// PurgeExpired removes entries past their TTL and returns how many were removed.
func (c *Cache) PurgeExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			n++
		}
	}
	return n
}

// Reorganize purges expired entries and re-classifies all remaining ones
// against the current map, refreshing cluster membership and priorities.
func (c *Cache) Reorganize() int {
	c.PurgeExpired()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		item, ok := c.pool.Get(key)
		if !ok {
			c.unlink(e)
			continue
		}
		e.AccessPattern = ClassifyPattern(e.accesses)
		if err := c.score(e, item.Payload, now, false); err != nil {
			continue
		}
		c.pool.SetPriority(key, e.PriorityScore)
		n++
	}
	return n
}

// Members returns the keys assigned to a SOM node.
func (c *Cache) Members(clusterID int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	bm, ok := c.members[clusterID]
	if !ok {
		return nil
	}
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		if key, ok := c.byID[it.Next()]; ok {
			out = append(out, key)
		}
	}
	return out
}

// HitRate returns hits / (hits + misses), or 0 without lookups.
func (c *Cache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, clusters := len(c.entries), len(c.members)
	c.mu.Unlock()

	return Stats{
		Entries:   entries,
		UsedBytes: c.pool.Used(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		HitRate:   c.HitRate(),
		Evictions: c.evictions.Load(),
		Clusters:  clusters,
		SOMSteps:  c.som.Steps(),
	}
}
