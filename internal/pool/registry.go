package pool

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/memgov/internal/resource"
)

// Registry owns all pools of a governor.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	ratio float64

	hookMu sync.RWMutex
	hooks  []EvictFunc

	res    *resource.Controller
	logger *slog.Logger
	now    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResourceController charges allocations against a process-wide budget.
func WithResourceController(rc *resource.Controller) RegistryOption {
	return func(r *Registry) { r.res = rc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry at scale ratio 1.
func NewRegistry(optFns ...RegistryOption) *Registry {
	r := &Registry{
		pools:  make(map[string]*Pool),
		ratio:  1,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, fn := range optFns {
		fn(r)
	}
	return r
}

// Register creates a pool. capacityBytes is the full-detail capacity; the
// effective capacity is scaled by the registry's current ratio.
func (r *Registry) Register(id string, kind Kind, capacityBytes int64, priority int) (*Pool, error) {
	if capacityBytes < 0 {
		return nil, fmt.Errorf("%w: pool %q capacity %d", ErrInvalidCapacity, id, capacityBytes)
	}
	if id == "" {
		return nil, fmt.Errorf("pool id must not be empty")
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolExists, id)
	}

	p := &Pool{
		id:           id,
		kind:         kind,
		priority:     priority,
		baseCapacity: capacityBytes,
		capacity:     int64(math.Round(float64(capacityBytes) * r.ratio)),
		items:        make(map[string]*entry),
		res:          r.res,
		logger:       r.logger,
		hooks:        r.evictHooks,
		now:          r.now,
	}
	r.pools[id] = p

	r.logger.Debug("pool: registered", "pool", id, "kind", kind, "capacity", p.capacity)
	return p, nil
}

// Get returns the pool with the given id.
func (r *Registry) Get(id string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, id)
	}
	return p, nil
}

// Pools returns all pools sorted by id.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Pool) int { return cmp.Compare(a.id, b.id) })
	return out
}

// ByPriority returns all pools, least important first.
func (r *Registry) ByPriority() []*Pool {
	out := r.Pools()
	slices.SortStableFunc(out, func(a, b *Pool) int { return cmp.Compare(a.priority, b.priority) })
	return out
}

// OnEvict registers an eviction observer for all pools.
func (r *Registry) OnEvict(fn EvictFunc) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *Registry) evictHooks() []EvictFunc {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return slices.Clone(r.hooks)
}

// Scale rewrites every pool's capacity to baseCapacity × ratio. Pools
// registered later start at the same ratio.
func (r *Registry) Scale(ratio float64) {
	r.mu.Lock()
	r.ratio = ratio
	r.mu.Unlock()

	for _, p := range r.Pools() {
		p.Scale(ratio)
	}
}

// Used returns the bytes used across all pools.
func (r *Registry) Used() int64 {
	var total int64
	for _, p := range r.Pools() {
		total += p.Used()
	}
	return total
}

// Capacity returns the summed effective capacity of all pools.
func (r *Registry) Capacity() int64 {
	var total int64
	for _, p := range r.Pools() {
		total += p.Capacity()
	}
	return total
}

// Snapshot returns per-pool statistics sorted by id.
func (r *Registry) Snapshot() []Stats {
	pools := r.Pools()
	out := make([]Stats, len(pools))
	for i, p := range pools {
		out[i] = p.Stats()
	}
	return out
}
