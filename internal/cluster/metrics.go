package cluster

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Item is an embedding to cluster.
type Item struct {
	ID        string
	Embedding []float32
	// SizeBytes is the memory attributed to the item. Zero means 4 bytes per dimension.
	SizeBytes int64
}

// Metrics describes one cluster of a clustering pass.
type Metrics struct {
	ID                   string    `json:"id"`
	Centroid             []float32 `json:"centroid"`
	MemberCount          int       `json:"memberCount"`
	Cohesion             float64   `json:"cohesion"`
	MemoryFootprintBytes int64     `json:"memoryFootprintBytes"`
	ComputedAtMs         int64     `json:"computedAtMs"`
	Members              []string  `json:"members,omitempty"`
}

// buildMetrics groups items by assignment. Centroids are recomputed as member
// means and empty clusters are dropped.
func buildMetrics(items []Item, dim, k int, assignments []int, now time.Time) []Metrics {
	sums := make([][]float64, k)
	members := make([][]int, k)
	for i, c := range assignments {
		if sums[c] == nil {
			sums[c] = make([]float64, dim)
		}
		for d, v := range items[i].Embedding {
			sums[c][d] += float64(v)
		}
		members[c] = append(members[c], i)
	}

	out := make([]Metrics, 0, k)
	for c := 0; c < k; c++ {
		if len(members[c]) == 0 {
			continue
		}
		n := float64(len(members[c]))
		centroid := make([]float32, dim)
		for d := range centroid {
			centroid[d] = float32(sums[c][d] / n)
		}

		var distSum float64
		var footprint int64
		ids := make([]string, 0, len(members[c]))
		for _, i := range members[c] {
			distSum += euclidean(items[i].Embedding, centroid)
			footprint += itemSize(items[i], dim)
			ids = append(ids, items[i].ID)
		}

		out = append(out, Metrics{
			ID:                   ulid.Make().String(),
			Centroid:             centroid,
			MemberCount:          len(members[c]),
			Cohesion:             Cohesion(distSum / n),
			MemoryFootprintBytes: footprint,
			ComputedAtMs:         now.UnixMilli(),
			Members:              ids,
		})
	}
	return out
}

// Cohesion maps a mean member distance to (0,1]; smaller distances score higher.
func Cohesion(meanDistance float64) float64 {
	if meanDistance < 0 || math.IsNaN(meanDistance) {
		return 0
	}
	return 1 / (1 + meanDistance)
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func itemSize(it Item, dim int) int64 {
	if it.SizeBytes > 0 {
		return it.SizeBytes
	}
	return int64(4 * dim)
}

// Store keeps the latest clustering pass per pool. A new pass replaces the
// previous set.
type Store struct {
	mu     sync.RWMutex
	byPool map[string][]Metrics
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byPool: make(map[string][]Metrics)}
}

// Replace sets the clusters of a pool.
func (s *Store) Replace(poolID string, metrics []Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPool[poolID] = slices.Clone(metrics)
}

// Get returns the clusters of a pool.
func (s *Store) Get(poolID string) []Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byPool[poolID])
}

// All returns every stored cluster, ordered by pool id.
func (s *Store) All() []Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byPool))
	for id := range s.byPool {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []Metrics
	for _, id := range ids {
		out = append(out, s.byPool[id]...)
	}
	return out
}

// Count returns the number of stored clusters.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byPool {
		n += len(m)
	}
	return n
}
