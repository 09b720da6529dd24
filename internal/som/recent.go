package som

import (
	"container/list"
	"sync"
)

// RecentKeys is a bounded LRU of recently seen keys with their bigram sets.
type RecentKeys struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type recentEntry struct {
	key     string
	bigrams map[string]struct{}
}

// NewRecentKeys creates a tracker holding at most capacity keys.
func NewRecentKeys(capacity int) *RecentKeys {
	return &RecentKeys{
		capacity: max(1, capacity),
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Add marks key as most recently seen.
func (r *RecentKeys) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.items[key]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.items[key] = r.order.PushFront(&recentEntry{key: key, bigrams: bigrams(key)})

	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.items, oldest.Value.(*recentEntry).key)
	}
}

// Len returns the number of tracked keys.
func (r *RecentKeys) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Similarity returns the highest bigram Jaccard similarity between key and
// any other tracked key, in [0,1].
func (r *RecentKeys) Similarity(key string) float64 {
	target := bigrams(key)
	if len(target) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	best := 0.0
	for el := r.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*recentEntry)
		if e.key == key {
			continue
		}
		best = max(best, jaccard(target, e.bigrams))
		if best == 1 {
			break
		}
	}
	return best
}

func bigrams(s string) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for i := 0; i+2 <= len(s); i++ {
		out[s[i:i+2]] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for g := range a {
		if _, ok := b[g]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
