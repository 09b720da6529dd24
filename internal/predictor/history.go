package predictor

import (
	"sync"
	"time"
)

// Sample is one observation recorded by the control loop.
type Sample struct {
	TimestampMs     int64   `json:"timestampMs"`
	MemoryUsedBytes int64   `json:"memoryUsedBytes"`
	OperationCount  int64   `json:"operationCount"`
	CacheHitRate    float64 `json:"cacheHitRate"`
	ClusterCount    int     `json:"clusterCount"`
}

// History is a bounded FIFO ring of samples.
type History struct {
	mu     sync.RWMutex
	buf    []Sample
	start  int
	size   int
	maxAge time.Duration
}

// NewHistory creates a ring holding at most capacity samples. Samples older
// than maxAge are dropped by Prune; zero disables age pruning.
func NewHistory(capacity int, maxAge time.Duration) *History {
	return &History{buf: make([]Sample, max(1, capacity)), maxAge: maxAge}
}

// Add appends s, overwriting the oldest sample when full.
func (h *History) Add(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained samples.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the ring capacity.
func (h *History) Cap() int { return len(h.buf) }

// Samples returns the retained samples, oldest first.
func (h *History) Samples() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Sample, h.size)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Prune drops samples older than maxAge relative to now and returns how many
// were removed.
func (h *History) Prune(now time.Time) int {
	if h.maxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-h.maxAge).UnixMilli()

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for h.size > 0 && h.buf[h.start].TimestampMs < cutoff {
		h.buf[h.start] = Sample{}
		h.start = (h.start + 1) % len(h.buf)
		h.size--
		removed++
	}
	return removed
}
