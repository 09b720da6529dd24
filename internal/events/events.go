// Package events publishes governor notifications to subscribers.
//
// Subscribers receive events on a buffered channel filtered by a type mask.
// Publishing never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event. Types are bit flags and can be combined into masks.
type Type int

const (
	// Eviction is sent when a pool or the cache evicted items.
	Eviction Type = 1 << iota
	// LODChange is sent on every level-of-detail transition.
	LODChange
	// PressureResponse is sent when a graduated pressure response ran.
	PressureResponse
	// Compression is sent when a compression pass saved memory.
	Compression
	// WorkerFallback is sent when parallel clustering degraded to inline.
	WorkerFallback
	// Tick is sent at the end of every control-loop tick with a metrics snapshot.
	Tick
	// LayerUnavailable is sent when a health check marks a cache layer down.
	LayerUnavailable

	// Normal masks the events most dashboards need.
	Normal = Eviction | LODChange | PressureResponse | WorkerFallback | LayerUnavailable
	// All masks every event.
	All = Normal | Compression | Tick
)

func (t Type) String() string {
	switch t {
	case Eviction:
		return "eviction"
	case LODChange:
		return "lodChange"
	case PressureResponse:
		return "pressureResponse"
	case Compression:
		return "compression"
	case WorkerFallback:
		return "workerFallback"
	case Tick:
		return "tick"
	case LayerUnavailable:
		return "layerUnavailable"
	default:
		var (
			s []string
			p uint
		)
		t &= All
		for t > 0 {
			if t%2 == 1 {
				s = append(s, Type(1<<p).String())
			}
			t >>= 1
			p++
		}
		return strings.Join(s, "|")
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is a notification.
type Event struct {
	Type   Type      `json:"type"`
	Time   time.Time `json:"time"`
	PoolID string    `json:"poolId,omitempty"`
	// Level is the level name for LODChange and PressureResponse events.
	Level string `json:"level,omitempty"`
	// Severity is standard, aggressive or emergency for PressureResponse events.
	Severity string   `json:"severity,omitempty"`
	Pressure float64  `json:"pressure,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	Bytes    int64    `json:"bytes,omitempty"`
	Message  string   `json:"message,omitempty"`
	// Data carries an optional payload such as a metrics snapshot.
	Data any `json:"data,omitempty"`
}

// Subscription receives events matching its mask.
type Subscription struct {
	ID      string
	C       <-chan Event
	mask    Type
	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns the number of events dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription), now: time.Now}
}

// Subscribe registers a subscriber for the event types in mask.
func (b *Bus) Subscribe(mask Type, buffer int) *Subscription {
	ch := make(chan Event, max(1, buffer))
	s := &Subscription{ID: uuid.NewString(), C: ch, mask: mask, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s.ID] = s
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(s.ch)
	}
	return ok
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.mask&e.Type == 0 {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close closes all subscriber channels. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
