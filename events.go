package memgov

import "github.com/hupe1980/memgov/internal/events"

// EventType is a bit in a subscription mask.
type EventType = events.Type

// Event is a notification published by the governor.
type Event = events.Event

// Subscription receives events on C until it is cancelled or the governor closes.
type Subscription = events.Subscription

const (
	EventEviction         = events.Eviction
	EventLODChange        = events.LODChange
	EventPressureResponse = events.PressureResponse
	EventCompression      = events.Compression
	EventWorkerFallback   = events.WorkerFallback
	EventTick             = events.Tick
	EventLayerUnavailable = events.LayerUnavailable

	// EventsNormal selects everything except compression and tick events.
	EventsNormal = events.Normal
	// EventsAll selects every event type.
	EventsAll = events.All
)
