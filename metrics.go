package memgov

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems.
// The telemetry package provides an OpenTelemetry implementation.
//
// All methods are called synchronously from the governor and must not block.
type MetricsCollector interface {
	// RecordTick is called after each control-loop tick.
	// pressure is the reading at the start of the tick, severity the response
	// that ran ("" when none), duration the tick's wall time.
	RecordTick(pressure float64, severity string, duration time.Duration)

	// RecordEviction is called for every eviction pass that removed items.
	RecordEviction(poolID string, items int, bytes int64)

	// RecordClustering is called after each clustering call.
	// fallback reports that a parallel run degraded to inline.
	RecordClustering(items, clusters int, parallel, fallback bool, duration time.Duration, err error)

	// RecordLODChange is called on every level-of-detail transition.
	RecordLODChange(from, to string, forced bool)

	// RecordPrediction is called after each usage prediction.
	RecordPrediction(confidence float64, underTrained bool)

	// RecordPlacement is called after each tier write or read.
	// layer is empty when no layer served the request.
	RecordPlacement(layer string, bytes int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordTick(float64, string, time.Duration)                   {}
func (NoopMetricsCollector) RecordEviction(string, int, int64)                           {}
func (NoopMetricsCollector) RecordClustering(int, int, bool, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordLODChange(string, string, bool)                        {}
func (NoopMetricsCollector) RecordPrediction(float64, bool)                              {}
func (NoopMetricsCollector) RecordPlacement(string, int, time.Duration, error)           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	TickCount          atomic.Int64
	TickTotalNanos     atomic.Int64
	PressureResponses  atomic.Int64
	LastPressureMilli  atomic.Int64
	EvictionCount      atomic.Int64
	EvictedItems       atomic.Int64
	EvictedBytes       atomic.Int64
	ClusteringCount    atomic.Int64
	ClusteringErrors   atomic.Int64
	ClusteringParallel atomic.Int64
	ClusteringFallback atomic.Int64
	ClustersProduced   atomic.Int64
	LODChanges         atomic.Int64
	LODForced          atomic.Int64
	PredictionCount    atomic.Int64
	PredictionLowConf  atomic.Int64
	PlacementCount     atomic.Int64
	PlacementErrors    atomic.Int64
	PlacementBytes     atomic.Int64
	PlacementNanos     atomic.Int64
}

// RecordTick implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTick(pressure float64, severity string, duration time.Duration) {
	b.TickCount.Add(1)
	b.TickTotalNanos.Add(duration.Nanoseconds())
	b.LastPressureMilli.Store(int64(pressure * 1000))
	if severity != "" {
		b.PressureResponses.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(_ string, items int, bytes int64) {
	b.EvictionCount.Add(1)
	b.EvictedItems.Add(int64(items))
	b.EvictedBytes.Add(bytes)
}

// RecordClustering implements MetricsCollector.
func (b *BasicMetricsCollector) RecordClustering(_, clusters int, parallel, fallback bool, _ time.Duration, err error) {
	b.ClusteringCount.Add(1)
	if err != nil {
		b.ClusteringErrors.Add(1)
		return
	}
	b.ClustersProduced.Add(int64(clusters))
	if parallel {
		b.ClusteringParallel.Add(1)
	}
	if fallback {
		b.ClusteringFallback.Add(1)
	}
}

// RecordLODChange implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLODChange(_, _ string, forced bool) {
	b.LODChanges.Add(1)
	if forced {
		b.LODForced.Add(1)
	}
}

// RecordPrediction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPrediction(_ float64, underTrained bool) {
	b.PredictionCount.Add(1)
	if underTrained {
		b.PredictionLowConf.Add(1)
	}
}

// RecordPlacement implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPlacement(_ string, bytes int, duration time.Duration, err error) {
	b.PlacementCount.Add(1)
	b.PlacementNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PlacementErrors.Add(1)
		return
	}
	b.PlacementBytes.Add(int64(bytes))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		TickCount:          b.TickCount.Load(),
		TickAvgNanos:       avg(b.TickTotalNanos.Load(), b.TickCount.Load()),
		PressureResponses:  b.PressureResponses.Load(),
		LastPressure:       float64(b.LastPressureMilli.Load()) / 1000,
		EvictionCount:      b.EvictionCount.Load(),
		EvictedItems:       b.EvictedItems.Load(),
		EvictedBytes:       b.EvictedBytes.Load(),
		ClusteringCount:    b.ClusteringCount.Load(),
		ClusteringErrors:   b.ClusteringErrors.Load(),
		ClusteringParallel: b.ClusteringParallel.Load(),
		ClusteringFallback: b.ClusteringFallback.Load(),
		ClustersProduced:   b.ClustersProduced.Load(),
		LODChanges:         b.LODChanges.Load(),
		LODForced:          b.LODForced.Load(),
		PredictionCount:    b.PredictionCount.Load(),
		PredictionLowConf:  b.PredictionLowConf.Load(),
		PlacementCount:     b.PlacementCount.Load(),
		PlacementErrors:    b.PlacementErrors.Load(),
		PlacementBytes:     b.PlacementBytes.Load(),
		PlacementAvgNanos:  avg(b.PlacementNanos.Load(), b.PlacementCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	TickCount          int64   `json:"tickCount"`
	TickAvgNanos       int64   `json:"tickAvgNanos"`
	PressureResponses  int64   `json:"pressureResponses"`
	LastPressure       float64 `json:"lastPressure"`
	EvictionCount      int64   `json:"evictionCount"`
	EvictedItems       int64   `json:"evictedItems"`
	EvictedBytes       int64   `json:"evictedBytes"`
	ClusteringCount    int64   `json:"clusteringCount"`
	ClusteringErrors   int64   `json:"clusteringErrors"`
	ClusteringParallel int64   `json:"clusteringParallel"`
	ClusteringFallback int64   `json:"clusteringFallback"`
	ClustersProduced   int64   `json:"clustersProduced"`
	LODChanges         int64   `json:"lodChanges"`
	LODForced          int64   `json:"lodForced"`
	PredictionCount    int64   `json:"predictionCount"`
	PredictionLowConf  int64   `json:"predictionLowConfidence"`
	PlacementCount     int64   `json:"placementCount"`
	PlacementErrors    int64   `json:"placementErrors"`
	PlacementBytes     int64   `json:"placementBytes"`
	PlacementAvgNanos  int64   `json:"placementAvgNanos"`
}
