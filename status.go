package memgov

import (
	"time"

	"github.com/hupe1980/memgov/internal/cluster"
	"github.com/hupe1980/memgov/internal/lod"
	"github.com/hupe1980/memgov/internal/orchestrator"
	"github.com/hupe1980/memgov/internal/pool"
	"github.com/hupe1980/memgov/internal/predictor"
	"github.com/hupe1980/memgov/internal/som"
	"github.com/hupe1980/memgov/tier"
)

type (
	// Item is a value held in a pool.
	Item = pool.Item
	// Handle identifies an allocation.
	Handle = pool.Handle
	// Eviction describes one eviction pass.
	Eviction = pool.Eviction
	// PoolStats is a point-in-time view of a pool.
	PoolStats = pool.Stats

	// ClusterItem is an embedding to cluster.
	ClusterItem = cluster.Item
	// ClusterMetrics describes one cluster of a clustering pass.
	ClusterMetrics = cluster.Metrics
	// ClusterReport describes how a clustering call was executed.
	ClusterReport = cluster.Report

	// Prediction is a memory usage forecast.
	Prediction = predictor.Prediction
	// Optimization is an action suggested by a prediction.
	Optimization = predictor.Optimization

	// LayerInfo is a ranked view of a cache layer.
	LayerInfo = tier.Info
	// CacheStats is a point-in-time view of the SOM cache.
	CacheStats = som.Stats
	// CacheEntry is the metadata the SOM cache keeps per key.
	CacheEntry = som.Entry

	// LODProfile is the configuration of a level of detail.
	LODProfile = lod.Profile
	// TickReport summarizes one control-loop tick.
	TickReport = orchestrator.Report
)

// CacheOptions tune a single CacheSet.
type CacheOptions struct {
	// TTL expires the entry. Zero keeps it until evicted.
	TTL time.Duration
	// Relevance is the AI-relevance weight in [0,1]. Zero means 0.5.
	Relevance float64
}

// Capabilities reports optional subsystems. A false or non-empty field marks
// a degraded subsystem; the governor keeps running on its fallback.
type Capabilities struct {
	// Acceleration is false when distance kernels run on the portable path.
	Acceleration bool   `json:"acceleration"`
	Accelerator  string `json:"accelerator"`
	// PredictorTrained is false until the first successful training run.
	PredictorTrained bool `json:"predictorTrained"`
	// ParallelClustering is false when worker dispatch is disabled by
	// configuration or the active level.
	ParallelClustering bool `json:"parallelClustering"`
	// SOMCache is false without a cache pool.
	SOMCache bool `json:"somCache"`
	// UnavailableLayers lists cache layers that failed their health check.
	UnavailableLayers []string `json:"unavailableLayers,omitempty"`
}

// Degraded reports whether any subsystem runs on its fallback.
func (c Capabilities) Degraded() bool {
	return !c.Acceleration || !c.PredictorTrained || !c.ParallelClustering || !c.SOMCache ||
		len(c.UnavailableLayers) > 0
}

// PredictorStatus summarizes the usage predictor.
type PredictorStatus struct {
	Samples  int     `json:"samples"`
	Trained  bool    `json:"trained"`
	LastLoss float64 `json:"lastLoss,omitempty"`
}

// Status is a read-only snapshot for dashboards.
type Status struct {
	Time         time.Time        `json:"time"`
	CurrentLOD   lod.Level        `json:"currentLod"`
	Pinned       bool             `json:"pinned"`
	Profile      LODProfile       `json:"profile"`
	Pressure     float64          `json:"pressure"`
	UsedBytes    int64            `json:"usedBytes"`
	BudgetBytes  int64            `json:"budgetBytes"`
	Pools        []PoolStats      `json:"pools"`
	Clusters     []ClusterMetrics `json:"clusters"`
	CacheLayers  []LayerInfo      `json:"cacheLayers"`
	Cache        *CacheStats      `json:"cache,omitempty"`
	Predictor    PredictorStatus  `json:"predictor"`
	Capabilities Capabilities     `json:"capabilities"`
	Degraded     bool             `json:"degraded"`
}
