// Package memgov provides an adaptive memory and cache governor for AI workloads.
//
// A Governor accounts every allocation against named memory pools, measures
// memory pressure against a level-of-detail (LOD) budget and reacts: it
// shrinks pool capacities, evicts low-priority entries, reorganizes its
// self-organizing-map (SOM) cache and forecasts usage with a small neural
// predictor. Values that leave memory can be placed on ranked cache layers
// (in-process, Redis, DynamoDB, chromem vector store, SQLite, S3, MinIO).
//
// # Quick Start
//
//	gov, _ := memgov.New(memgov.WithMaxMemoryMB(512))
//	defer gov.Close()
//
//	_ = gov.Start(ctx) // background control loop
//
//	h, _ := gov.Store(ctx, "embedding", "doc-1", memgov.Item{Vector: vec})
//	item, _ := gov.Get(h.PoolID, h.Key)
//
// # Pools
//
// Pools are created from the configuration (or DefaultPools) and with
// RegisterPool. Each pool has a base capacity, scaled by the active LOD
// profile, and a priority: lower priorities are evicted first under pressure.
// Allocate fails with ErrPoolFull when a pool is full; Store evicts the
// least valuable entries of that pool and retries once. An item too large
// for the pool fails without evicting anything.
//
// # Levels of Detail
//
// Four levels (ultra, high, medium, low) trade quality for memory. With
// lod_level "auto" the level follows measured pressure; a pinned level only
// yields to the emergency response, which forces low.
//
// # Control Loop
//
// Every pressure_check_interval the loop samples pressure, records it for the
// predictor, runs the graduated pressure response (standard, aggressive,
// emergency) and evaluates LOD transitions. Reclustering and predictor
// training run on their own intervals. Tick runs one iteration on demand.
//
// # Clustering
//
// Cluster and ClusterPool group embeddings with k-means. Large inputs are
// dispatched to a bounded worker pool; worker failure or timeout falls back
// to the inline path and publishes an EventWorkerFallback. AssignCluster and
// NearestClusters place a new embedding against a pool's stored clusters.
//
// # Events and Metrics
//
// Subscribe delivers evictions, LOD changes, pressure responses and layer
// outages. A MetricsCollector receives per-operation measurements; the
// telemetry package exports them through OpenTelemetry.
//
// # Configuration
//
//	cfg, err := memgov.LoadConfig("memgov.yaml")
//	gov, err := memgov.New(memgov.WithConfig(cfg))
//
// The memgov command (cmd/memgov) runs the governor from a YAML file, prints
// the effective configuration and drives synthetic workloads.
package memgov
