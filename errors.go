package memgov

import (
	"errors"
	"fmt"

	"github.com/hupe1980/memgov/internal/cluster"
	"github.com/hupe1980/memgov/internal/orchestrator"
	"github.com/hupe1980/memgov/internal/pool"
	"github.com/hupe1980/memgov/internal/predictor"
	"github.com/hupe1980/memgov/tier"
)

var (
	// ErrPoolFull is returned when an allocation does not fit its pool or the
	// process budget. Callers evict and retry; Store does this once.
	ErrPoolFull = pool.ErrPoolFull

	// ErrPoolNotFound is returned for unknown pool ids.
	ErrPoolNotFound = pool.ErrPoolNotFound

	// ErrPoolExists is returned when registering a duplicate pool id.
	ErrPoolExists = pool.ErrPoolExists

	// ErrInvalidCapacity is returned for negative capacities or item sizes.
	ErrInvalidCapacity = pool.ErrInvalidCapacity

	// ErrInvalidClusterInput is returned for empty input, zero-dimension or
	// mismatched embeddings and non-positive k.
	ErrInvalidClusterInput = cluster.ErrInvalidInput

	// ErrNoClusters is returned by AssignCluster and NearestClusters for a
	// pool without clusters.
	ErrNoClusters = cluster.ErrNoClusters

	// ErrWorkerTimeout and ErrWorkerFailure are never returned to callers.
	// They appear in worker fallback events after a parallel run degraded.
	ErrWorkerTimeout = cluster.ErrWorkerTimeout
	ErrWorkerFailure = cluster.ErrWorkerFailure

	// ErrPredictorUnderTrained is returned by Retrain when fewer than five
	// samples exist. PredictMemoryUsage reports low confidence instead.
	ErrPredictorUnderTrained = predictor.ErrUnderTrained

	// ErrStorageUnavailable marks a cache layer that failed its health check.
	ErrStorageUnavailable = tier.ErrStorageUnavailable

	// ErrNotFound is returned by Get and Fetch for unknown keys.
	ErrNotFound = tier.ErrNotFound

	// ErrTickInProgress is returned by Tick while another tick runs.
	ErrTickInProgress = orchestrator.ErrTickInProgress

	// ErrClosed is returned by operations on a closed governor.
	ErrClosed = errors.New("governor closed")

	// ErrNoCache is returned by the cache operations when the cache pool is not registered.
	ErrNoCache = errors.New("cache pool not registered")
)

// DimensionMismatchError reports an embedding whose dimension differs from
// the first one. It matches ErrInvalidClusterInput with errors.Is.
type DimensionMismatchError = cluster.DimensionMismatchError

// ConfigError reports an invalid configuration field.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ConfigError struct {
	Field string
	Value any
	cause error
}

func (e *ConfigError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("invalid config %s=%v: %v", e.Field, e.Value, e.cause)
	}
	return fmt.Sprintf("invalid config %s=%v", e.Field, e.Value)
}

func (e *ConfigError) Unwrap() error { return e.cause }
