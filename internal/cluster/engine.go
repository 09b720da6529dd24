// Package cluster runs k-means over embeddings, inline or on parallel workers.
//
// Parallel dispatch is an accelerator only: a timeout, error or panic in the
// parallel path is logged and the same input is clustered inline exactly once.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memgov/internal/accel"
	"github.com/hupe1980/memgov/internal/kmeans"
	"github.com/hupe1980/memgov/internal/resource"
)

const (
	DefaultParallelThreshold = 1000
	DefaultWorkerTimeout     = 5 * time.Minute
)

// Report describes how a clustering call was executed.
type Report struct {
	Parallel    bool          `json:"parallel"`
	Fallback    bool          `json:"fallback"`
	FallbackErr string        `json:"fallbackError,omitempty"`
	Workers     int           `json:"workers"`
	Iterations  int           `json:"iterations"`
	Converged   bool          `json:"converged"`
	Accelerator string        `json:"accelerator"`
	Duration    time.Duration `json:"duration"`
}

// Config configures an Engine.
type Config struct {
	// Parallel enables worker dispatch for large inputs.
	Parallel bool
	// ParallelThreshold is the minimum input size dispatched to workers.
	ParallelThreshold int
	// MaxWorkers bounds the worker count; it is further capped by NumCPU.
	MaxWorkers int
	// WorkerTimeout is the hard deadline of a parallel run.
	WorkerTimeout time.Duration
	// MaxIterations bounds k-means iterations.
	MaxIterations int
	// Seed makes runs reproducible.
	Seed int64

	Resources   *resource.Controller
	Accelerator accel.Accelerator
	Logger      *slog.Logger
	// OnFallback is called after a parallel run failed and before the inline rerun.
	OnFallback func(err error)
}

type runFunc func(ctx context.Context, vectors []float32, dim, k int, opts kmeans.Options) (*kmeans.Result, error)

// Engine clusters embeddings.
type Engine struct {
	cfg     Config
	allowed atomic.Bool
	seq     atomic.Int64

	// parallel is swapped in tests to simulate worker failures.
	parallel runFunc
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.ParallelThreshold <= 0 {
		cfg.ParallelThreshold = DefaultParallelThreshold
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultWorkerTimeout
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = kmeans.DefaultMaxIterations
	}
	if cfg.Accelerator == nil {
		cfg.Accelerator = accel.Software{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{cfg: cfg, parallel: kmeans.Train}
	e.allowed.Store(true)
	return e
}

// SetParallelAllowed toggles worker dispatch at runtime (level-of-detail feature flag).
func (e *Engine) SetParallelAllowed(ok bool) { e.allowed.Store(ok) }

// Validate checks clustering input and returns the embedding dimension.
func Validate(items []Item, k int) (int, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("%w: no items", ErrInvalidInput)
	}
	if k <= 0 {
		return 0, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidInput, k)
	}
	dim := len(items[0].Embedding)
	if dim == 0 {
		return 0, fmt.Errorf("%w: item 0 has an empty embedding", ErrInvalidInput)
	}
	for i, it := range items {
		if len(it.Embedding) != dim {
			return 0, &DimensionMismatchError{Index: i, Expected: dim, Actual: len(it.Embedding)}
		}
		for j, v := range it.Embedding {
			if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
				return 0, fmt.Errorf("%w: item %d has a non-finite component at %d", ErrInvalidInput, i, j)
			}
		}
	}
	return dim, nil
}

// Cluster groups items into at most k clusters. k is clamped to len(items).
// Only invalid input is returned as an error; worker problems degrade to inline.
func (e *Engine) Cluster(ctx context.Context, items []Item, k int) ([]Metrics, Report, error) {
	start := time.Now()
	report := Report{Accelerator: e.cfg.Accelerator.Name()}

	dim, err := Validate(items, k)
	if err != nil {
		return nil, report, err
	}
	k = min(k, len(items))

	vectors := make([]float32, 0, len(items)*dim)
	for _, it := range items {
		vectors = append(vectors, it.Embedding...)
	}

	opts := kmeans.Options{
		MaxIter:  e.cfg.MaxIterations,
		Seed:     e.cfg.Seed + e.seq.Add(1) - 1,
		Distance: e.cfg.Accelerator.SquaredL2,
	}

	var res *kmeans.Result
	if e.useParallel(len(items)) {
		res, report, err = e.runParallel(ctx, vectors, dim, k, opts, report)
		if err != nil {
			report.Fallback = true
			report.FallbackErr = err.Error()
			e.cfg.Logger.Warn("cluster: parallel run failed, falling back to inline",
				"items", len(items), "k", k, "workers", report.Workers, "error", err)
			if e.cfg.OnFallback != nil {
				e.cfg.OnFallback(err)
			}
			res = nil
		}
	}

	if res == nil {
		opts.Workers = 1
		res, err = kmeans.Train(ctx, vectors, dim, k, opts)
		if err != nil {
			return nil, report, fmt.Errorf("cluster: %w", err)
		}
	}

	report.Iterations = res.Iterations
	report.Converged = res.Converged
	metrics := buildMetrics(items, dim, k, res.Assignments, time.Now())
	report.Duration = time.Since(start)

	e.cfg.Logger.Debug("cluster: done",
		"items", len(items), "clusters", len(metrics), "parallel", report.Parallel,
		"fallback", report.Fallback, "iterations", report.Iterations, "duration", report.Duration)
	return metrics, report, nil
}

func (e *Engine) useParallel(n int) bool {
	return e.cfg.Parallel && e.allowed.Load() && n >= e.cfg.ParallelThreshold
}

// runParallel runs k-means on worker slots with a hard deadline. A worker that
// misses the deadline is abandoned; it stops at its next cancellation check.
func (e *Engine) runParallel(ctx context.Context, vectors []float32, dim, k int, opts kmeans.Options, report Report) (*kmeans.Result, Report, error) {
	want := min(e.cfg.MaxWorkers, runtime.NumCPU())
	workers := want
	if e.cfg.Resources != nil {
		workers = e.cfg.Resources.TryAcquireWorkers(want)
		defer e.cfg.Resources.ReleaseWorkers(workers)
	}
	if workers < 2 {
		return nil, report, nil
	}

	report.Parallel = true
	report.Workers = workers
	opts.Workers = workers

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.WorkerTimeout)
	defer cancel()

	type outcome struct {
		res *kmeans.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrWorkerFailure, r)}
			}
		}()
		res, err := e.parallel(runCtx, vectors, dim, k, opts)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.err != nil && errors.Is(out.err, context.DeadlineExceeded):
			return nil, report, fmt.Errorf("%w: %w", ErrWorkerTimeout, out.err)
		case out.err != nil && !errors.Is(out.err, ErrWorkerFailure):
			return nil, report, fmt.Errorf("%w: %w", ErrWorkerFailure, out.err)
		case out.err != nil:
			return nil, report, out.err
		case out.res == nil || len(out.res.Assignments) != len(vectors)/dim:
			return nil, report, fmt.Errorf("%w: incomplete result", ErrWorkerFailure)
		}
		return out.res, report, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, report, ctx.Err()
		}
		return nil, report, fmt.Errorf("%w after %s", ErrWorkerTimeout, e.cfg.WorkerTimeout)
	}
}
