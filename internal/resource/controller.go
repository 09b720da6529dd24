package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when the process memory budget would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard process budget for managed memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxBackgroundWorkers is the maximum number of concurrent worker tasks.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum write throughput towards persistent tiers.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages global resources (memory, concurrency, IO).
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64
	budget  atomic.Int64 // active LOD budget, used for pressure

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
		c.budget.Store(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve memory against the hard budget.
// Returns ErrMemoryLimitExceeded if the budget would be exceeded.
// Non-blocking - callers control eviction/retry policy.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil {
		return nil
	}
	if bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil {
		return
	}
	if bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured hard limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// SetBudget sets the soft budget pressure is measured against.
// The budget follows the active level of detail and never exceeds the hard limit.
func (c *Controller) SetBudget(bytes int64) {
	if c == nil {
		return
	}
	if limit := c.cfg.MemoryLimitBytes; limit > 0 && bytes > limit {
		bytes = limit
	}
	c.budget.Store(bytes)
}

// Budget returns the soft budget in bytes.
func (c *Controller) Budget() int64 {
	if c == nil {
		return 0
	}
	return c.budget.Load()
}

// Pressure returns usage divided by the soft budget.
// Pressure may exceed 1 right after the budget shrinks.
func (c *Controller) Pressure() float64 {
	if c == nil {
		return 0
	}
	budget := c.budget.Load()
	if budget <= 0 {
		return 0
	}
	return float64(c.memUsed.Load()) / float64(budget)
}

// MaxWorkers returns the size of the worker slot pool.
func (c *Controller) MaxWorkers() int {
	if c == nil {
		return 1
	}
	return int(c.cfg.MaxBackgroundWorkers)
}

// TryAcquireWorkers reserves up to n worker slots without blocking and
// returns how many were granted.
func (c *Controller) TryAcquireWorkers(n int) int {
	if c == nil {
		return n
	}
	granted := 0
	for granted < n && c.bgSem.TryAcquire(1) {
		granted++
	}
	return granted
}

// ReleaseWorkers releases n worker slots.
func (c *Controller) ReleaseWorkers(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bgSem.Release(int64(n))
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	if burst := c.ioLimiter.Burst(); bytes > burst {
		// WaitN rejects requests above the burst size; spread them.
		for bytes > burst {
			if err := c.ioLimiter.WaitN(ctx, burst); err != nil {
				return err
			}
			bytes -= burst
		}
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
