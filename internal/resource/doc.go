// Package resource implements the process-wide resource controller.
//
// The controller governs three resource types:
//
//   - Memory: a hard process budget (non-blocking, fail-fast) plus a soft
//     budget that follows the active level of detail and defines pressure
//   - Concurrency: bounded worker slots for parallel clustering
//   - IO: a token bucket for writes towards persistent cache tiers
//
// # Memory
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 512 << 20,
//	})
//	rc.SetBudget(256 << 20) // medium LOD
//
//	if err := rc.AcquireMemory(4096); err != nil {
//	    // ErrMemoryLimitExceeded - caller evicts and retries
//	}
//	defer rc.ReleaseMemory(4096)
//
//	pressure := rc.Pressure() // used / budget
//
// # Workers
//
//	granted := rc.TryAcquireWorkers(4)
//	defer rc.ReleaseWorkers(granted)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
package resource
