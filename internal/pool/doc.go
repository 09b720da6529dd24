// Package pool implements capacity-bounded memory pools and their registry.
//
// A Pool never blocks and never drops data on its own: Allocate fails with
// ErrPoolFull and the caller decides whether to Evict and retry. Every eviction
// is logged and reported to the registered evict hooks.
//
// Invariant: a pool's used bytes always equal the sum of its item sizes.
package pool
