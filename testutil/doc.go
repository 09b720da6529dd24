// Package testutil provides deterministic workload generators for tests and
// the simulate command.
//
//	rng := testutil.NewRNG(seed)
//	points := rng.Blobs([][]float32{{0, 0}, {10, 10}}, 50, 0.1)
//	key := rng.ZipfKey("doc", 1000, 1.2)
package testutil
