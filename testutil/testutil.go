package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// RNG is a seeded, thread-safe random source.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// GaussianVectors generates vectors with standard normal components.
func (r *RNG) GaussianVectors(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)
	for i := range num {
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = float32(r.rand.NormFloat64())
		}
		vectors[i] = vec
	}
	return vectors
}

// Blobs generates perGroup points around each center with Gaussian noise of
// the given spread. Points are grouped by center in the output.
func (r *RNG) Blobs(centers [][]float32, perGroup int, spread float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]float32, 0, len(centers)*perGroup)
	for _, c := range centers {
		for range perGroup {
			vec := make([]float32, len(c))
			for j := range c {
				vec[j] = c[j] + float32(r.rand.NormFloat64())*spread
			}
			out = append(out, vec)
		}
	}
	return out
}

// Payload returns n bytes. compressibility in [0,1] controls the share of
// repeated text; the rest is random noise.
func (r *RNG) Payload(n int, compressibility float64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	const text = "the parties agree that the agreement shall be governed by "
	out := make([]byte, n)
	for i := range out {
		if r.rand.Float64() < compressibility {
			out[i] = text[i%len(text)]
		} else {
			out[i] = byte(r.rand.Intn(256))
		}
	}
	return out
}

// Zipf returns a Zipfian-distributed value in [0, n) with skew s.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 1 {
		return 0
	}
	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}
	return n - 1
}

// ZipfKey returns prefix-<zipf index>, modelling a skewed key access stream.
func (r *RNG) ZipfKey(prefix string, n int, s float64) string {
	return fmt.Sprintf("%s-%d", prefix, r.Zipf(n, s))
}
