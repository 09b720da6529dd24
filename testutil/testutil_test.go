package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlobs(t *testing.T) {
	rng := NewRNG(4711)
	centers := [][]float32{{0, 0}, {10, 10}}

	pts := rng.Blobs(centers, 20, 0.1)
	assert.Len(t, pts, 40)
	for i, p := range pts {
		c := centers[i/20]
		assert.InDelta(t, c[0], p[0], 1)
		assert.InDelta(t, c[1], p[1], 1)
	}
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.GaussianVectors(2, 8)

	rng.Reset()
	v2 := rng.GaussianVectors(2, 8)

	assert.Equal(t, v1, v2)
}

func TestPayload(t *testing.T) {
	rng := NewRNG(1)
	assert.Len(t, rng.Payload(128, 0.5), 128)
}

func TestZipf(t *testing.T) {
	rng := NewRNG(42)
	counts := make([]int, 10)
	for range 5000 {
		counts[rng.Zipf(10, 1.5)]++
	}
	assert.Greater(t, counts[0], counts[9])
	assert.Contains(t, rng.ZipfKey("doc", 10, 1.5), "doc-")
}
