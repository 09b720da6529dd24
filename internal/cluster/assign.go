package cluster

import (
	"fmt"
	"math"

	"github.com/hupe1980/memgov/internal/kmeans"
)

// Assign returns the cluster whose centroid is closest to embedding.
func Assign(ms []Metrics, embedding []float32, dist kmeans.DistanceFunc) (Metrics, error) {
	centroids, dim, err := flattenCentroids(ms, embedding)
	if err != nil {
		return Metrics{}, err
	}
	return ms[kmeans.AssignPartition(embedding, centroids, dim, dist)], nil
}

// Nearest returns up to n clusters ordered by centroid distance to embedding.
func Nearest(ms []Metrics, embedding []float32, n int, dist kmeans.DistanceFunc) ([]Metrics, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be positive, got %d", ErrInvalidInput, n)
	}
	centroids, dim, err := flattenCentroids(ms, embedding)
	if err != nil {
		return nil, err
	}

	ids := kmeans.FindClosestCentroids(embedding, centroids, dim, n, dist)
	out := make([]Metrics, len(ids))
	for i, id := range ids {
		out[i] = ms[id]
	}
	return out, nil
}

func flattenCentroids(ms []Metrics, embedding []float32) ([]float32, int, error) {
	if len(ms) == 0 {
		return nil, 0, ErrNoClusters
	}
	dim := len(embedding)
	if dim == 0 {
		return nil, 0, fmt.Errorf("%w: empty embedding", ErrInvalidInput)
	}
	for j, v := range embedding {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, 0, fmt.Errorf("%w: non-finite component at %d", ErrInvalidInput, j)
		}
	}

	centroids := make([]float32, 0, len(ms)*dim)
	for i, m := range ms {
		if len(m.Centroid) != dim {
			return nil, 0, &DimensionMismatchError{Index: i, Expected: dim, Actual: len(m.Centroid)}
		}
		centroids = append(centroids, m.Centroid...)
	}
	return centroids, dim, nil
}
