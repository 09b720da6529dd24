package kmeans

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxIterations bounds Lloyd iterations when Options.MaxIter is zero.
const DefaultMaxIterations = 100

// ErrInvalidInput is returned for malformed training input.
var ErrInvalidInput = errors.New("kmeans: invalid input")

// DistanceFunc computes the distance used for assignment (squared L2 is fine:
// only the ordering matters).
type DistanceFunc func(a, b []float32) float32

// Options configures a training run.
type Options struct {
	// MaxIter bounds the number of Lloyd iterations. Zero means DefaultMaxIterations.
	MaxIter int
	// Seed initializes the random source used for seeding and empty-cluster repair.
	Seed int64
	// Workers splits the assignment step across goroutines. Values <= 1 run inline.
	Workers int
	// Distance defaults to squared L2.
	Distance DistanceFunc
}

// Result holds the outcome of a training run.
type Result struct {
	// Centroids is the flattened centroid matrix (k * dim).
	Centroids []float32
	// Assignments maps each input vector to its centroid.
	Assignments []int
	// Iterations is the number of assignment passes executed.
	Iterations int
	// Converged is true if the last pass reassigned nothing.
	Converged bool
}

// Train trains k centroids from the given flattened vectors using Lloyd's
// algorithm with k-means++ seeding.
// It returns nil if there are fewer vectors than clusters.
func Train(ctx context.Context, vectors []float32, dim int, k int, opts Options) (*Result, error) {
	if dim <= 0 || k <= 0 || len(vectors)%dim != 0 {
		return nil, ErrInvalidInput
	}

	n := len(vectors) / dim
	if n < k {
		return nil, nil // Not enough vectors to cluster
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	dist := opts.Distance
	if dist == nil {
		dist = squaredL2
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	centroids := seedPlusPlus(vectors, dim, k, dist, rng)

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	res := &Result{Centroids: centroids, Assignments: assignments}

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Assignment step
		changed, err := assign(ctx, vectors, dim, centroids, assignments, dist, opts.Workers)
		if err != nil {
			return nil, err
		}
		res.Iterations = iter + 1

		if !changed {
			res.Converged = true
			break
		}

		// Update step
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}

		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[cluster*dim+d] += vec[d]
			}
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-initialize empty cluster with a random point
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return res, nil
}

// assign runs the assignment step, split into chunks when workers > 1.
func assign(ctx context.Context, vectors []float32, dim int, centroids []float32, assignments []int, dist DistanceFunc, workers int) (bool, error) {
	n := len(assignments)
	if workers <= 1 || n < 2*workers {
		return assignRange(vectors, dim, centroids, assignments, dist, 0, n), nil
	}

	chunk := (n + workers - 1) / workers
	changed := make([]bool, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, n)
		if start >= end {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			changed[w] = assignRange(vectors, dim, centroids, assignments, dist, start, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	for _, c := range changed {
		if c {
			return true, nil
		}
	}
	return false, nil
}

func assignRange(vectors []float32, dim int, centroids []float32, assignments []int, dist DistanceFunc, start, end int) bool {
	changed := false
	for i := start; i < end; i++ {
		best := nearest(vectors[i*dim:(i+1)*dim], centroids, dim, dist)
		if assignments[i] != best {
			assignments[i] = best
			changed = true
		}
	}
	return changed
}

// seedPlusPlus picks initial centroids with D² weighting.
func seedPlusPlus(vectors []float32, dim, k int, dist DistanceFunc, rng *rand.Rand) []float32 {
	n := len(vectors) / dim
	centroids := make([]float32, k*dim)

	first := rng.Intn(n)
	copy(centroids[:dim], vectors[first*dim:(first+1)*dim])

	minDist := make([]float64, n)
	for i := 0; i < n; i++ {
		minDist[i] = float64(dist(vectors[i*dim:(i+1)*dim], centroids[:dim]))
	}

	for c := 1; c < k; c++ {
		var total float64
		for _, d := range minDist {
			total += d
		}

		idx := 0
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range minDist {
				target -= d
				if target <= 0 {
					idx = i
					break
				}
				idx = i
			}
		} else {
			// All points coincide with chosen centroids.
			idx = rng.Intn(n)
		}

		center := centroids[c*dim : (c+1)*dim]
		copy(center, vectors[idx*dim:(idx+1)*dim])

		for i := 0; i < n; i++ {
			d := float64(dist(vectors[i*dim:(i+1)*dim], center))
			if d < minDist[i] {
				minDist[i] = d
			}
		}
	}

	return centroids
}

// nearest returns the closest centroid. Distances that overflow to +Inf or
// NaN never win, so the first centroid is the fallback.
func nearest(vec []float32, centroids []float32, dim int, dist DistanceFunc) int {
	k := len(centroids) / dim
	best := 0
	minDist := math.Inf(1)

	for j := 0; j < k; j++ {
		d := float64(dist(vec, centroids[j*dim:(j+1)*dim]))
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}

// AssignPartition finds the closest centroid for a vector.
func AssignPartition(vec []float32, centroids []float32, dim int, dist DistanceFunc) int {
	if dist == nil {
		dist = squaredL2
	}
	return nearest(vec, centroids, dim, dist)
}

type centroidDist struct {
	id   int
	dist float64
}

// FindClosestCentroids returns the indices of the n closest centroids to the query vector.
// NaN distances sort last; ties keep centroid order.
func FindClosestCentroids(query []float32, centroids []float32, dim int, n int, dist DistanceFunc) []int {
	if dist == nil {
		dist = squaredL2
	}
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		d := float64(dist(query, centroids[i*dim:(i+1)*dim]))
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		dists[i] = centroidDist{id: i, dist: d}
	}

	sort.SliceStable(dists, func(i, j int) bool {
		return dists[i].dist < dists[j].dist
	})

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}
	return result
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
