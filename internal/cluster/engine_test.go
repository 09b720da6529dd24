package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov/codec"
	"github.com/hupe1980/memgov/internal/kmeans"
	"github.com/hupe1980/memgov/internal/resource"
	"github.com/hupe1980/memgov/testutil"
)

func toItems(vectors [][]float32) []Item {
	items := make([]Item, len(vectors))
	for i, v := range vectors {
		items[i] = Item{ID: fmt.Sprintf("item-%d", i), Embedding: v}
	}
	return items
}

func memberSum(ms []Metrics) int {
	n := 0
	for _, m := range ms {
		n += m.MemberCount
	}
	return n
}

func TestCluster_SeparatedGroups(t *testing.T) {
	rng := testutil.NewRNG(7)
	pts := rng.Blobs([][]float32{{0, 0}, {20, 0}, {0, 20}}, 30, 0.05)

	e := NewEngine(Config{Seed: 1})
	ms, report, err := e.Cluster(context.Background(), toItems(pts), 3)
	require.NoError(t, err)

	require.Len(t, ms, 3)
	assert.Equal(t, len(pts), memberSum(ms))
	assert.False(t, report.Parallel)
	for _, m := range ms {
		assert.Greater(t, m.Cohesion, 0.8)
		assert.Equal(t, 30, m.MemberCount)
		assert.Equal(t, int64(30*2*4), m.MemoryFootprintBytes)
		assert.NotEmpty(t, m.ID)
		assert.NotZero(t, m.ComputedAtMs)
	}
}

func TestCluster_StructuralProperties(t *testing.T) {
	e := NewEngine(Config{Seed: 3})

	for seed := int64(0); seed < 10; seed++ {
		rng := testutil.NewRNG(seed)
		n := 5 + rng.Intn(200)
		k := 1 + rng.Intn(12)
		items := toItems(rng.GaussianVectors(n, 8))

		ms, _, err := e.Cluster(context.Background(), items, k)
		require.NoError(t, err)

		assert.Equal(t, n, memberSum(ms), "seed %d", seed)
		assert.LessOrEqual(t, len(ms), k)
		for _, m := range ms {
			assert.GreaterOrEqual(t, m.Cohesion, 0.0)
			assert.LessOrEqual(t, m.Cohesion, 1.0)
			assert.Len(t, m.Members, m.MemberCount)
		}
	}
}

func TestCluster_ClampsK(t *testing.T) {
	e := NewEngine(Config{})
	items := toItems([][]float32{{0, 0}, {5, 5}})

	ms, _, err := e.Cluster(context.Background(), items, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, memberSum(ms))
	assert.LessOrEqual(t, len(ms), 2)
}

func TestCluster_InvalidInput(t *testing.T) {
	e := NewEngine(Config{})
	ctx := context.Background()

	_, _, err := e.Cluster(ctx, nil, 3)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = e.Cluster(ctx, toItems([][]float32{{1}}), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = e.Cluster(ctx, toItems([][]float32{{}}), 1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = e.Cluster(ctx, toItems([][]float32{{1, 2}, {1, 2}, {1}}), 2)
	require.ErrorIs(t, err, ErrInvalidInput)

	var dimErr *DimensionMismatchError
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 2, dimErr.Index)
	assert.Equal(t, 2, dimErr.Expected)
	assert.Equal(t, 1, dimErr.Actual)
}

func TestCluster_NonFiniteEmbedding(t *testing.T) {
	e := NewEngine(Config{})
	ctx := context.Background()

	for name, bad := range map[string]float32{
		"nan":  float32(math.NaN()),
		"+inf": float32(math.Inf(1)),
		"-inf": float32(math.Inf(-1)),
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := e.Cluster(ctx, toItems([][]float32{{1, 2}, {bad, 0}, {3, 4}}), 2)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Contains(t, err.Error(), "item 1")
		})
	}
}

func TestCluster_LargeMagnitudes(t *testing.T) {
	e := NewEngine(Config{Seed: 1})
	items := toItems([][]float32{{3e19, 0}, {-3e19, 0}, {0, 3e19}})

	var (
		ms  []Metrics
		err error
	)
	require.NotPanics(t, func() {
		ms, _, err = e.Cluster(context.Background(), items, 2)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, memberSum(ms))
	assert.LessOrEqual(t, len(ms), 2)
	for _, m := range ms {
		assert.GreaterOrEqual(t, m.Cohesion, 0.0)
		assert.LessOrEqual(t, m.Cohesion, 1.0)
	}
}

func parallelEngine(t *testing.T, run runFunc, timeout time.Duration, onFallback func(error)) *Engine {
	t.Helper()
	if runtime.NumCPU() < 2 {
		t.Skip("parallel dispatch needs at least 2 CPUs")
	}
	e := NewEngine(Config{
		Parallel:          true,
		ParallelThreshold: 50,
		MaxWorkers:        2,
		WorkerTimeout:     timeout,
		Seed:              1,
		Resources:         resource.NewController(resource.Config{MaxBackgroundWorkers: 4}),
		OnFallback:        onFallback,
	})
	if run != nil {
		e.parallel = run
	}
	return e
}

func TestCluster_Parallel(t *testing.T) {
	e := parallelEngine(t, nil, time.Minute, nil)
	items := toItems(testutil.NewRNG(1).GaussianVectors(200, 4))

	ms, report, err := e.Cluster(context.Background(), items, 4)
	require.NoError(t, err)
	assert.True(t, report.Parallel)
	assert.False(t, report.Fallback)
	assert.Equal(t, 2, report.Workers)
	assert.Equal(t, 200, memberSum(ms))

	// Below the threshold stays inline.
	_, report, err = e.Cluster(context.Background(), items[:20], 4)
	require.NoError(t, err)
	assert.False(t, report.Parallel)

	// Disabled by the level of detail.
	e.SetParallelAllowed(false)
	_, report, err = e.Cluster(context.Background(), items, 4)
	require.NoError(t, err)
	assert.False(t, report.Parallel)
}

func TestCluster_FallbackOnWorkerProblems(t *testing.T) {
	tests := []struct {
		name    string
		run     runFunc
		wantErr error
	}{
		{
			name: "error",
			run: func(context.Context, []float32, int, int, kmeans.Options) (*kmeans.Result, error) {
				return nil, errors.New("boom")
			},
			wantErr: ErrWorkerFailure,
		},
		{
			name: "panic",
			run: func(context.Context, []float32, int, int, kmeans.Options) (*kmeans.Result, error) {
				panic("worker crashed")
			},
			wantErr: ErrWorkerFailure,
		},
		{
			name: "timeout",
			run: func(ctx context.Context, _ []float32, _, _ int, _ kmeans.Options) (*kmeans.Result, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			wantErr: ErrWorkerTimeout,
		},
		{
			name: "incomplete",
			run: func(context.Context, []float32, int, int, kmeans.Options) (*kmeans.Result, error) {
				return &kmeans.Result{}, nil
			},
			wantErr: ErrWorkerFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fallbacks []error
			e := parallelEngine(t, tt.run, 50*time.Millisecond, func(err error) {
				fallbacks = append(fallbacks, err)
			})
			items := toItems(testutil.NewRNG(2).GaussianVectors(100, 4))

			ms, report, err := e.Cluster(context.Background(), items, 3)
			require.NoError(t, err)
			assert.True(t, report.Fallback)
			assert.NotEmpty(t, report.FallbackErr)
			assert.Equal(t, 100, memberSum(ms))

			require.Len(t, fallbacks, 1)
			assert.ErrorIs(t, fallbacks[0], tt.wantErr)
		})
	}
}

func TestMetrics_CodecRoundTrip(t *testing.T) {
	e := NewEngine(Config{Seed: 5})
	pts := testutil.NewRNG(5).Blobs([][]float32{{0, 0}, {9, 9}}, 10, 0.2)
	ms, _, err := e.Cluster(context.Background(), toItems(pts), 2)
	require.NoError(t, err)

	for _, c := range []codec.Codec{codec.JSON{}, codec.GoJSON{}} {
		data, err := codec.Encode(c, ms)
		require.NoError(t, err)

		var restored []Metrics
		require.NoError(t, codec.Decode(data, &restored))
		require.Len(t, restored, len(ms))
		for i := range ms {
			assert.Equal(t, ms[i].Centroid, restored[i].Centroid)
			assert.Equal(t, ms[i].MemberCount, restored[i].MemberCount)
			assert.Equal(t, ms[i].Cohesion, restored[i].Cohesion)
		}
	}
}

func TestStore(t *testing.T) {
	s := NewStore()
	s.Replace("a", []Metrics{{ID: "1"}, {ID: "2"}})
	s.Replace("b", []Metrics{{ID: "3"}})
	assert.Equal(t, 3, s.Count())

	s.Replace("a", []Metrics{{ID: "4"}})
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, "4", s.All()[0].ID)
	assert.Len(t, s.Get("b"), 1)
}

func TestCohesion(t *testing.T) {
	assert.Equal(t, 1.0, Cohesion(0))
	assert.Equal(t, 0.5, Cohesion(1))
	assert.Zero(t, Cohesion(-1))
}
