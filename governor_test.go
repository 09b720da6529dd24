package memgov

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov/internal/lod"
	"github.com/hupe1980/memgov/internal/pool"
	"github.com/hupe1980/memgov/testutil"
	"github.com/hupe1980/memgov/tier"
	"github.com/hupe1980/memgov/tier/memory"
)

func newGovernor(t *testing.T, opts ...Option) *Governor {
	t.Helper()
	g, err := New(append([]Option{WithSeed(1)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	g := newGovernor(t)

	st := g.GetOptimizationStatus()
	assert.Equal(t, lod.Medium, st.CurrentLOD)
	assert.False(t, st.Pinned)
	assert.Len(t, st.Pools, 5)
	assert.Zero(t, st.Pressure)
	assert.Equal(t, int64(256<<20), st.BudgetBytes)
	assert.True(t, st.Capabilities.SOMCache)
	assert.True(t, st.Capabilities.ParallelClustering)
	assert.False(t, st.Capabilities.PredictorTrained)
	assert.True(t, st.Degraded)

	cache, err := g.Pool("cache")
	require.NoError(t, err)
	assert.Equal(t, int64(128<<20), cache.BaseCapacityBytes)
	assert.Equal(t, int64(93952410), cache.CapacityBytes) // 0.7 of 128 MiB, rounded
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(WithCacheStrategy("greedy"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "cache_strategy", cfgErr.Field)

	_, err = New(WithPools(PoolConfig{ID: "p", Kind: "cache", CapacityBytes: -1}))
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(WithLODLevel("extreme"))
	assert.Error(t, err)
}

func TestRegisterPool(t *testing.T) {
	g := newGovernor(t, WithPools(), WithLODLevel("ultra"))

	stats, err := g.RegisterPool("docs", "cache", 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stats.CapacityBytes)

	_, err = g.RegisterPool("docs", "cache", 1000, 1)
	assert.ErrorIs(t, err, ErrPoolExists)

	_, err = g.RegisterPool("neg", "cache", -5, 1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = g.Allocate("missing", "k", Item{Size: 1})
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestAllocateReleaseNoDrift(t *testing.T) {
	g := newGovernor(t, WithLODLevel("ultra"), WithPools(PoolConfig{ID: "p", Kind: "vector", CapacityBytes: 10_000, Priority: 1}))

	rng := testutil.NewRNG(3)
	held := map[string]int64{}
	for i := range 200 {
		key := fmt.Sprintf("k%d", rng.Intn(20))
		if rng.Intn(3) == 0 {
			if _, err := g.Release("p", key); err == nil {
				delete(held, key)
			}
			continue
		}
		size := int64(1 + rng.Intn(500))
		if _, err := g.Allocate("p", key, Item{Payload: make([]byte, size)}); err == nil {
			held[key] = size
		} else {
			require.ErrorIs(t, err, ErrPoolFull, "iteration %d", i)
		}
	}

	var sum int64
	for _, s := range held {
		sum += s
	}
	stats, err := g.Pool("p")
	require.NoError(t, err)
	assert.Equal(t, sum, stats.UsedBytes)
	assert.Equal(t, len(held), stats.Items)

	_, err = g.Release("p", "never")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocate_FullDoesNotEvict(t *testing.T) {
	g := newGovernor(t, WithLODLevel("ultra"), WithPools(PoolConfig{ID: "p", Kind: "cache", CapacityBytes: 100, Priority: 1}))

	_, err := g.Allocate("p", "a", Item{Size: 80})
	require.NoError(t, err)
	_, err = g.Allocate("p", "b", Item{Size: 30})
	assert.ErrorIs(t, err, ErrPoolFull)

	_, err = g.Get("p", "a")
	assert.NoError(t, err)
}

func TestStore_EvictsToMakeRoom(t *testing.T) {
	g := newGovernor(t,
		WithMaxMemoryMB(4),
		WithLODLevel("ultra"),
		WithPools(PoolConfig{ID: "cache", Kind: "cache", CapacityBytes: 1_000_000, Priority: 1}),
	)
	sub := g.Subscribe(EventEviction, 64)

	ctx := context.Background()
	for i := range 10 {
		_, err := g.Store(ctx, "cache", fmt.Sprintf("entry-%d", i), Item{Payload: make([]byte, 150_000)})
		require.NoError(t, err, "entry %d", i)
	}

	evs := drain(sub)
	assert.NotEmpty(t, evs)
	for _, e := range evs {
		assert.Equal(t, "cache", e.PoolID)
	}

	stats, err := g.Pool("cache")
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.UsedBytes, int64(1_100_000))
	assert.Equal(t, int64(stats.Items)*150_000, stats.UsedBytes)

	_, err = g.Get("cache", "entry-9")
	assert.NoError(t, err, "latest entry is held")
}

func TestStore_TooLarge(t *testing.T) {
	g := newGovernor(t, WithLODLevel("ultra"), WithPools(PoolConfig{ID: "p", Kind: "cache", CapacityBytes: 100, Priority: 1}))
	sub := g.Subscribe(EventEviction, 8)

	ctx := context.Background()
	for i := range 5 {
		_, err := g.Store(ctx, "p", fmt.Sprintf("k%d", i), Item{Size: 20})
		require.NoError(t, err)
	}

	_, err := g.Store(ctx, "p", "big", Item{Size: 500})
	assert.ErrorIs(t, err, ErrPoolFull)

	stats, err := g.Pool("p")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Items)
	assert.Equal(t, int64(100), stats.UsedBytes)
	assert.Empty(t, drain(sub))
	for i := range 5 {
		_, err := g.Get("p", fmt.Sprintf("k%d", i))
		assert.NoError(t, err)
	}
}

func TestStore_ExceedsProcessBudget(t *testing.T) {
	g := newGovernor(t,
		WithMaxMemoryMB(1),
		WithLODLevel("ultra"),
		WithPools(
			PoolConfig{ID: "a", Kind: "cache", CapacityBytes: 1 << 20, Priority: 1},
			PoolConfig{ID: "b", Kind: "cache", CapacityBytes: 1 << 20, Priority: 1},
		),
	)

	ctx := context.Background()
	_, err := g.Store(ctx, "a", "held", Item{Size: 800_000})
	require.NoError(t, err)
	_, err = g.Store(ctx, "b", "small", Item{Size: 100_000})
	require.NoError(t, err)

	// b could evict everything and still not fit next to a.
	_, err = g.Store(ctx, "b", "big", Item{Size: 400_000})
	assert.ErrorIs(t, err, ErrPoolFull)

	_, err = g.Get("b", "small")
	assert.NoError(t, err)
}

func TestEvict(t *testing.T) {
	g := newGovernor(t, WithLODLevel("ultra"), WithPools(PoolConfig{ID: "p", Kind: "cache", CapacityBytes: 1000, Priority: 1}))
	for i := range 4 {
		_, err := g.Allocate("p", fmt.Sprintf("k%d", i), Item{Size: 10, Priority: float64(i)})
		require.NoError(t, err)
	}

	ev, err := g.Evict("p", 0.5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k0", "k1"}, ev.Keys)
	assert.Equal(t, int64(20), ev.Bytes)

	_, err = g.Evict("p", 0)
	assert.Error(t, err)
	_, err = g.Evict("nope", 0.5)
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestCluster(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	g := newGovernor(t, WithMetricsCollector(metrics))

	rng := testutil.NewRNG(7)
	pts := rng.Blobs([][]float32{{0, 0}, {20, 0}, {0, 20}}, 20, 0.05)
	items := make([]ClusterItem, len(pts))
	for i, p := range pts {
		items[i] = ClusterItem{ID: fmt.Sprintf("p%d", i), Embedding: p}
	}

	ms, report, err := g.Cluster(context.Background(), items, 3)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.False(t, report.Parallel)

	total := 0
	for _, m := range ms {
		total += m.MemberCount
		assert.Greater(t, m.Cohesion, 0.8)
	}
	assert.Equal(t, len(items), total)

	items[5].Embedding = []float32{1, 2, 3}
	_, _, err = g.Cluster(context.Background(), items, 3)
	assert.ErrorIs(t, err, ErrInvalidClusterInput)
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 5, dm.Index)

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.ClusteringCount)
	assert.Equal(t, int64(1), stats.ClusteringErrors)
	assert.Equal(t, int64(3), stats.ClustersProduced)
}

func TestClusterPool_ExportImport(t *testing.T) {
	g := newGovernor(t, WithLODLevel("ultra"))

	rng := testutil.NewRNG(11)
	for i, v := range rng.Blobs([][]float32{{0, 0, 0}, {10, 10, 10}}, 15, 0.1) {
		_, err := g.Allocate("embedding", fmt.Sprintf("doc-%02d", i), Item{Vector: v})
		require.NoError(t, err)
	}

	require.NoError(t, g.Recluster(context.Background()))
	ms := g.Clusters("embedding")
	require.NotEmpty(t, ms)
	assert.LessOrEqual(t, len(ms), 8)
	assert.Empty(t, g.Clusters("vector"))

	ms, err := g.ClusterPool(context.Background(), "embedding", 2)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, ms, g.Clusters("embedding"), "a pass replaces the previous set")

	data, err := g.ExportClusters()
	require.NoError(t, err)

	other := newGovernor(t)
	require.NoError(t, other.ImportClusters(data))
	restored := other.Clusters("embedding")
	require.Len(t, restored, len(ms))
	for i := range ms {
		assert.Equal(t, ms[i].Centroid, restored[i].Centroid)
		assert.Equal(t, ms[i].MemberCount, restored[i].MemberCount)
		assert.Equal(t, ms[i].Cohesion, restored[i].Cohesion)
	}

	assert.Error(t, other.ImportClusters([]byte("garbage")))
}

func TestAssignCluster(t *testing.T) {
	g := newGovernor(t, WithLODLevel("ultra"))

	_, err := g.AssignCluster("embedding", []float32{0, 0, 0})
	assert.ErrorIs(t, err, ErrNoClusters)

	rng := testutil.NewRNG(13)
	for i, v := range rng.Blobs([][]float32{{0, 0, 0}, {10, 10, 10}}, 15, 0.1) {
		_, err := g.Allocate("embedding", fmt.Sprintf("doc-%02d", i), Item{Vector: v})
		require.NoError(t, err)
	}
	_, err = g.ClusterPool(context.Background(), "embedding", 2)
	require.NoError(t, err)

	m, err := g.AssignCluster("embedding", []float32{9, 9, 9})
	require.NoError(t, err)
	assert.InDelta(t, 10, m.Centroid[0], 1)

	near, err := g.NearestClusters("embedding", []float32{9, 9, 9}, 5)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, m.ID, near[0].ID)
	assert.InDelta(t, 0, near[1].Centroid[0], 1)

	_, err = g.AssignCluster("embedding", []float32{1, 2})
	assert.ErrorIs(t, err, ErrInvalidClusterInput)
	_, err = g.NearestClusters("embedding", []float32{9, 9, 9}, 0)
	assert.ErrorIs(t, err, ErrInvalidClusterInput)
}

func TestCache(t *testing.T) {
	g := newGovernor(t)

	require.NoError(t, g.CacheSet("session:1", []byte("hello"), CacheOptions{Relevance: 0.9}))
	got, ok := g.CacheGet("session:1")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)

	entry, ok := g.CacheEntry("session:1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, entry.PriorityScore, 0.0)
	assert.LessOrEqual(t, entry.PriorityScore, 1.0)

	assert.True(t, g.CacheDelete("session:1"))
	_, ok = g.CacheGet("session:1")
	assert.False(t, ok)

	noCache := newGovernor(t, WithPools(PoolConfig{ID: "v", Kind: "vector", CapacityBytes: 10, Priority: 1}))
	assert.ErrorIs(t, noCache.CacheSet("k", nil, CacheOptions{}), ErrNoCache)
	assert.False(t, noCache.GetOptimizationStatus().Capabilities.SOMCache)
}

type downBackend struct{}

func (downBackend) Get(context.Context, string) ([]byte, error) { return nil, errors.New("down") }
func (downBackend) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (downBackend) Delete(context.Context, string) error { return nil }
func (downBackend) Ping(context.Context) error           { return errors.New("connection refused") }

func TestLayers_PlaceFetchAndHealth(t *testing.T) {
	store, err := memory.New(1 << 20)
	require.NoError(t, err)

	metrics := &BasicMetricsCollector{}
	g := newGovernor(t,
		WithMetricsCollector(metrics),
		WithLayer(tier.LayerConfig{Name: "local", Kind: tier.KindMemory, Priority: 0, Backend: store}),
		WithLayer(tier.LayerConfig{Name: "remote", Kind: tier.KindRelational, Priority: 1, Backend: downBackend{}}),
	)
	sub := g.Subscribe(EventLayerUnavailable, 4)
	ctx := context.Background()

	ranked := g.SelectLayers("k", "", 128, 10)
	require.Len(t, ranked, 2)
	assert.Equal(t, "local", ranked[0].Name)

	info, err := g.Place(ctx, "k", []byte("value"), "", 10)
	require.NoError(t, err)
	assert.Equal(t, "local", info.Name)

	val, info, err := g.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
	assert.Equal(t, "local", info.Name)

	failed := g.HealthCheck(ctx)
	require.Contains(t, failed, "remote")
	assert.ErrorIs(t, failed["remote"], ErrStorageUnavailable)
	require.Len(t, drain(sub), 1)

	st := g.GetOptimizationStatus()
	assert.Equal(t, []string{"remote"}, st.Capabilities.UnavailableLayers)
	assert.True(t, st.Degraded)
	assert.Len(t, g.SelectLayers("k", "", 128, 10), 1)

	require.NoError(t, g.Forget(ctx, "k"))
	_, _, err = g.Fetch(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(3), metrics.GetStats().PlacementCount)
}

func TestPredictMemoryUsage_UnderTrained(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	g := newGovernor(t, WithMetricsCollector(metrics))
	_, err := g.Allocate("cache", "k", Item{Size: 4096})
	require.NoError(t, err)

	pred := g.PredictMemoryUsage(10 * time.Minute)
	assert.Less(t, pred.Confidence, 0.2)
	assert.True(t, pred.UnderTrained)
	assert.Equal(t, int64(4096), pred.CurrentUsageBytes)
	assert.Equal(t, pred.CurrentUsageBytes, pred.ExpectedUsageBytes)

	assert.ErrorIs(t, g.Retrain(context.Background()), ErrPredictorUnderTrained)
	assert.Equal(t, int64(1), metrics.GetStats().PredictionLowConf)
}

func TestPredictMemoryUsage_AfterTicks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := newGovernor(t,
		WithMaxMemoryMB(32),
		WithLODLevel("ultra"),
		WithPools(PoolConfig{ID: "embedding", Kind: "embedding", CapacityBytes: 32 << 20, Priority: 1}),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	for i := range 12 {
		_, err := g.Allocate("embedding", fmt.Sprintf("k%d", i), Item{Size: 1 << 20})
		require.NoError(t, err)
		_, err = g.Tick(ctx)
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}
	require.NoError(t, g.Retrain(ctx))

	pred := g.PredictMemoryUsage(5 * time.Minute)
	assert.False(t, pred.UnderTrained)
	assert.Equal(t, int64(12<<20), pred.CurrentUsageBytes)
	assert.GreaterOrEqual(t, pred.Confidence, 0.2)
	assert.LessOrEqual(t, pred.Confidence, 1.0)

	st := g.GetOptimizationStatus()
	assert.True(t, st.Capabilities.PredictorTrained)
	assert.Equal(t, 12, st.Predictor.Samples)
}

func TestTick_EmergencyForcesLow(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	g := newGovernor(t,
		WithMaxMemoryMB(1),
		WithMetricsCollector(metrics),
		WithPools(PoolConfig{ID: "cache", Kind: "cache", CapacityBytes: 1 << 20, Priority: 1}),
	)
	sub := g.Subscribe(EventsAll, 256)

	for i := range 51 {
		_, err := g.Allocate("cache", fmt.Sprintf("k%d", i), Item{Payload: make([]byte, 10_000)})
		require.NoError(t, err)
	}
	assert.Greater(t, g.CurrentPressure(), 0.95)

	report, err := g.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lod.Low, report.Level)
	assert.Equal(t, lod.Low, g.Level())
	assert.NotEmpty(t, report.Severity)
	assert.Positive(t, report.EvictedItems)

	var lodChanges, evictions int
	for _, e := range drain(sub) {
		switch e.Type {
		case EventLODChange:
			lodChanges++
		case EventEviction:
			evictions++
		}
	}
	assert.Equal(t, 1, lodChanges)
	assert.Positive(t, evictions)

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.TickCount)
	assert.Equal(t, int64(1), stats.LODChanges)
	assert.Positive(t, stats.EvictionCount)
	assert.False(t, g.GetOptimizationStatus().Capabilities.ParallelClustering)
}

func TestStatus_JSON(t *testing.T) {
	g := newGovernor(t)
	_, err := g.Allocate("vector", "v", Item{Vector: []float32{1, 2, 3}})
	require.NoError(t, err)

	b, err := json.Marshal(g.GetOptimizationStatus())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "medium", decoded["currentLod"])
	assert.Contains(t, decoded, "pools")
	assert.Contains(t, decoded, "capabilities")
}

func TestStartStopClose(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	cfg := DefaultConfig()
	cfg.PressureCheckInterval = Duration(5 * time.Millisecond)
	cfg.ReclusterInterval = Duration(10 * time.Millisecond)
	cfg.RetrainInterval = Duration(10 * time.Millisecond)

	g, err := New(WithConfig(cfg), WithMetricsCollector(metrics))
	require.NoError(t, err)

	sub := g.Subscribe(EventTick, 16)
	require.NoError(t, g.Start(context.Background()))
	assert.Error(t, g.Start(context.Background()))

	assert.Eventually(t, func() bool { return metrics.GetStats().TickCount >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.ErrorIs(t, g.Start(context.Background()), ErrClosed)
	_, err = g.Tick(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	drain(sub)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestUnsubscribe(t *testing.T) {
	g := newGovernor(t)
	sub := g.Subscribe(EventsNormal, 1)
	assert.True(t, g.Unsubscribe(sub))
	assert.False(t, g.Unsubscribe(sub))
	assert.False(t, g.Unsubscribe(nil))
}

func TestUnsubscribe_LogsDroppedEvents(t *testing.T) {
	var buf bytes.Buffer
	g := newGovernor(t,
		WithLogger(NewLogger(slog.NewJSONHandler(&buf, nil))),
		WithLODLevel("ultra"),
		WithPools(PoolConfig{ID: "p", Kind: "cache", CapacityBytes: 1000, Priority: 1}),
	)
	sub := g.Subscribe(EventEviction, 1)

	for i := range 4 {
		_, err := g.Allocate("p", fmt.Sprintf("k%d", i), Item{Size: 10})
		require.NoError(t, err)
	}
	for range 2 {
		_, err := g.Evict("p", 0.25)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), sub.Dropped())

	// Each pass is logged once at Info; the pool's own record is Debug.
	assert.Equal(t, 2, strings.Count(buf.String(), `"msg":"eviction"`))
	assert.NotContains(t, buf.String(), "pool: evicted items")

	require.True(t, g.Unsubscribe(sub))
	assert.Contains(t, buf.String(), `"msg":"subscriber missed events"`)
	assert.Contains(t, buf.String(), `"dropped":1`)
}

func TestSampleVectors(t *testing.T) {
	vectors := make([]pool.Vector, 10)
	for i := range vectors {
		vectors[i] = pool.Vector{Key: fmt.Sprintf("v%d", i)}
	}

	assert.Len(t, sampleVectors(vectors, 0), 10)
	assert.Len(t, sampleVectors(vectors, 20), 10)

	sampled := sampleVectors(vectors, 4)
	require.Len(t, sampled, 4)
	assert.Equal(t, "v0", sampled[0].Key)
	assert.Equal(t, "v2", sampled[1].Key)
	assert.Equal(t, "v5", sampled[2].Key)
	assert.Equal(t, "v7", sampled[3].Key)
}
