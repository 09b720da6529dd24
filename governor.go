package memgov

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memgov/codec"
	"github.com/hupe1980/memgov/internal/accel"
	"github.com/hupe1980/memgov/internal/cluster"
	"github.com/hupe1980/memgov/internal/events"
	"github.com/hupe1980/memgov/internal/lod"
	"github.com/hupe1980/memgov/internal/orchestrator"
	"github.com/hupe1980/memgov/internal/pool"
	"github.com/hupe1980/memgov/internal/predictor"
	"github.com/hupe1980/memgov/internal/resource"
	"github.com/hupe1980/memgov/internal/som"
	"github.com/hupe1980/memgov/tier"
)

// Governor owns every component of the engine. It is created by the process
// entry point and passed to whoever needs it; there is no global instance.
type Governor struct {
	cfg      Config
	maxBytes int64

	logger  *Logger
	metrics MetricsCollector
	codec   codec.Codec
	now     func() time.Time

	resources *resource.Controller
	registry  *pool.Registry
	lod       *lod.Controller
	accel     accel.Accelerator
	engine    *cluster.Engine
	clusters  *cluster.Store
	cache     *som.Cache
	predictor *predictor.Predictor
	selector  *tier.Selector
	loop      *orchestrator.Orchestrator
	bus       *events.Bus

	parallel atomic.Bool
	ops      atomic.Int64
	closed   atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a governor, registers the configured pools and layers and
// applies the initial level of detail. The control loop starts with Start.
func New(optFns ...Option) (*Governor, error) {
	o := applyOptions(optFns)

	cfg := o.config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, pinned, _ := cfg.Level()
	strategy, _ := orchestrator.ParseStrategy(cfg.CacheStrategy)
	slogger := o.logger.Logger

	g := &Governor{
		cfg:      cfg,
		maxBytes: cfg.MaxMemoryBytes(),
		logger:   o.logger,
		metrics:  o.metricsCollector,
		codec:    o.codec,
		now:      o.now,
		accel:    accel.Detect(),
		clusters: cluster.NewStore(),
		bus:      events.NewBus(),
	}

	g.resources = resource.NewController(resource.Config{
		MemoryLimitBytes:     g.maxBytes,
		MaxBackgroundWorkers: int64(cfg.Workers()),
		IOLimitBytesPerSec:   cfg.IOLimitBytesPerSec,
	})

	g.registry = pool.NewRegistry(
		pool.WithLogger(slogger),
		pool.WithResourceController(g.resources),
		pool.WithClock(o.now),
	)
	g.registry.OnEvict(g.onPoolEviction)

	for _, pc := range cfg.EffectivePools() {
		if _, err := g.registerPool(pc); err != nil {
			return nil, err
		}
	}

	g.lod = lod.NewController(lod.Config{
		Initial:    level,
		Pinned:     pinned,
		Thresholds: cfg.Thresholds.transitions(),
		Logger:     slogger,
	})
	g.lod.OnTransition(func(t lod.Transition) {
		g.metrics.RecordLODChange(t.From.String(), t.To.String(), t.Forced)
		g.logger.LogLODChange(context.Background(), t.From.String(), t.To.String(), t.Pressure, t.Forced)
	})

	g.engine = cluster.NewEngine(cluster.Config{
		Parallel:          cfg.EnableParallelClustering,
		ParallelThreshold: cfg.ParallelThreshold,
		MaxWorkers:        cfg.Workers(),
		WorkerTimeout:     cfg.WorkerTimeout.Std(),
		Seed:              cfg.Seed,
		Resources:         g.resources,
		Accelerator:       g.accel,
		Logger:            slogger,
		OnFallback:        g.onWorkerFallback,
	})

	if err := g.initCache(); err != nil {
		return nil, err
	}

	g.predictor = predictor.New(predictor.Config{
		HistorySize:   cfg.HistorySize,
		MaxAge:        cfg.HistoryMaxAge.Std(),
		CapacityBytes: lod.ProfileFor(level).MemoryLimitBytes(g.maxBytes),
		Seed:          cfg.Seed,
		Logger:        slogger,
	})

	g.selector = tier.NewSelector(
		tier.WithResourceController(g.resources),
		tier.WithLogger(slogger),
		tier.WithUnavailableHook(g.onLayerUnavailable),
	)
	for _, lc := range o.layers {
		if _, err := g.selector.Add(lc); err != nil {
			return nil, err
		}
	}

	loop, err := orchestrator.New(orchestrator.Config{
		Registry:          g.registry,
		LOD:               g.lod,
		Resources:         g.resources,
		Cache:             g.cache,
		Predictor:         g.predictor,
		Bus:               g.bus,
		MaxMemoryBytes:    g.maxBytes,
		Thresholds:        cfg.Thresholds.response(),
		Strategy:          strategy,
		PressureInterval:  cfg.PressureCheckInterval.Std(),
		ReclusterInterval: cfg.ReclusterInterval.Std(),
		RetrainInterval:   cfg.RetrainInterval.Std(),
		Recluster:         g.Recluster,
		HealthCheck:       func(ctx context.Context) { g.selector.HealthCheck(ctx) },
		Counters:          g.counters,
		OnProfile:         g.applyProfile,
		OnTick:            g.onTick,
		Logger:            slogger,
		Now:               o.now,
	})
	if err != nil {
		return nil, err
	}
	g.loop = loop

	g.logger.Info("governor created",
		"max_memory_mb", cfg.MaxMemoryMB,
		"lod", g.lod.Level().String(),
		"pinned", pinned,
		"pools", len(g.registry.Pools()),
		"layers", len(o.layers),
		"accelerator", g.accel.Name(),
	)
	return g, nil
}

func (g *Governor) registerPool(pc PoolConfig) (*pool.Pool, error) {
	kind, err := pool.ParseKind(pc.Kind)
	if err != nil {
		return nil, err
	}
	return g.registry.Register(pc.ID, kind, pc.CapacityBytes, pc.Priority)
}

// initCache puts the SOM cache on the first cache-kind pool.
func (g *Governor) initCache() error {
	var backing *pool.Pool
	for _, p := range g.registry.Pools() {
		if p.Kind() == pool.KindCache {
			backing = p
			break
		}
	}
	if backing == nil {
		g.logger.Warn("no cache pool registered, SOM cache disabled")
		return nil
	}

	cache, err := som.NewCache(som.Config{
		Map: som.MapConfig{
			Width:        g.cfg.SOM.Width,
			Height:       g.cfg.SOM.Height,
			LearningRate: g.cfg.SOM.LearningRate,
			Tau:          g.cfg.SOM.Tau,
			Seed:         g.cfg.Seed,
		},
		Pool:   backing,
		Logger: g.logger.Logger,
		Now:    g.now,
		OnEvict: func(keys []string, bytes int64) {
			g.metrics.RecordEviction(backing.ID(), len(keys), bytes)
			g.bus.Publish(events.Event{
				Type:    events.Eviction,
				Time:    g.now(),
				PoolID:  backing.ID(),
				Keys:    keys,
				Bytes:   bytes,
				Message: "som priority",
			})
		},
	})
	if err != nil {
		return err
	}
	g.cache = cache
	return nil
}

func (g *Governor) applyProfile(p lod.Profile) {
	allowed := g.cfg.EnableParallelClustering && p.Features.ParallelClustering
	g.parallel.Store(allowed)
	g.engine.SetParallelAllowed(allowed)
	if g.predictor != nil {
		g.predictor.SetCapacity(p.MemoryLimitBytes(g.maxBytes))
	}
}

func (g *Governor) onPoolEviction(ev pool.Eviction) {
	if g.cache != nil {
		g.cache.Forget(ev.Keys)
	}
	g.metrics.RecordEviction(ev.PoolID, len(ev.Keys), ev.Bytes)
	g.logger.LogEviction(context.Background(), ev.PoolID, ev.Reason, len(ev.Keys), ev.Bytes)
}

func (g *Governor) onWorkerFallback(err error) {
	g.logger.LogWorkerFallback(context.Background(), err)
	g.bus.Publish(events.Event{
		Type:    events.WorkerFallback,
		Time:    g.now(),
		Message: err.Error(),
	})
}

func (g *Governor) onLayerUnavailable(layer string, err error) {
	g.bus.Publish(events.Event{
		Type:    events.LayerUnavailable,
		Time:    g.now(),
		Message: fmt.Sprintf("%s: %v", layer, err),
		Data:    layer,
	})
}

func (g *Governor) onTick(r orchestrator.Report) {
	g.metrics.RecordTick(r.Pressure, string(r.Severity), r.Duration)
	if r.Severity != orchestrator.SeverityNone {
		g.logger.LogPressureResponse(context.Background(), string(r.Severity), r.Pressure, r.EvictedBytes, r.CompressedSave)
	}
}

func (g *Governor) counters() orchestrator.Counters {
	c := orchestrator.Counters{
		Operations: g.ops.Load(),
		Clusters:   g.clusters.Count(),
	}
	if g.cache != nil {
		c.CacheHitRate = g.cache.HitRate()
	}
	return c
}

// Config returns the effective configuration.
func (g *Governor) Config() Config { return g.cfg }

// RegisterPool adds a pool at runtime. capacityBytes is the full-detail
// capacity; the active level of detail scales it.
func (g *Governor) RegisterPool(id, kind string, capacityBytes int64, priority int) (PoolStats, error) {
	p, err := g.registerPool(PoolConfig{ID: id, Kind: kind, CapacityBytes: capacityBytes, Priority: priority})
	if err != nil {
		return PoolStats{}, err
	}
	return p.Stats(), nil
}

// Pool returns the statistics of a pool.
func (g *Governor) Pool(id string) (PoolStats, error) {
	p, err := g.registry.Get(id)
	if err != nil {
		return PoolStats{}, err
	}
	return p.Stats(), nil
}

// Allocate stores item under key in a pool. It never blocks and never
// evicts: a full pool returns ErrPoolFull and the caller decides.
func (g *Governor) Allocate(poolID, key string, item Item) (Handle, error) {
	p, err := g.registry.Get(poolID)
	if err != nil {
		return Handle{}, err
	}
	g.ops.Add(1)
	return p.Allocate(key, item)
}

// Store allocates like Allocate, but on ErrPoolFull evicts the
// lowest-priority items of the pool to make room and retries once.
// An item larger than the pool, or than the process budget left by the
// other pools, fails with ErrPoolFull and evicts nothing.
func (g *Governor) Store(ctx context.Context, poolID, key string, item Item) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	p, err := g.registry.Get(poolID)
	if err != nil {
		return Handle{}, err
	}
	g.ops.Add(1)

	h, err := p.Allocate(key, item)
	if !errors.Is(err, ErrPoolFull) {
		return h, err
	}

	size := item.Size
	if size <= 0 {
		size = int64(len(item.Payload)) + int64(4*len(item.Vector))
	}
	if !p.Fits(size) {
		// Evicting cannot help; keep the pool as it is.
		return Handle{}, err
	}
	need := p.Used() + size - p.Capacity()
	if need <= 0 {
		// The pool has room; the process budget does not.
		need = size
	}
	ev := p.EvictBytes(need, "make room")
	if len(ev.Keys) == 0 {
		return Handle{}, err
	}
	return p.Allocate(key, item)
}

// Get returns the item stored under key.
func (g *Governor) Get(poolID, key string) (Item, error) {
	p, err := g.registry.Get(poolID)
	if err != nil {
		return Item{}, err
	}
	g.ops.Add(1)
	it, ok := p.Get(key)
	if !ok {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrNotFound, poolID, key)
	}
	return it, nil
}

// Release removes key from a pool and returns the freed bytes.
func (g *Governor) Release(poolID, key string) (int64, error) {
	p, err := g.registry.Get(poolID)
	if err != nil {
		return 0, err
	}
	g.ops.Add(1)
	freed, ok := p.Release(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrNotFound, poolID, key)
	}
	if g.cache != nil {
		g.cache.Forget([]string{key})
	}
	return freed, nil
}

// Evict removes a fraction in (0,1] of a pool's items, lowest priority first.
func (g *Governor) Evict(poolID string, fraction float64) (Eviction, error) {
	if fraction <= 0 || fraction > 1 {
		return Eviction{}, fmt.Errorf("evict fraction %v out of range (0,1]", fraction)
	}
	p, err := g.registry.Get(poolID)
	if err != nil {
		return Eviction{}, err
	}
	return p.Evict(fraction, "manual"), nil
}

// CurrentPressure returns used bytes over the budget of the active level.
// It may exceed 1 right after a downward transition.
func (g *Governor) CurrentPressure() float64 { return g.loop.Pressure() }

// Level returns the active level of detail.
func (g *Governor) Level() lod.Level { return g.lod.Level() }

// Cluster runs k-means over items. Invalid input is returned as
// ErrInvalidClusterInput; worker problems degrade to inline clustering.
func (g *Governor) Cluster(ctx context.Context, items []ClusterItem, k int) ([]ClusterMetrics, ClusterReport, error) {
	g.ops.Add(1)
	metrics, report, err := g.engine.Cluster(ctx, items, k)
	g.metrics.RecordClustering(len(items), len(metrics), report.Parallel, report.Fallback, report.Duration, err)
	return metrics, report, err
}

// ClusterPool clusters the vectors held in a pool and replaces the pool's
// previous cluster set. An empty pool clears it. Pools holding more vectors
// than the active profile's ObjectCap are sampled evenly down to the cap.
func (g *Governor) ClusterPool(ctx context.Context, poolID string, k int) ([]ClusterMetrics, error) {
	p, err := g.registry.Get(poolID)
	if err != nil {
		return nil, err
	}
	vectors := p.Vectors()
	if len(vectors) == 0 {
		g.clusters.Replace(poolID, nil)
		return nil, nil
	}
	vectors = sampleVectors(vectors, lod.ProfileFor(g.lod.Level()).ObjectCap)

	items := make([]ClusterItem, len(vectors))
	for i, v := range vectors {
		items[i] = ClusterItem{ID: v.Key, Embedding: v.Vector, SizeBytes: v.Size}
	}
	metrics, _, err := g.Cluster(ctx, items, k)
	if err != nil {
		return nil, fmt.Errorf("cluster pool %q: %w", poolID, err)
	}
	g.clusters.Replace(poolID, metrics)
	return metrics, nil
}

func sampleVectors(vectors []pool.Vector, limit int) []pool.Vector {
	if limit <= 0 || len(vectors) <= limit {
		return vectors
	}
	out := make([]pool.Vector, limit)
	for i := range out {
		out[i] = vectors[i*len(vectors)/limit]
	}
	return out
}

// Clusters returns the current cluster set of a pool, or of all pools for "".
func (g *Governor) Clusters(poolID string) []ClusterMetrics {
	if poolID == "" {
		return g.clusters.All()
	}
	return g.clusters.Get(poolID)
}

// AssignCluster returns the cluster of poolID whose centroid is closest to
// embedding. It fails with ErrNoClusters before the pool was clustered.
func (g *Governor) AssignCluster(poolID string, embedding []float32) (ClusterMetrics, error) {
	g.ops.Add(1)
	m, err := cluster.Assign(g.clusters.Get(poolID), embedding, g.accel.SquaredL2)
	if err != nil {
		return ClusterMetrics{}, fmt.Errorf("assign cluster in pool %q: %w", poolID, err)
	}
	return m, nil
}

// NearestClusters returns up to n clusters of poolID ordered by centroid
// distance to embedding.
func (g *Governor) NearestClusters(poolID string, embedding []float32, n int) ([]ClusterMetrics, error) {
	g.ops.Add(1)
	ms, err := cluster.Nearest(g.clusters.Get(poolID), embedding, n, g.accel.SquaredL2)
	if err != nil {
		return nil, fmt.Errorf("nearest clusters in pool %q: %w", poolID, err)
	}
	return ms, nil
}

// Recluster clusters every pool holding vectors with the configured k.
func (g *Governor) Recluster(ctx context.Context) error {
	var errs []error
	for _, p := range g.registry.Pools() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Kind() != pool.KindEmbedding && p.Kind() != pool.KindVector {
			continue
		}
		if _, err := g.ClusterPool(ctx, p.ID(), g.cfg.ClusterK); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExportClusters encodes all cluster sets with the configured codec.
func (g *Governor) ExportClusters() ([]byte, error) {
	snapshot := make(map[string][]ClusterMetrics)
	for _, p := range g.registry.Pools() {
		if ms := g.clusters.Get(p.ID()); len(ms) > 0 {
			snapshot[p.ID()] = ms
		}
	}
	return codec.Encode(g.codec, snapshot)
}

// ImportClusters restores cluster sets written by ExportClusters.
func (g *Governor) ImportClusters(data []byte) error {
	var snapshot map[string][]ClusterMetrics
	if err := codec.Decode(data, &snapshot); err != nil {
		return fmt.Errorf("import clusters: %w", err)
	}
	for poolID, ms := range snapshot {
		g.clusters.Replace(poolID, ms)
	}
	return nil
}

// CacheSet stores value in the SOM cache, evicting lower-priority entries
// when the cache pool is full.
func (g *Governor) CacheSet(key string, value []byte, opts CacheOptions) error {
	if g.cache == nil {
		return ErrNoCache
	}
	g.ops.Add(1)
	return g.cache.Set(key, value, som.SetOptions{TTL: opts.TTL, Relevance: opts.Relevance})
}

// CacheGet returns a cached value.
func (g *Governor) CacheGet(key string) ([]byte, bool) {
	if g.cache == nil {
		return nil, false
	}
	g.ops.Add(1)
	return g.cache.Get(key)
}

// CacheEntry returns the metadata of a cached key.
func (g *Governor) CacheEntry(key string) (CacheEntry, bool) {
	if g.cache == nil {
		return CacheEntry{}, false
	}
	return g.cache.Entry(key)
}

// CacheDelete removes a cached value.
func (g *Governor) CacheDelete(key string) bool {
	if g.cache == nil {
		return false
	}
	g.ops.Add(1)
	return g.cache.Delete(key)
}

// SelectLayers ranks the available cache layers for an item and returns
// the best three.
func (g *Governor) SelectLayers(key, kind string, sizeBytes int64, accessFrequency float64) []LayerInfo {
	return g.selector.Select(key, kind, sizeBytes, accessFrequency)
}

// Place writes value to the best-ranked layer that accepts it.
func (g *Governor) Place(ctx context.Context, key string, value []byte, kind string, accessFrequency float64) (LayerInfo, error) {
	g.ops.Add(1)
	start := time.Now()
	info, err := g.selector.Put(ctx, key, value, kind, accessFrequency)
	g.metrics.RecordPlacement(info.Name, len(value), time.Since(start), err)
	return info, err
}

// Fetch reads key from the fastest layer holding it and promotes it into
// faster layers.
func (g *Governor) Fetch(ctx context.Context, key string) ([]byte, LayerInfo, error) {
	g.ops.Add(1)
	start := time.Now()
	val, info, err := g.selector.Get(ctx, key)
	if errors.Is(err, tier.ErrNotFound) {
		g.metrics.RecordPlacement("", 0, time.Since(start), nil)
		return nil, info, err
	}
	g.metrics.RecordPlacement(info.Name, len(val), time.Since(start), err)
	return val, info, err
}

// Forget deletes key from every cache layer.
func (g *Governor) Forget(ctx context.Context, key string) error {
	g.ops.Add(1)
	return g.selector.Delete(ctx, key)
}

// HealthCheck pings every cache layer and returns the failures.
func (g *Governor) HealthCheck(ctx context.Context) map[string]error {
	return g.selector.HealthCheck(ctx)
}

// PredictMemoryUsage forecasts usage horizon ahead. With too little history
// it returns the current usage with low confidence instead of an error.
func (g *Governor) PredictMemoryUsage(horizon time.Duration) Prediction {
	pred := g.predictor.Predict(horizon.Minutes())
	if pred.UnderTrained && g.predictor.History().Len() < predictor.MinSamples {
		used := g.registry.Used()
		pred.CurrentUsageBytes = used
		pred.ExpectedUsageBytes = used
	}
	g.metrics.RecordPrediction(pred.Confidence, pred.UnderTrained)
	return pred
}

// Retrain fits the predictor to the current history. It returns
// ErrPredictorUnderTrained with fewer than five samples; previously learned
// weights stay in use on any error.
func (g *Governor) Retrain(ctx context.Context) error {
	err := g.predictor.Train(ctx)
	g.logger.LogTraining(ctx, g.predictor.History().Len(), g.predictor.LastLoss(), err)
	return err
}

// GetOptimizationStatus returns a snapshot of the engine. It never fails;
// degraded subsystems are flagged in Capabilities.
func (g *Governor) GetOptimizationStatus() Status {
	level := g.lod.Level()
	profile := lod.ProfileFor(level)

	st := Status{
		Time:        g.now(),
		CurrentLOD:  level,
		Pinned:      g.lod.Pinned(),
		Profile:     profile,
		Pressure:    g.loop.Pressure(),
		UsedBytes:   g.registry.Used(),
		BudgetBytes: g.resources.Budget(),
		Pools:       g.registry.Snapshot(),
		Clusters:    g.clusters.All(),
		CacheLayers: g.selector.Layers(),
		Predictor: PredictorStatus{
			Samples: g.predictor.History().Len(),
			Trained: g.predictor.Trained(),
		},
		Capabilities: Capabilities{
			Acceleration:       g.accel.CanAccelerate(),
			Accelerator:        g.accel.Name(),
			PredictorTrained:   g.predictor.Trained(),
			ParallelClustering: g.parallel.Load(),
			SOMCache:           g.cache != nil,
			UnavailableLayers:  g.selector.Unavailable(),
		},
	}
	if st.Predictor.Trained {
		st.Predictor.LastLoss = g.predictor.LastLoss()
	}
	if g.cache != nil {
		cs := g.cache.Stats()
		st.Cache = &cs
	}
	st.Degraded = st.Capabilities.Degraded()
	return st
}

// Subscribe registers for the event types in mask. Events are dropped, not
// queued, when the buffer is full.
func (g *Governor) Subscribe(mask EventType, buffer int) *Subscription {
	return g.bus.Subscribe(mask, buffer)
}

// Unsubscribe cancels a subscription and closes its channel.
func (g *Governor) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	if !g.bus.Unsubscribe(sub.ID) {
		return false
	}
	if n := sub.Dropped(); n > 0 {
		g.logger.Warn("subscriber missed events", "subscription", sub.ID, "dropped", n)
	}
	return true
}

// Tick runs one control-loop iteration now. It returns ErrTickInProgress
// while another tick runs.
func (g *Governor) Tick(ctx context.Context) (TickReport, error) {
	if g.closed.Load() {
		return TickReport{}, ErrClosed
	}
	return g.loop.Tick(ctx)
}

// Start runs the control loop in the background until ctx is cancelled or
// Close is called.
func (g *Governor) Start(ctx context.Context) error {
	if g.closed.Load() {
		return ErrClosed
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return errors.New("governor already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancel, g.done = cancel, done

	go func() {
		defer close(done)
		if err := g.loop.Run(ctx); err != nil {
			g.logger.Error("control loop stopped", "error", err)
		}
	}()
	g.logger.Info("control loop started",
		"pressure_interval", g.cfg.PressureCheckInterval.Std(),
		"recluster_interval", g.cfg.ReclusterInterval.Std(),
		"retrain_interval", g.cfg.RetrainInterval.Std(),
	)
	return nil
}

// Stop halts the control loop and waits for it. It is a no-op when the loop
// is not running.
func (g *Governor) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the loop, closes every subscription and the cache layers.
// It is safe to call more than once.
func (g *Governor) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.Stop()
	g.bus.Close()
	if err := g.selector.Close(); err != nil {
		return fmt.Errorf("close cache layers: %w", err)
	}
	return nil
}
