package cli

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/memgov"
	"github.com/hupe1980/memgov/testutil"
)

type simulateFlags struct {
	items    int
	dim      int
	clusters int
	ticks    int
	lookups  int
	seed     int64
	horizon  time.Duration
}

// simClock advances one step per simulated tick so the predictor sees a
// time series without waiting in real time.
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type simulateResult struct {
	Status     memgov.Status            `json:"status"`
	Prediction memgov.Prediction        `json:"prediction"`
	Clusters   []memgov.ClusterMetrics  `json:"clusters"`
	Metrics    memgov.BasicMetricsStats `json:"metrics"`
}

func newSimulateCmd(root *rootFlags) *cobra.Command {
	f := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the governor with a synthetic embedding and cache workload",
		Long: "Stores clustered synthetic embeddings, replays a Zipfian cache access stream, " +
			"runs one control-loop tick per simulated minute and prints the final status, " +
			"clusters and usage prediction as JSON.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return simulate(cmd, root, f)
		},
	}
	cmd.Flags().IntVar(&f.items, "items", 2000, "Number of embeddings to store")
	cmd.Flags().IntVar(&f.dim, "dim", 32, "Embedding dimension")
	cmd.Flags().IntVar(&f.clusters, "k", 8, "Number of clusters")
	cmd.Flags().IntVar(&f.ticks, "ticks", 12, "Number of simulated minutes")
	cmd.Flags().IntVar(&f.lookups, "lookups", 100, "Cache lookups per tick")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "Random seed")
	cmd.Flags().DurationVar(&f.horizon, "horizon", 30*time.Minute, "Prediction horizon")
	return cmd
}

func simulate(cmd *cobra.Command, root *rootFlags, f *simulateFlags) error {
	if f.items <= 0 || f.dim <= 0 || f.ticks <= 0 || f.clusters <= 0 {
		return errors.New("items, dim, k and ticks must be positive")
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	cfg.Seed = f.seed
	cfg.Layers = nil
	logger, err := root.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	clock := &simClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	metrics := &memgov.BasicMetricsCollector{}
	g, err := memgov.New(
		memgov.WithConfig(cfg),
		memgov.WithLogger(logger),
		memgov.WithMetricsCollector(metrics),
		memgov.WithClock(clock.Now),
	)
	if err != nil {
		return err
	}
	defer g.Close()

	poolID, err := embeddingPool(g)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rng := testutil.NewRNG(f.seed)
	centers := rng.GaussianVectors(f.clusters, f.dim)
	for _, c := range centers {
		for j := range c {
			c[j] *= 10
		}
	}
	vectors := rng.Blobs(centers, (f.items+f.clusters-1)/f.clusters, 1)[:f.items]

	perTick := (len(vectors) + f.ticks - 1) / f.ticks
	next := 0
	for range f.ticks {
		// Ingest slows down with the level of detail.
		batch := g.GetOptimizationStatus().Profile.BatchSize(perTick)
		for end := min(next+batch, len(vectors)); next < end; next++ {
			item := memgov.Item{Vector: vectors[next], Priority: rng.Float64()}
			if _, err := g.Store(ctx, poolID, fmt.Sprintf("emb-%d", next), item); err != nil &&
				!errors.Is(err, memgov.ErrPoolFull) {
				return err
			}
		}
		for range f.lookups {
			key := rng.ZipfKey("doc", 500, 1.1)
			if _, ok := g.CacheGet(key); ok {
				continue
			}
			err := g.CacheSet(key, rng.Payload(512, 0.6), memgov.CacheOptions{Relevance: rng.Float64()})
			if errors.Is(err, memgov.ErrNoCache) {
				break
			}
			if err != nil && !errors.Is(err, memgov.ErrPoolFull) {
				return err
			}
		}
		if _, err := g.Tick(ctx); err != nil {
			return err
		}
		clock.advance(time.Minute)
	}

	if err := g.Retrain(ctx); err != nil && !errors.Is(err, memgov.ErrPredictorUnderTrained) {
		logger.Warn("predictor training failed", "error", err)
	}
	clusters, err := g.ClusterPool(ctx, poolID, f.clusters)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), simulateResult{
		Status:     g.GetOptimizationStatus(),
		Prediction: g.PredictMemoryUsage(f.horizon),
		Clusters:   clusters,
		Metrics:    metrics.GetStats(),
	}, true)
}

// embeddingPool returns the first embedding pool, registering one when the
// configuration has none.
func embeddingPool(g *memgov.Governor) (string, error) {
	for _, p := range g.GetOptimizationStatus().Pools {
		if p.Kind == "embedding" {
			return p.ID, nil
		}
	}
	stats, err := g.RegisterPool("embedding", "embedding", g.Config().MaxMemoryBytes()/4, 4)
	if err != nil {
		return "", err
	}
	return stats.ID, nil
}
