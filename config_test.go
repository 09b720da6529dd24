package memgov

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov/internal/lod"
)

const sampleConfig = `
max_memory_mb: 256
lod_level: high
cache_strategy: aggressive
enable_parallel_clustering: false
max_workers: 2
pressure_check_interval: 2s
recluster_interval: 1m
worker_timeout: 30s
thresholds:
  standard: 0.6
  aggressive: 0.8
  emergency: 0.9
  reduce: 0.85
  critical: 0.9
  increase: 0.4
pools:
  - id: docs
    kind: cache
    capacity_bytes: 1048576
    priority: 1
  - id: vectors
    kind: embedding
    capacity_bytes: 4194304
    priority: 4
layers:
  - name: local
    kind: memory
    backend: memory
    capacity_bytes: 1048576
  - name: shared
    kind: fastkv
    backend: redis
    target: redis://localhost:6379/0
    ttl: 10m
    priority: 1
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.MaxMemoryMB)
	assert.Equal(t, int64(256<<20), cfg.MaxMemoryBytes())
	assert.Equal(t, "aggressive", cfg.CacheStrategy)
	assert.False(t, cfg.EnableParallelClustering)
	assert.Equal(t, 2*time.Second, cfg.PressureCheckInterval.Std())
	assert.Equal(t, time.Minute, cfg.ReclusterInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.WorkerTimeout.Std())
	assert.Equal(t, 0.6, cfg.Thresholds.Standard)
	require.Len(t, cfg.Pools, 2)
	assert.Equal(t, "docs", cfg.Pools[0].ID)
	require.Len(t, cfg.Layers, 2)
	assert.Equal(t, 10*time.Minute, cfg.Layers[1].TTL.Std())

	// Absent keys keep their defaults.
	assert.Equal(t, Duration(time.Minute), cfg.RetrainInterval)
	assert.Equal(t, 200, cfg.HistorySize)
	assert.Equal(t, 10, cfg.SOM.Width)

	level, pinned, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, lod.High, level)
	assert.True(t, pinned)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memgov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.MaxMemoryMB)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryMB = 64

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "pressure_check_interval: 5s")
	assert.Contains(t, string(out), "pools:")

	back, err := ParseConfig(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.PressureCheckInterval, back.PressureCheckInterval)
	assert.Equal(t, DefaultPools(64<<20), back.Pools)
}

func TestDuration_IntegerNanoseconds(t *testing.T) {
	cfg, err := ParseConfig([]byte("retrain_interval: 1000000000\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.RetrainInterval.Std())

	_, err = ParseConfig([]byte("retrain_interval: soon\n"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"memory", func(c *Config) { c.MaxMemoryMB = 0 }, "max_memory_mb"},
		{"lod level", func(c *Config) { c.LODLevel = "extreme" }, "lod_level"},
		{"strategy", func(c *Config) { c.CacheStrategy = "greedy" }, "cache_strategy"},
		{"workers", func(c *Config) { c.MaxWorkers = -1 }, "max_workers"},
		{"interval", func(c *Config) { c.WorkerTimeout = -1 }, "worker_timeout"},
		{"inverted response", func(c *Config) { c.Thresholds.Aggressive = 0.6 }, "thresholds"},
		{"inverted transition", func(c *Config) { c.Thresholds.Increase = 0.95 }, "thresholds"},
		{"zero threshold", func(c *Config) { c.Thresholds.Reduce = 0 }, "thresholds.reduce"},
		{"pool kind", func(c *Config) { c.Pools = []PoolConfig{{ID: "p", Kind: "disk"}} }, "pools[0].kind"},
		{"pool capacity", func(c *Config) { c.Pools = []PoolConfig{{ID: "p", Kind: "cache", CapacityBytes: -1}} }, "pools[0].capacity_bytes"},
		{"duplicate pool", func(c *Config) {
			c.Pools = []PoolConfig{{ID: "p", Kind: "cache"}, {ID: "p", Kind: "som"}}
		}, "pools[1].id"},
		{"layer kind", func(c *Config) { c.Layers = []LayerConfig{{Name: "x", Kind: "tape"}} }, "layers[0].kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MaxMemoryMB: 8}.withDefaults()
	assert.Equal(t, 8, cfg.MaxMemoryMB)
	assert.Equal(t, LODAuto, cfg.LODLevel)
	assert.Equal(t, DefaultConfig().Thresholds, cfg.Thresholds)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Workers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1 << 10
	assert.Equal(t, runtime.NumCPU(), cfg.Workers())
	cfg.MaxWorkers = 0
	assert.Equal(t, 1, cfg.Workers())
}

func TestDefaultPools(t *testing.T) {
	pools := DefaultPools(1000)
	var total int64
	for _, p := range pools {
		total += p.CapacityBytes
	}
	assert.Equal(t, int64(1000), total)

	var explicit Config
	explicit.Pools = []PoolConfig{}
	assert.Empty(t, explicit.EffectivePools())
	assert.Len(t, Config{MaxMemoryMB: 1}.EffectivePools(), 5)
}
