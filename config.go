package memgov

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/memgov/internal/lod"
	"github.com/hupe1980/memgov/internal/orchestrator"
	"github.com/hupe1980/memgov/internal/pool"
	"github.com/hupe1980/memgov/tier"
)

// LODAuto lets the controller pick the level from measured pressure.
const LODAuto = "auto"

// Duration is a time.Duration that reads and writes Go duration strings in YAML.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler. Plain integers are nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		var ns int64
		if nerr := node.Decode(&ns); nerr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		v = time.Duration(ns)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete governor configuration.
//
// Zero values are replaced by the defaults of DefaultConfig when the governor
// is created; LoadConfig starts from DefaultConfig so absent YAML keys keep
// their defaults.
type Config struct {
	// MaxMemoryMB is the process memory budget the pools are accounted against.
	MaxMemoryMB int `yaml:"max_memory_mb"`
	// LODLevel is "auto" or a pinned level (ultra, high, medium, low).
	LODLevel string `yaml:"lod_level"`
	// CacheStrategy scales eviction: aggressive, balanced or conservative.
	CacheStrategy string `yaml:"cache_strategy"`
	// EnableParallelClustering allows worker dispatch for large inputs.
	EnableParallelClustering bool `yaml:"enable_parallel_clustering"`
	// MaxWorkers bounds clustering workers; it is clamped to NumCPU.
	MaxWorkers int `yaml:"max_workers"`

	PressureCheckInterval Duration `yaml:"pressure_check_interval"`
	ReclusterInterval     Duration `yaml:"recluster_interval"`
	RetrainInterval       Duration `yaml:"retrain_interval"`

	// ParallelThreshold is the minimum input size dispatched to workers.
	ParallelThreshold int `yaml:"parallel_threshold"`
	// WorkerTimeout is the hard deadline of a parallel clustering run.
	WorkerTimeout Duration `yaml:"worker_timeout"`
	// ClusterK is the number of clusters per periodic reclustering pass.
	ClusterK int `yaml:"cluster_k"`
	// Seed makes clustering, SOM and predictor initialization reproducible.
	Seed int64 `yaml:"seed"`

	// HistorySize bounds the predictor sample ring.
	HistorySize int `yaml:"history_size"`
	// HistoryMaxAge drops samples older than this. Zero keeps them until FIFO.
	HistoryMaxAge Duration `yaml:"history_max_age"`

	Thresholds ThresholdConfig `yaml:"thresholds"`
	SOM        SOMConfig       `yaml:"som"`

	// IOLimitBytesPerSec throttles writes to persistent cache layers. Zero is unlimited.
	IOLimitBytesPerSec int64 `yaml:"io_limit_bytes_per_sec"`

	// Pools are registered at startup. Absent means the default pool set.
	Pools []PoolConfig `yaml:"pools"`
	// Layers describe the cache layers; backends are attached with WithLayer.
	Layers []LayerConfig `yaml:"layers,omitempty"`
}

// ThresholdConfig holds the pressure thresholds.
type ThresholdConfig struct {
	// Standard, Aggressive and Emergency select the graduated pressure response.
	Standard   float64 `yaml:"standard"`
	Aggressive float64 `yaml:"aggressive"`
	Emergency  float64 `yaml:"emergency"`
	// Reduce, Critical and Increase drive level-of-detail transitions.
	Reduce   float64 `yaml:"reduce"`
	Critical float64 `yaml:"critical"`
	Increase float64 `yaml:"increase"`
}

// SOMConfig configures the self-organizing map of the cache.
type SOMConfig struct {
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	LearningRate float64 `yaml:"learning_rate"`
	Tau          float64 `yaml:"tau"`
}

// PoolConfig declares a memory pool.
type PoolConfig struct {
	ID            string `yaml:"id"`
	Kind          string `yaml:"kind"`
	CapacityBytes int64  `yaml:"capacity_bytes"`
	Priority      int    `yaml:"priority"`
}

// LayerConfig declares a cache layer. Backend names the implementation the
// command line tool opens (memory, redis, dynamo, vector, sqlite, s3, minio);
// Target is its address, path, table or bucket.
type LayerConfig struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	Backend       string   `yaml:"backend"`
	Target        string   `yaml:"target,omitempty"`
	Region        string   `yaml:"region,omitempty"`
	Endpoint      string   `yaml:"endpoint,omitempty"`
	CapacityBytes int64    `yaml:"capacity_bytes,omitempty"`
	TTL           Duration `yaml:"ttl,omitempty"`
	Priority      int      `yaml:"priority"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMemoryMB:              512,
		LODLevel:                 LODAuto,
		CacheStrategy:            string(orchestrator.StrategyBalanced),
		EnableParallelClustering: true,
		MaxWorkers:               4,
		PressureCheckInterval:    Duration(5 * time.Second),
		ReclusterInterval:        Duration(30 * time.Second),
		RetrainInterval:          Duration(time.Minute),
		ParallelThreshold:        1000,
		WorkerTimeout:            Duration(5 * time.Minute),
		ClusterK:                 8,
		HistorySize:              200,
		Thresholds: ThresholdConfig{
			Standard:   0.7,
			Aggressive: 0.85,
			Emergency:  0.95,
			Reduce:     0.9,
			Critical:   0.95,
			Increase:   0.5,
		},
		SOM: SOMConfig{Width: 10, Height: 10, LearningRate: 0.5, Tau: 1000},
	}
}

// DefaultPools returns the pool set used when none is configured, split from
// maxBytes: embedding 35%, vector 25%, cache 25%, cluster 10%, som 5%.
// Lower priorities are evicted first.
func DefaultPools(maxBytes int64) []PoolConfig {
	part := func(f float64) int64 { return int64(float64(maxBytes) * f) }
	return []PoolConfig{
		{ID: string(pool.KindEmbedding), Kind: string(pool.KindEmbedding), CapacityBytes: part(0.35), Priority: 4},
		{ID: string(pool.KindVector), Kind: string(pool.KindVector), CapacityBytes: part(0.25), Priority: 3},
		{ID: string(pool.KindCache), Kind: string(pool.KindCache), CapacityBytes: part(0.25), Priority: 1},
		{ID: string(pool.KindCluster), Kind: string(pool.KindCluster), CapacityBytes: part(0.10), Priority: 2},
		{ID: string(pool.KindSOM), Kind: string(pool.KindSOM), CapacityBytes: part(0.05), Priority: 2},
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// YAML renders the configuration with the effective pool set.
func (c Config) YAML() ([]byte, error) {
	c.Pools = c.EffectivePools()
	return yaml.Marshal(c)
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMemoryMB == 0 {
		c.MaxMemoryMB = d.MaxMemoryMB
	}
	if c.LODLevel == "" {
		c.LODLevel = d.LODLevel
	}
	if c.CacheStrategy == "" {
		c.CacheStrategy = d.CacheStrategy
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.PressureCheckInterval == 0 {
		c.PressureCheckInterval = d.PressureCheckInterval
	}
	if c.ReclusterInterval == 0 {
		c.ReclusterInterval = d.ReclusterInterval
	}
	if c.RetrainInterval == 0 {
		c.RetrainInterval = d.RetrainInterval
	}
	if c.ParallelThreshold == 0 {
		c.ParallelThreshold = d.ParallelThreshold
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = d.WorkerTimeout
	}
	if c.ClusterK == 0 {
		c.ClusterK = d.ClusterK
	}
	if c.HistorySize == 0 {
		c.HistorySize = d.HistorySize
	}
	if c.Thresholds == (ThresholdConfig{}) {
		c.Thresholds = d.Thresholds
	}
	if c.SOM == (SOMConfig{}) {
		c.SOM = d.SOM
	}
	return c
}

// MaxMemoryBytes returns MaxMemoryMB in bytes.
func (c Config) MaxMemoryBytes() int64 { return int64(c.MaxMemoryMB) << 20 }

// Workers returns MaxWorkers clamped to [1, NumCPU].
func (c Config) Workers() int {
	return max(1, min(c.MaxWorkers, runtime.NumCPU()))
}

// Level parses LODLevel. pinned is false for "auto".
func (c Config) Level() (level lod.Level, pinned bool, err error) {
	s := strings.ToLower(strings.TrimSpace(c.LODLevel))
	if s == "" || s == LODAuto {
		return lod.Medium, false, nil
	}
	level, err = lod.ParseLevel(s)
	return level, true, err
}

// EffectivePools returns Pools, or DefaultPools when the list is absent.
// An explicitly empty list registers no pools.
func (c Config) EffectivePools() []PoolConfig {
	if c.Pools != nil {
		return c.Pools
	}
	return DefaultPools(c.MaxMemoryBytes())
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.MaxMemoryMB <= 0 {
		return &ConfigError{Field: "max_memory_mb", Value: c.MaxMemoryMB, cause: ErrInvalidCapacity}
	}
	if _, _, err := c.Level(); err != nil {
		return &ConfigError{Field: "lod_level", Value: c.LODLevel, cause: err}
	}
	if _, err := orchestrator.ParseStrategy(c.CacheStrategy); err != nil {
		return &ConfigError{Field: "cache_strategy", Value: c.CacheStrategy, cause: err}
	}
	if c.MaxWorkers < 0 {
		return &ConfigError{Field: "max_workers", Value: c.MaxWorkers}
	}
	if c.ParallelThreshold < 0 {
		return &ConfigError{Field: "parallel_threshold", Value: c.ParallelThreshold}
	}
	if c.HistorySize < 0 {
		return &ConfigError{Field: "history_size", Value: c.HistorySize}
	}
	if c.ClusterK < 0 {
		return &ConfigError{Field: "cluster_k", Value: c.ClusterK}
	}
	if c.IOLimitBytesPerSec < 0 {
		return &ConfigError{Field: "io_limit_bytes_per_sec", Value: c.IOLimitBytesPerSec}
	}
	for name, d := range map[string]Duration{
		"pressure_check_interval": c.PressureCheckInterval,
		"recluster_interval":      c.ReclusterInterval,
		"retrain_interval":        c.RetrainInterval,
		"worker_timeout":          c.WorkerTimeout,
		"history_max_age":         c.HistoryMaxAge,
	} {
		if d < 0 {
			return &ConfigError{Field: name, Value: d.Std()}
		}
	}
	if err := c.Thresholds.validate(); err != nil {
		return err
	}
	if c.SOM.Width < 0 || c.SOM.Height < 0 || c.SOM.LearningRate < 0 || c.SOM.Tau < 0 {
		return &ConfigError{Field: "som", Value: c.SOM}
	}

	seen := make(map[string]struct{}, len(c.Pools))
	for i, p := range c.Pools {
		field := fmt.Sprintf("pools[%d]", i)
		if p.ID == "" {
			return &ConfigError{Field: field + ".id", Value: p.ID}
		}
		if _, dup := seen[p.ID]; dup {
			return &ConfigError{Field: field + ".id", Value: p.ID, cause: ErrPoolExists}
		}
		seen[p.ID] = struct{}{}
		if _, err := pool.ParseKind(p.Kind); err != nil {
			return &ConfigError{Field: field + ".kind", Value: p.Kind, cause: err}
		}
		if p.CapacityBytes < 0 {
			return &ConfigError{Field: field + ".capacity_bytes", Value: p.CapacityBytes, cause: ErrInvalidCapacity}
		}
	}

	names := make(map[string]struct{}, len(c.Layers))
	for i, l := range c.Layers {
		field := fmt.Sprintf("layers[%d]", i)
		if l.Name == "" {
			return &ConfigError{Field: field + ".name", Value: l.Name}
		}
		if _, dup := names[l.Name]; dup {
			return &ConfigError{Field: field + ".name", Value: l.Name, cause: tier.ErrLayerExists}
		}
		names[l.Name] = struct{}{}
		if _, err := tier.ParseKind(l.Kind); err != nil {
			return &ConfigError{Field: field + ".kind", Value: l.Kind, cause: err}
		}
		if l.CapacityBytes < 0 {
			return &ConfigError{Field: field + ".capacity_bytes", Value: l.CapacityBytes, cause: ErrInvalidCapacity}
		}
	}
	return nil
}

func (t ThresholdConfig) validate() error {
	for name, v := range map[string]float64{
		"standard": t.Standard, "aggressive": t.Aggressive, "emergency": t.Emergency,
		"reduce": t.Reduce, "critical": t.Critical, "increase": t.Increase,
	} {
		if v <= 0 {
			return &ConfigError{Field: "thresholds." + name, Value: v}
		}
	}
	if t.Standard >= t.Aggressive || t.Aggressive >= t.Emergency {
		return &ConfigError{Field: "thresholds", Value: t,
			cause: errors.New("standard < aggressive < emergency required")}
	}
	if t.Increase >= t.Reduce || t.Reduce > t.Critical {
		return &ConfigError{Field: "thresholds", Value: t,
			cause: errors.New("increase < reduce <= critical required")}
	}
	return nil
}

func (t ThresholdConfig) response() orchestrator.Thresholds {
	return orchestrator.Thresholds{Standard: t.Standard, Aggressive: t.Aggressive, Emergency: t.Emergency}
}

func (t ThresholdConfig) transitions() lod.Thresholds {
	return lod.Thresholds{Reduce: t.Reduce, Critical: t.Critical, Increase: t.Increase}
}
