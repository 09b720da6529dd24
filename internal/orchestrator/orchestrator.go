// Package orchestrator runs the pressure control loop.
//
// A tick samples memory pressure, lets the level-of-detail controller react,
// applies a graduated pressure response to the pools and appends a usage
// sample for the predictor. Ticks never overlap.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memgov/internal/compress"
	"github.com/hupe1980/memgov/internal/events"
	"github.com/hupe1980/memgov/internal/lod"
	"github.com/hupe1980/memgov/internal/pool"
	"github.com/hupe1980/memgov/internal/predictor"
	"github.com/hupe1980/memgov/internal/resource"
	"github.com/hupe1980/memgov/internal/som"
)

// ErrTickInProgress is returned when a tick is requested while another runs.
var ErrTickInProgress = errors.New("orchestrator: tick already in progress")

// Strategy scales how much the pressure responses evict.
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyBalanced     Strategy = "balanced"
	StrategyConservative Strategy = "conservative"
)

// ParseStrategy parses a cache strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyAggressive, StrategyBalanced, StrategyConservative:
		return st, nil
	case "":
		return StrategyBalanced, nil
	default:
		return "", fmt.Errorf("orchestrator: unknown cache strategy %q", s)
	}
}

// Multiplier returns the eviction fraction multiplier of the strategy.
func (s Strategy) Multiplier() float64 {
	switch s {
	case StrategyAggressive:
		return 1.5
	case StrategyConservative:
		return 0.6
	default:
		return 1
	}
}

// Severity is the graduated pressure response that ran in a tick.
type Severity string

const (
	SeverityNone       Severity = ""
	SeverityStandard   Severity = "standard"
	SeverityAggressive Severity = "aggressive"
	SeverityEmergency  Severity = "emergency"
)

// Thresholds select the pressure response.
type Thresholds struct {
	Standard   float64
	Aggressive float64
	Emergency  float64
}

// DefaultThresholds returns the default response thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Standard: 0.7, Aggressive: 0.85, Emergency: 0.95}
}

// Severity classifies a pressure reading.
func (t Thresholds) Severity(pressure float64) Severity {
	switch {
	case pressure > t.Emergency:
		return SeverityEmergency
	case pressure > t.Aggressive:
		return SeverityAggressive
	case pressure > t.Standard:
		return SeverityStandard
	default:
		return SeverityNone
	}
}

const (
	standardFraction   = 0.10
	aggressiveFraction = 0.25
	emergencyFraction  = 0.50
)

// Counters are aggregate values sampled at the end of a tick.
type Counters struct {
	Operations   int64
	CacheHitRate float64
	Clusters     int
}

// Report summarizes a tick.
type Report struct {
	Time           time.Time       `json:"time"`
	Pressure       float64         `json:"pressure"`
	PressureAfter  float64         `json:"pressureAfter"`
	Level          lod.Level       `json:"level"`
	Transition     *lod.Transition `json:"transition,omitempty"`
	Severity       Severity        `json:"severity,omitempty"`
	EvictedBytes   int64           `json:"evictedBytes"`
	EvictedItems   int             `json:"evictedItems"`
	CompressedSave int64           `json:"compressedSavedBytes"`
	Purged         int             `json:"purged"`
	Duration       time.Duration   `json:"duration"`
}

// Config wires the loop to the components it drives. Registry and LOD are
// required; everything else is optional.
type Config struct {
	Registry  *pool.Registry
	LOD       *lod.Controller
	Resources *resource.Controller
	Cache     *som.Cache
	Predictor *predictor.Predictor
	Bus       *events.Bus

	// MaxMemoryBytes is the process limit the LOD memory fraction applies to.
	MaxMemoryBytes int64
	Thresholds     Thresholds
	Strategy       Strategy

	PressureInterval  time.Duration
	ReclusterInterval time.Duration
	RetrainInterval   time.Duration

	// Recluster runs a clustering pass over the pools.
	Recluster func(ctx context.Context) error
	// HealthCheck pings the cache layers.
	HealthCheck func(ctx context.Context)
	// Counters supplies the aggregate values recorded with each sample.
	Counters func() Counters
	// OnProfile is called after every level transition with the new profile.
	OnProfile func(lod.Profile)
	// OnTick observes every completed tick.
	OnTick func(Report)

	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator is the control loop.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	ticking atomic.Bool

	reclustering atomic.Bool
	training     atomic.Bool
	wg           sync.WaitGroup
}

// New creates the loop and subscribes it to level transitions.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil || cfg.LOD == nil {
		return nil, errors.New("orchestrator: registry and lod controller are required")
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyBalanced
	}
	if cfg.PressureInterval <= 0 {
		cfg.PressureInterval = 5 * time.Second
	}
	if cfg.ReclusterInterval <= 0 {
		cfg.ReclusterInterval = 30 * time.Second
	}
	if cfg.RetrainInterval <= 0 {
		cfg.RetrainInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	o := &Orchestrator{cfg: cfg, logger: cfg.Logger}
	cfg.LOD.OnTransition(o.applyTransition)
	cfg.Registry.OnEvict(o.publishEviction)
	o.applyProfile(cfg.LOD.Profile())
	return o, nil
}

// Pressure returns used bytes over the budget of the active level.
func (o *Orchestrator) Pressure() float64 {
	limit := o.cfg.LOD.Profile().MemoryLimitBytes(o.cfg.MaxMemoryBytes)
	used := o.cfg.Registry.Used()
	if limit <= 0 {
		if used > 0 {
			return 1
		}
		return 0
	}
	return float64(used) / float64(limit)
}

func (o *Orchestrator) applyProfile(p lod.Profile) {
	o.cfg.Registry.Scale(p.CompressionRatio)
	o.cfg.Resources.SetBudget(p.MemoryLimitBytes(o.cfg.MaxMemoryBytes))
	if o.cfg.Cache != nil {
		o.cfg.Cache.SetTraining(p.Features.SOM)
	}
	if o.cfg.OnProfile != nil {
		o.cfg.OnProfile(p)
	}
}

func (o *Orchestrator) applyTransition(t lod.Transition) {
	o.applyProfile(lod.ProfileFor(t.To))
	o.cfg.Bus.Publish(events.Event{
		Type:     events.LODChange,
		Time:     o.cfg.Now(),
		Level:    t.To.String(),
		Pressure: t.Pressure,
		Message:  fmt.Sprintf("%s -> %s", t.From, t.To),
		Data:     t,
	})
}

func (o *Orchestrator) publishEviction(ev pool.Eviction) {
	o.cfg.Bus.Publish(events.Event{
		Type:    events.Eviction,
		Time:    o.cfg.Now(),
		PoolID:  ev.PoolID,
		Keys:    ev.Keys,
		Bytes:   ev.Bytes,
		Message: ev.Reason,
	})
}

// Tick runs one control-loop iteration.
func (o *Orchestrator) Tick(ctx context.Context) (Report, error) {
	if !o.ticking.CompareAndSwap(false, true) {
		return Report{}, ErrTickInProgress
	}
	defer o.ticking.Store(false)

	start := o.cfg.Now()
	report := Report{Time: start}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Pressure = o.Pressure()

	if t, ok := o.cfg.LOD.Evaluate(report.Pressure); ok {
		report.Transition = &t
		if o.Pressure() > o.cfg.Thresholds.Standard {
			report.Purged = o.cleanup()
		}
	}

	pressure := o.Pressure()
	report.Severity = o.cfg.Thresholds.Severity(pressure)
	if report.Severity != SeverityNone {
		if err := o.respond(report.Severity, pressure, &report); err != nil {
			o.logger.Warn("pressure response incomplete", "severity", report.Severity, "error", err)
		}
	}

	report.PressureAfter = o.Pressure()
	report.Level = o.cfg.LOD.Level()

	o.sample(start)
	report.Duration = o.cfg.Now().Sub(start)

	o.cfg.Bus.Publish(events.Event{
		Type:     events.Tick,
		Time:     o.cfg.Now(),
		Level:    report.Level.String(),
		Pressure: report.PressureAfter,
		Data:     report,
	})
	if o.cfg.OnTick != nil {
		o.cfg.OnTick(report)
	}
	return report, nil
}

// cleanup drops expired cache entries after a transition left pressure high.
func (o *Orchestrator) cleanup() int {
	if o.cfg.Cache == nil {
		return 0
	}
	n := o.cfg.Cache.PurgeExpired()
	if n > 0 {
		o.logger.Info("post-transition cleanup", "purged", n)
	}
	return n
}

func (o *Orchestrator) fraction(base float64) float64 {
	return math.Min(1, base*o.cfg.Strategy.Multiplier())
}

// lowerHalf returns the lower-priority half of the pools, at least one.
func (o *Orchestrator) lowerHalf() []*pool.Pool {
	pools := o.cfg.Registry.ByPriority()
	if len(pools) == 0 {
		return nil
	}
	return pools[:max(1, len(pools)/2)]
}

func (o *Orchestrator) respond(sev Severity, pressure float64, report *Report) error {
	var errs []error
	evict := func(p *pool.Pool, frac float64) {
		ev := p.Evict(frac, "pressure:"+string(sev))
		report.EvictedBytes += ev.Bytes
		report.EvictedItems += len(ev.Keys)
	}
	compressPool := func(p *pool.Pool, enc compress.Encoding) {
		res, err := p.Compress(enc)
		if err != nil {
			errs = append(errs, err)
		}
		if res.Saved > 0 {
			report.CompressedSave += res.Saved
			o.cfg.Bus.Publish(events.Event{
				Type:    events.Compression,
				Time:    o.cfg.Now(),
				PoolID:  p.ID(),
				Bytes:   res.Saved,
				Message: enc.String(),
			})
		}
	}

	switch sev {
	case SeverityStandard:
		for _, p := range o.cfg.Registry.ByPriority() {
			if p.Used() > 0 {
				evict(p, o.fraction(standardFraction))
				break
			}
		}
	case SeverityAggressive:
		for _, p := range o.lowerHalf() {
			evict(p, o.fraction(aggressiveFraction))
			compressPool(p, compress.LZ4)
		}
	case SeverityEmergency:
		o.cfg.LOD.Force(lod.Low, pressure)
		for _, p := range o.lowerHalf() {
			evict(p, o.fraction(emergencyFraction))
		}
		for _, p := range o.cfg.Registry.Pools() {
			compressPool(p, compress.ZSTD)
			compressPool(p, compress.Int8)
		}
	}

	o.logger.Warn("pressure response",
		"severity", sev, "pressure", pressure, "level", o.cfg.LOD.Level(),
		"evicted_bytes", report.EvictedBytes, "compressed_saved", report.CompressedSave)
	o.cfg.Bus.Publish(events.Event{
		Type:     events.PressureResponse,
		Time:     o.cfg.Now(),
		Level:    o.cfg.LOD.Level().String(),
		Severity: string(sev),
		Pressure: pressure,
		Bytes:    report.EvictedBytes + report.CompressedSave,
	})
	return errors.Join(errs...)
}

func (o *Orchestrator) sample(now time.Time) {
	p := o.cfg.Predictor
	if p == nil {
		return
	}
	s := predictor.Sample{
		TimestampMs:     now.UnixMilli(),
		MemoryUsedBytes: o.cfg.Registry.Used(),
	}
	if o.cfg.Counters != nil {
		c := o.cfg.Counters()
		s.OperationCount = c.Operations
		s.CacheHitRate = c.CacheHitRate
		s.ClusterCount = c.Clusters
	}
	p.SetCapacity(o.cfg.LOD.Profile().MemoryLimitBytes(o.cfg.MaxMemoryBytes))
	p.Record(s)
	p.Prune(now)
}

// Recluster runs the clustering pass and reorganizes the SOM cache. It is a
// no-op while a previous pass is still running.
func (o *Orchestrator) Recluster(ctx context.Context) error {
	if !o.reclustering.CompareAndSwap(false, true) {
		return nil
	}
	defer o.reclustering.Store(false)

	var err error
	if o.cfg.Recluster != nil {
		err = o.cfg.Recluster(ctx)
	}
	if o.cfg.Cache != nil && o.cfg.LOD.Profile().Features.SOM {
		if n := o.cfg.Cache.Reorganize(); n > 0 {
			o.logger.Debug("som cache reorganized", "entries", n)
		}
	}
	if o.cfg.HealthCheck != nil {
		o.cfg.HealthCheck(ctx)
	}
	return err
}

// Retrain trains the predictor when the active level enables prediction.
func (o *Orchestrator) Retrain(ctx context.Context) error {
	p := o.cfg.Predictor
	if p == nil || !o.cfg.LOD.Profile().Features.Prediction {
		return nil
	}
	if !o.training.CompareAndSwap(false, true) {
		return nil
	}
	defer o.training.Store(false)

	err := p.Train(ctx)
	switch {
	case err == nil:
		o.logger.Debug("predictor trained", "loss", p.LastLoss(), "samples", p.History().Len())
	case errors.Is(err, predictor.ErrUnderTrained):
		err = nil
	default:
		o.logger.Warn("predictor training discarded", "error", err)
	}
	return err
}

// Run drives the pressure, recluster and retrain tickers until ctx is done.
// Recluster and retrain passes run in the background so pressure checks keep
// their period.
func (o *Orchestrator) Run(ctx context.Context) error {
	pressure := time.NewTicker(o.cfg.PressureInterval)
	defer pressure.Stop()
	recluster := time.NewTicker(o.cfg.ReclusterInterval)
	defer recluster.Stop()
	retrain := time.NewTicker(o.cfg.RetrainInterval)
	defer retrain.Stop()

	defer o.wg.Wait()

	o.logger.Info("control loop started",
		"pressure_interval", o.cfg.PressureInterval,
		"recluster_interval", o.cfg.ReclusterInterval,
		"retrain_interval", o.cfg.RetrainInterval)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("control loop stopped")
			return nil
		case <-pressure.C:
			if _, err := o.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
				o.logger.Error("tick failed", "error", err)
			}
		case <-recluster.C:
			o.background(ctx, "recluster", o.Recluster)
		case <-retrain.C:
			o.background(ctx, "retrain", o.Retrain)
		}
	}
}

func (o *Orchestrator) background(ctx context.Context, name string, fn func(context.Context) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("background pass failed", "pass", name, "error", err)
		}
	}()
}
