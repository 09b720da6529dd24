// Package predictor forecasts near-term memory demand from recorded samples.
//
// A small 5-8-3 network is trained on a rolling window and blended with a
// linear trend. Training runs on a copy of the weights; the last successful
// weight set is the one used for inference.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MinSamples is the number of samples needed before forecasts use the history.
const MinSamples = 5

var (
	// ErrUnderTrained is returned by Train when there are too few samples.
	// Predict never returns it; it reports low confidence instead.
	ErrUnderTrained = errors.New("predictor under-trained")
	// ErrDiverged is returned when training produced non-finite or exploding weights.
	ErrDiverged = errors.New("predictor training diverged")
)

// Optimization is a suggested action.
type Optimization struct {
	Kind             string `json:"kind"`
	Priority         int    `json:"priority"`
	EstimatedSavings int64  `json:"estimatedSavings"`
	Reason           string `json:"reason,omitempty"`
}

// Prediction is a forecast for a horizon.
type Prediction struct {
	HorizonMinutes       float64        `json:"horizonMinutes"`
	CurrentUsageBytes    int64          `json:"currentUsageBytes"`
	ExpectedUsageBytes   int64          `json:"expectedUsageBytes"`
	GrowthBytesPerMinute float64        `json:"growthBytesPerMinute"`
	ExpectedHitRate      float64        `json:"expectedHitRate"`
	Confidence           float64        `json:"confidence"`
	UnderTrained         bool           `json:"underTrained"`
	Recommendations      []string       `json:"recommendations"`
	Optimizations        []Optimization `json:"optimizations"`
}

// Config configures a Predictor.
type Config struct {
	// HistorySize bounds the sample ring.
	HistorySize int
	// MaxAge drops samples older than this on Prune.
	MaxAge time.Duration
	// CapacityBytes normalizes usage; usually the active memory budget.
	CapacityBytes int64
	LearningRate  float64
	Epochs        int
	Seed          int64
	Logger        *slog.Logger
}

// Predictor owns the sample history and the network.
type Predictor struct {
	cfg      Config
	history  *History
	net      atomic.Pointer[network]
	trained  atomic.Bool
	capacity atomic.Int64

	trainMu  sync.Mutex
	lastLoss atomic.Uint64
	logger   *slog.Logger
}

// New creates a predictor.
func New(cfg Config) *Predictor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.05
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Predictor{
		cfg:     cfg,
		history: NewHistory(cfg.HistorySize, cfg.MaxAge),
		logger:  cfg.Logger,
	}
	p.net.Store(newNetwork(cfg.Seed))
	p.capacity.Store(cfg.CapacityBytes)
	p.lastLoss.Store(math.Float64bits(math.NaN()))
	return p
}

// Record appends a sample.
func (p *Predictor) Record(s Sample) { p.history.Add(s) }

// Prune drops aged samples.
func (p *Predictor) Prune(now time.Time) int { return p.history.Prune(now) }

// History returns the sample ring.
func (p *Predictor) History() *History { return p.history }

// SetCapacity updates the normalization capacity.
func (p *Predictor) SetCapacity(bytes int64) { p.capacity.Store(bytes) }

// Trained reports whether at least one training run succeeded.
func (p *Predictor) Trained() bool { return p.trained.Load() }

// LastLoss returns the mean loss of the last successful training run (NaN if none).
func (p *Predictor) LastLoss() float64 { return math.Float64frombits(p.lastLoss.Load()) }

func (p *Predictor) capacityFor(samples []Sample) float64 {
	if c := p.capacity.Load(); c > 0 {
		return float64(c)
	}
	var peak int64 = 1
	for _, s := range samples {
		peak = max(peak, s.MemoryUsedBytes)
	}
	return float64(peak)
}

func minutesBetween(a, b Sample) float64 {
	return math.Max(float64(b.TimestampMs-a.TimestampMs)/60_000, 1.0/60)
}

// features maps samples[i] (with its predecessor) to network inputs.
func features(samples []Sample, i int, capacity float64) [numInputs]float64 {
	cur := samples[i]
	var opsRate, trend float64
	if i > 0 {
		prev := samples[i-1]
		mins := minutesBetween(prev, cur)
		opsRate = math.Tanh(float64(cur.OperationCount-prev.OperationCount) / mins / 1000)
		trend = clamp(float64(cur.MemoryUsedBytes-prev.MemoryUsedBytes)/mins/capacity, -1, 1)
	}
	return [numInputs]float64{
		clamp(float64(cur.MemoryUsedBytes)/capacity, 0, 2),
		opsRate,
		trend,
		clamp(cur.CacheHitRate, 0, 1),
		float64(cur.ClusterCount) / float64(1+cur.ClusterCount),
	}
}

func targets(samples []Sample, i int, capacity float64) [numOutputs]float64 {
	cur, next := samples[i], samples[i+1]
	mins := minutesBetween(cur, next)
	return [numOutputs]float64{
		outNextUsage: clamp(float64(next.MemoryUsedBytes)/capacity, 0, 2),
		outGrowth:    clamp(float64(next.MemoryUsedBytes-cur.MemoryUsedBytes)/mins/capacity, -1, 1),
		outHitRate:   clamp(next.CacheHitRate, 0, 1),
	}
}

// Train fits a copy of the current weights to the sample window and swaps it
// in on success. Cancellation or divergence leaves the previous weights intact.
func (p *Predictor) Train(ctx context.Context) error {
	if !p.trainMu.TryLock() {
		return nil // a run is already in progress
	}
	defer p.trainMu.Unlock()

	samples := p.history.Samples()
	if len(samples) < MinSamples {
		return fmt.Errorf("%w: %d of %d samples", ErrUnderTrained, len(samples), MinSamples)
	}
	capacity := p.capacityFor(samples)

	candidate := *p.net.Load()
	start := time.Now()

	var loss float64
	for epoch := 0; epoch < p.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			p.logger.Debug("predictor: training aborted", "epoch", epoch, "error", err)
			return err
		}
		loss = 0
		for i := 0; i+1 < len(samples); i++ {
			loss += candidate.step(features(samples, i, capacity), targets(samples, i, capacity), p.cfg.LearningRate)
		}
		loss /= float64(len(samples) - 1)

		if math.IsNaN(loss) || math.IsInf(loss, 0) || loss > 1e6 || !candidate.finite() {
			p.logger.Warn("predictor: training diverged, keeping previous weights", "epoch", epoch, "loss", loss)
			return ErrDiverged
		}
	}

	p.net.Store(&candidate)
	p.trained.Store(true)
	p.lastLoss.Store(math.Float64bits(loss))
	p.logger.Debug("predictor: trained", "samples", len(samples), "loss", loss, "duration", time.Since(start))
	return nil
}

// Predict forecasts usage horizonMinutes ahead. With fewer than MinSamples
// samples it returns the current usage with low confidence.
func (p *Predictor) Predict(horizonMinutes float64) Prediction {
	horizonMinutes = math.Max(0, horizonMinutes)
	samples := p.history.Samples()

	pred := Prediction{HorizonMinutes: horizonMinutes}
	if len(samples) > 0 {
		latest := samples[len(samples)-1]
		pred.CurrentUsageBytes = latest.MemoryUsedBytes
		pred.ExpectedHitRate = latest.CacheHitRate
	}

	if len(samples) < MinSamples {
		pred.ExpectedUsageBytes = pred.CurrentUsageBytes
		pred.Confidence = 0.1
		pred.UnderTrained = true
		pred.Recommendations = []string{
			fmt.Sprintf("collecting usage history (%d of %d samples)", len(samples), MinSamples),
		}
		return pred
	}

	capacity := p.capacityFor(samples)
	slope, fitErr := linearTrend(samples)
	current := float64(pred.CurrentUsageBytes)
	trendUsage := current + slope*horizonMinutes
	growth := slope

	confidence := math.Min(1, float64(len(samples))/float64(p.history.Cap())*2) * (1 - fitErr)
	expected := trendUsage

	if p.trained.Load() {
		_, y := p.net.Load().forward(features(samples, len(samples)-1, capacity))
		nnGrowth := y[outGrowth] * capacity
		nnUsage := current + nnGrowth*horizonMinutes
		expected = 0.5*nnUsage + 0.5*trendUsage
		growth = 0.5*nnGrowth + 0.5*slope
		pred.ExpectedHitRate = clamp(y[outHitRate], 0, 1)
	} else {
		pred.UnderTrained = true
		confidence *= 0.6
	}

	pred.ExpectedUsageBytes = int64(math.Max(0, expected))
	pred.GrowthBytesPerMinute = growth
	pred.Confidence = clamp(confidence, 0.2, 1)
	pred.Recommendations, pred.Optimizations = advise(pred, capacity)
	return pred
}

// linearTrend fits usage over time by least squares. It returns the slope in
// bytes per minute and a normalized fit error in [0,1).
func linearTrend(samples []Sample) (float64, float64) {
	n := float64(len(samples))
	t0 := samples[0].TimestampMs
	var sx, sy, sxx, sxy float64
	for _, s := range samples {
		x := float64(s.TimestampMs-t0) / 60_000
		y := float64(s.MemoryUsedBytes)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, 0.5
	}
	slope := (n*sxy - sx*sy) / den
	intercept := (sy - slope*sx) / n

	mean := sy / n
	var ssRes, ssTot float64
	for _, s := range samples {
		x := float64(s.TimestampMs-t0) / 60_000
		y := float64(s.MemoryUsedBytes)
		r := y - (intercept + slope*x)
		ssRes += r * r
		ssTot += (y - mean) * (y - mean)
	}
	if ssTot == 0 {
		return slope, 0
	}
	return slope, clamp(ssRes/ssTot, 0, 0.99)
}

func advise(pred Prediction, capacity float64) ([]string, []Optimization) {
	frac := float64(pred.ExpectedUsageBytes) / capacity
	var recs []string
	var opts []Optimization

	switch {
	case frac > 0.95:
		recs = append(recs, "expected usage exceeds the emergency threshold; lower the level of detail now")
		opts = append(opts, Optimization{
			Kind: "compress", Priority: 1,
			EstimatedSavings: int64(float64(pred.ExpectedUsageBytes) * 0.3),
			Reason:           "emergency pressure expected",
		})
	case frac > 0.85:
		recs = append(recs, "expected usage is high; compress low-priority pools")
		opts = append(opts, Optimization{
			Kind: "compress", Priority: 2,
			EstimatedSavings: int64(float64(pred.ExpectedUsageBytes) * 0.2),
			Reason:           "aggressive pressure expected",
		})
	case frac > 0.7:
		recs = append(recs, "expected usage is elevated; evict low-priority items")
		opts = append(opts, Optimization{
			Kind: "evict", Priority: 3,
			EstimatedSavings: int64(float64(pred.ExpectedUsageBytes) - 0.7*capacity),
			Reason:           "standard pressure expected",
		})
	case frac < 0.3:
		recs = append(recs, "plenty of headroom; a higher level of detail is affordable")
	}

	if pred.GrowthBytesPerMinute > 0 && frac > 0.5 {
		recs = append(recs, "memory is growing; schedule re-clustering to refresh placement")
		opts = append(opts, Optimization{Kind: "recluster", Priority: 4, Reason: "usage growing"})
	}
	if pred.ExpectedHitRate < 0.5 {
		recs = append(recs, "cache hit rate is low; reorganize the SOM cache")
		opts = append(opts, Optimization{Kind: "reorganize-cache", Priority: 5, Reason: "low hit rate"})
	}
	return recs, opts
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
