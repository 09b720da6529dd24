// Package lod implements the level-of-detail state machine.
//
// Exactly one level is active at a time. Evaluate moves at most one level per
// call unless pressure is above the critical threshold, which jumps straight
// to Low.
package lod

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Level is a level of detail. Higher values keep more detail.
type Level int

const (
	Low Level = iota
	Medium
	High
	Ultra
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Ultra:
		return "ultra"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "ultra":
		return Ultra, nil
	default:
		return 0, fmt.Errorf("unknown lod level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Features are the subsystems a level enables.
type Features struct {
	FullPrecision      bool `json:"fullPrecision"`
	SOM                bool `json:"som"`
	Prediction         bool `json:"prediction"`
	ParallelClustering bool `json:"parallelClustering"`
	ForceCompression   bool `json:"forceCompression"`
}

// Profile is the fixed configuration of a level.
type Profile struct {
	Level            Level    `json:"level"`
	MemoryFraction   float64  `json:"memoryFraction"`
	ObjectCap        int      `json:"objectCap"`
	QualityFactor    float64  `json:"qualityFactor"`
	CompressionRatio float64  `json:"compressionRatio"`
	Features         Features `json:"features"`
}

var profiles = [...]Profile{
	Low: {
		Level: Low, MemoryFraction: 0.25, ObjectCap: 5_000, QualityFactor: 0.5, CompressionRatio: 0.5,
		Features: Features{Prediction: true, ForceCompression: true},
	},
	Medium: {
		Level: Medium, MemoryFraction: 0.5, ObjectCap: 20_000, QualityFactor: 0.7, CompressionRatio: 0.7,
		Features: Features{SOM: true, Prediction: true, ParallelClustering: true},
	},
	High: {
		Level: High, MemoryFraction: 0.75, ObjectCap: 50_000, QualityFactor: 0.85, CompressionRatio: 0.85,
		Features: Features{SOM: true, Prediction: true, ParallelClustering: true},
	},
	Ultra: {
		Level: Ultra, MemoryFraction: 1, ObjectCap: 100_000, QualityFactor: 1, CompressionRatio: 1,
		Features: Features{FullPrecision: true, SOM: true, Prediction: true, ParallelClustering: true},
	},
}

// ProfileFor returns the profile of l. Out-of-range levels are clamped.
func ProfileFor(l Level) Profile {
	return profiles[max(Low, min(Ultra, l))]
}

// MemoryLimitBytes returns the budget of this level for a process limit.
func (p Profile) MemoryLimitBytes(maxBytes int64) int64 {
	return int64(float64(maxBytes) * p.MemoryFraction)
}

// BatchSize scales a base batch size by the quality factor (at least 1).
func (p Profile) BatchSize(base int) int {
	return max(1, int(float64(base)*p.QualityFactor))
}

// Thresholds drive automatic transitions.
type Thresholds struct {
	Reduce   float64 // pressure above Reduce drops one level
	Critical float64 // pressure above Critical jumps to Low
	Increase float64 // pressure below Increase raises one level
}

// DefaultThresholds returns the default transition thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Reduce: 0.9, Critical: 0.95, Increase: 0.5}
}

// Transition describes a level change.
type Transition struct {
	From     Level   `json:"from"`
	To       Level   `json:"to"`
	Pressure float64 `json:"pressure"`
	Forced   bool    `json:"forced"`
}

// Config configures a Controller.
type Config struct {
	// Initial is the starting level.
	Initial Level
	// Pinned disables automatic evaluation. Force still applies.
	Pinned     bool
	Thresholds Thresholds
	Logger     *slog.Logger
}

// Controller holds the active level.
type Controller struct {
	mu        sync.RWMutex
	level     Level
	pinned    bool
	th        Thresholds
	listeners []func(Transition)
	logger    *slog.Logger
}

// NewController creates a controller. Zero thresholds use the defaults.
func NewController(cfg Config) *Controller {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		level:  ProfileFor(cfg.Initial).Level,
		pinned: cfg.Pinned,
		th:     cfg.Thresholds,
		logger: cfg.Logger,
	}
}

// Level returns the active level.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// Profile returns the active profile.
func (c *Controller) Profile() Profile {
	return ProfileFor(c.Level())
}

// Pinned reports whether automatic evaluation is disabled.
func (c *Controller) Pinned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pinned
}

// OnTransition registers a listener called after every level change.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Next returns the level Evaluate would move to for pressure.
func (c *Controller) Next(current Level, pressure float64) Level {
	switch {
	case pressure > c.th.Critical:
		return Low
	case pressure > c.th.Reduce && current > Low:
		return current - 1
	case pressure < c.th.Increase && current < Ultra:
		return current + 1
	default:
		return current
	}
}

// Evaluate applies the transition rule for a pressure reading.
// It reports false when the level did not change.
func (c *Controller) Evaluate(pressure float64) (Transition, bool) {
	c.mu.Lock()
	if c.pinned {
		c.mu.Unlock()
		return Transition{}, false
	}
	from := c.level
	to := c.Next(from, pressure)
	if to == from {
		c.mu.Unlock()
		return Transition{}, false
	}
	c.level = to
	listeners := c.listeners
	c.mu.Unlock()

	t := Transition{From: from, To: to, Pressure: pressure}
	c.emit(t, listeners)
	return t, true
}

// Force sets the level regardless of pinning.
func (c *Controller) Force(level Level, pressure float64) (Transition, bool) {
	level = ProfileFor(level).Level

	c.mu.Lock()
	from := c.level
	if from == level {
		c.mu.Unlock()
		return Transition{}, false
	}
	c.level = level
	listeners := c.listeners
	c.mu.Unlock()

	t := Transition{From: from, To: level, Pressure: pressure, Forced: true}
	c.emit(t, listeners)
	return t, true
}

func (c *Controller) emit(t Transition, listeners []func(Transition)) {
	c.logger.Info("lod: transition",
		"from", t.From.String(),
		"to", t.To.String(),
		"pressure", t.Pressure,
		"forced", t.Forced,
	)
	for _, fn := range listeners {
		fn(t)
	}
}
