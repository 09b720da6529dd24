package som

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// MapConfig configures a Map.
type MapConfig struct {
	Width  int
	Height int
	// Dim is the feature dimension. Zero means NumFeatures.
	Dim int
	// LearningRate is the initial learning rate lr0.
	LearningRate float64
	// Tau is the decay constant shared by learning rate and radius.
	Tau float64
	// Radius is the initial neighborhood radius. Zero means max(Width, Height)/2.
	Radius float64
	Seed   int64
}

// DefaultMapConfig returns a 10x10 map over NumFeatures features.
func DefaultMapConfig() MapConfig {
	return MapConfig{Width: 10, Height: 10, Dim: NumFeatures, LearningRate: 0.5, Tau: 1000}
}

// Result is the best-matching unit of an input.
type Result struct {
	ClusterID  int     `json:"clusterId"`
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"distance"`
}

// Map is a self-organizing map: a Width x Height grid of weight vectors.
type Map struct {
	mu      sync.RWMutex
	cfg     MapConfig
	weights []float64
	steps   int64
}

// NewMap creates a map with weights drawn uniformly from [0,1).
func NewMap(cfg MapConfig) *Map {
	def := DefaultMapConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.Dim <= 0 {
		cfg.Dim = NumFeatures
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.Tau <= 0 {
		cfg.Tau = def.Tau
	}
	if cfg.Radius <= 0 {
		cfg.Radius = float64(max(cfg.Width, cfg.Height)) / 2
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	weights := make([]float64, cfg.Width*cfg.Height*cfg.Dim)
	for i := range weights {
		weights[i] = rng.Float64()
	}
	return &Map{cfg: cfg, weights: weights}
}

// Nodes returns the number of grid nodes.
func (m *Map) Nodes() int { return m.cfg.Width * m.cfg.Height }

// Steps returns the number of training steps taken.
func (m *Map) Steps() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.steps
}

func (m *Map) decay() float64 {
	return math.Exp(-float64(m.steps) / m.cfg.Tau)
}

// LearningRate returns lr0 * e^(-t/tau).
func (m *Map) LearningRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.LearningRate * m.decay()
}

// Radius returns sigma0 * e^(-t/tau).
func (m *Map) Radius() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Radius * m.decay()
}

func (m *Map) check(x []float64) error {
	if len(x) != m.cfg.Dim {
		return fmt.Errorf("som: feature dimension %d, expected %d", len(x), m.cfg.Dim)
	}
	return nil
}

// bmu returns the index of the node closest to x and its Euclidean distance.
func (m *Map) bmu(x []float64) (int, float64) {
	dim := m.cfg.Dim
	best, bestDist := 0, math.Inf(1)
	for n := 0; n < m.Nodes(); n++ {
		w := m.weights[n*dim : (n+1)*dim]
		var d float64
		for i := range x {
			diff := x[i] - w[i]
			d += diff * diff
		}
		if d < bestDist {
			best, bestDist = n, d
		}
	}
	return best, math.Sqrt(bestDist)
}

// Classify returns the best-matching unit of x without training.
func (m *Map) Classify(x []float64) (Result, error) {
	if err := m.check(x); err != nil {
		return Result{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, d := m.bmu(x)
	return Result{ClusterID: n, Confidence: 1 / (1 + d), Distance: d}, nil
}

// Train finds the best-matching unit of x and pulls it and its grid
// neighbors within the current radius towards x.
func (m *Map) Train(x []float64) (Result, error) {
	if err := m.check(x); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, d := m.bmu(x)
	res := Result{ClusterID: n, Confidence: 1 / (1 + d), Distance: d}

	decay := m.decay()
	lr := m.cfg.LearningRate * decay
	sigma := m.cfg.Radius * decay
	bx, by := n%m.cfg.Width, n/m.cfg.Width

	dim := m.cfg.Dim
	for node := 0; node < m.Nodes(); node++ {
		dx := float64(node%m.cfg.Width - bx)
		dy := float64(node/m.cfg.Width - by)
		gridDist2 := dx*dx + dy*dy
		if node != n && gridDist2 > sigma*sigma {
			continue
		}
		h := 1.0
		if sigma > 0 {
			h = math.Exp(-gridDist2 / (2 * sigma * sigma))
		}
		w := m.weights[node*dim : (node+1)*dim]
		for i := range w {
			w[i] += lr * h * (x[i] - w[i])
		}
	}
	m.steps++
	return res, nil
}
