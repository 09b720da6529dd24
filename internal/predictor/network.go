package predictor

import (
	"math"
	"math/rand"
)

const (
	numInputs  = 5
	numHidden  = 8
	numOutputs = 3
)

// Output indexes.
const (
	outNextUsage = iota
	outGrowth
	outHitRate
)

// network is a 5-8-3 feed-forward net with tanh hidden units and linear
// outputs. It is a value type; copying it copies all weights.
type network struct {
	W1 [numHidden][numInputs]float64
	B1 [numHidden]float64
	W2 [numOutputs][numHidden]float64
	B2 [numOutputs]float64
}

func newNetwork(seed int64) *network {
	rng := rand.New(rand.NewSource(seed))
	n := &network{}
	scale1 := 1 / math.Sqrt(numInputs)
	scale2 := 1 / math.Sqrt(numHidden)
	for i := range n.W1 {
		for j := range n.W1[i] {
			n.W1[i][j] = (rng.Float64()*2 - 1) * scale1
		}
	}
	for i := range n.W2 {
		for j := range n.W2[i] {
			n.W2[i][j] = (rng.Float64()*2 - 1) * scale2
		}
	}
	return n
}

func (n *network) forward(x [numInputs]float64) (h [numHidden]float64, y [numOutputs]float64) {
	for i := range h {
		sum := n.B1[i]
		for j := range x {
			sum += n.W1[i][j] * x[j]
		}
		h[i] = math.Tanh(sum)
	}
	for i := range y {
		sum := n.B2[i]
		for j := range h {
			sum += n.W2[i][j] * h[j]
		}
		y[i] = sum
	}
	return h, y
}

// step runs one SGD update on (x, target) and returns the squared error.
// Gradients are clipped element-wise to [-1, 1].
func (n *network) step(x [numInputs]float64, target [numOutputs]float64, lr float64) float64 {
	h, y := n.forward(x)

	var dy [numOutputs]float64
	var loss float64
	for i := range y {
		dy[i] = y[i] - target[i]
		loss += 0.5 * dy[i] * dy[i]
	}

	var dh [numHidden]float64
	for j := range h {
		var sum float64
		for i := range dy {
			sum += n.W2[i][j] * dy[i]
		}
		dh[j] = sum * (1 - h[j]*h[j])
	}

	for i := range dy {
		for j := range h {
			n.W2[i][j] -= lr * clip(dy[i]*h[j])
		}
		n.B2[i] -= lr * clip(dy[i])
	}
	for i := range dh {
		for j := range x {
			n.W1[i][j] -= lr * clip(dh[i]*x[j])
		}
		n.B1[i] -= lr * clip(dh[i])
	}
	return loss
}

func (n *network) finite() bool {
	for i := range n.W1 {
		for _, w := range n.W1[i] {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return false
			}
		}
	}
	for i := range n.W2 {
		for _, w := range n.W2[i] {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return false
			}
		}
	}
	return true
}

func clip(g float64) float64 {
	return math.Max(-1, math.Min(1, g))
}
