package som

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/hupe1980/memgov/internal/compress"
)

// NumFeatures is the length of an extracted feature vector.
const NumFeatures = 8

// Feature indexes, in extraction order.
const (
	FeatureKeyHash = iota
	FeatureSize
	FeatureEntropy
	FeatureRecency
	FeaturePattern
	FeatureRelevance
	FeatureCompression
	FeatureKeySimilarity
)

const (
	sampleLimit    = 4096
	maxLogSize     = 30 // log2 of 1 GiB
	recencyHorizon = time.Hour
)

// Pattern classifies how an entry is accessed.
type Pattern int

const (
	PatternRandom Pattern = iota
	PatternLinear
	PatternBurst
	PatternFrequent
)

func (p Pattern) String() string {
	switch p {
	case PatternRandom:
		return "random"
	case PatternLinear:
		return "linear"
	case PatternBurst:
		return "burst"
	case PatternFrequent:
		return "frequent"
	default:
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Pattern) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Weight is the pattern's contribution to the priority score.
func (p Pattern) Weight() float64 {
	switch p {
	case PatternFrequent:
		return 1.0
	case PatternBurst:
		return 0.8
	case PatternLinear:
		return 0.6
	default:
		return 0.3
	}
}

// ClassifyPattern derives the access pattern from access times (unix millis,
// oldest first).
func ClassifyPattern(accesses []int64) Pattern {
	n := len(accesses)
	if n < 3 {
		return PatternRandom
	}

	intervals := make([]float64, n-1)
	var sum float64
	for i := 1; i < n; i++ {
		intervals[i-1] = float64(max(0, accesses[i]-accesses[i-1]))
		sum += intervals[i-1]
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	stddev := math.Sqrt(variance / float64(len(intervals)))

	// Recent intervals much shorter than the history.
	if n >= 4 {
		last := (intervals[len(intervals)-1] + intervals[len(intervals)-2]) / 2
		if mean > 0 && last < 0.1*mean {
			return PatternBurst
		}
	}
	if n >= 5 && mean <= 10_000 {
		return PatternFrequent
	}
	if mean > 0 && stddev/mean < 0.3 {
		return PatternLinear
	}
	return PatternRandom
}

// Input describes an entry for feature extraction.
type Input struct {
	Key        string
	Value      []byte
	Size       int64
	LastAccess time.Time
	Pattern    Pattern
	Relevance  float64
}

// Extract returns the NumFeatures-long feature vector of in.
func Extract(in Input, now time.Time, recent *RecentKeys) []float64 {
	f := make([]float64, NumFeatures)

	h := fnv.New64a()
	_, _ = h.Write([]byte(in.Key))
	f[FeatureKeyHash] = float64(h.Sum64()) / math.MaxUint64

	f[FeatureSize] = clamp01(math.Log2(1+float64(max(0, in.Size))) / maxLogSize)
	f[FeatureEntropy] = ByteEntropy(in.Value, sampleLimit) / 8

	age := now.Sub(in.LastAccess)
	f[FeatureRecency] = math.Exp(-max(0, age.Seconds()) / recencyHorizon.Seconds())

	f[FeaturePattern] = in.Pattern.Weight()
	f[FeatureRelevance] = clamp01(in.Relevance)
	f[FeatureCompression] = compress.EstimateBenefit(in.Value, sampleLimit)
	if recent != nil {
		f[FeatureKeySimilarity] = recent.Similarity(in.Key)
	}
	return f
}

// ByteEntropy returns the Shannon entropy of data in bits per byte (0..8),
// looking at most at limit bytes.
func ByteEntropy(data []byte, limit int) float64 {
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// PriorityScore combines pattern weight, relevance and SOM confidence.
func PriorityScore(p Pattern, relevance, confidence float64) float64 {
	return clamp01(0.4*p.Weight() + 0.35*clamp01(relevance) + 0.25*clamp01(confidence))
}
