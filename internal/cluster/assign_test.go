package cluster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov/internal/accel"
)

func sampleClusters() []Metrics {
	return []Metrics{
		{ID: "a", Centroid: []float32{0, 0}},
		{ID: "b", Centroid: []float32{10, 0}},
		{ID: "c", Centroid: []float32{0, 10}},
	}
}

func TestAssign(t *testing.T) {
	ms := sampleClusters()

	m, err := Assign(ms, []float32{9, 1}, accel.Software{}.SquaredL2)
	require.NoError(t, err)
	assert.Equal(t, "b", m.ID)

	// A nil distance falls back to squared L2.
	m, err = Assign(ms, []float32{1, 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, "c", m.ID)
}

func TestNearest(t *testing.T) {
	ms := sampleClusters()

	got, err := Nearest(ms, []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got, err = Nearest(ms, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestAssign_InvalidInput(t *testing.T) {
	ms := sampleClusters()

	tests := []struct {
		name      string
		ms        []Metrics
		embedding []float32
		want      error
	}{
		{"no clusters", nil, []float32{1, 1}, ErrNoClusters},
		{"empty embedding", ms, nil, ErrInvalidInput},
		{"dimension", ms, []float32{1, 1, 1}, ErrInvalidInput},
		{"nan", ms, []float32{float32(math.NaN()), 0}, ErrInvalidInput},
		{"inf", ms, []float32{0, float32(math.Inf(-1))}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assign(tt.ms, tt.embedding, nil)
			assert.ErrorIs(t, err, tt.want)
			_, err = Nearest(tt.ms, tt.embedding, 1, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Nearest(ms, []float32{1, 1}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	var dm *DimensionMismatchError
	_, err = Assign(ms, []float32{1}, nil)
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 0, dm.Index)
}

func TestAssign_LargeMagnitudes(t *testing.T) {
	ms := []Metrics{
		{ID: "neg", Centroid: []float32{-3e19, 0}},
		{ID: "pos", Centroid: []float32{3e19, 0}},
	}
	// Squared distances overflow float32 to +Inf for both clusters.
	assert.NotPanics(t, func() {
		m, err := Assign(ms, []float32{0, 3e19}, nil)
		require.NoError(t, err)
		assert.Equal(t, "neg", m.ID)
	})
}
