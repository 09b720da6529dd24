package accel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKernelsAgree(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7}
	b := []float32{7, 6, 5, 4, 3, 2, 1}

	want := Software{}.SquaredL2(a, b)
	assert.InDelta(t, 112, want, 1e-6)
	assert.InDelta(t, want, Unrolled{}.SquaredL2(a, b), 1e-4)
}

func TestDetect_ForcedSoftware(t *testing.T) {
	t.Setenv("MEMGOV_ACCEL", "software")

	acc := Detect()
	assert.Equal(t, "software", acc.Name())
	assert.False(t, acc.CanAccelerate())
}

func TestDetect_AlwaysUsable(t *testing.T) {
	acc := Detect()
	assert.NotNil(t, acc)
	assert.Zero(t, acc.SquaredL2([]float32{1, 1}, []float32{1, 1}))
}
