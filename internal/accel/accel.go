// Package accel provides capability-gated distance kernels.
//
// Acceleration is an optimization, never a correctness dependency: the
// software kernel is always available and every accelerated kernel must
// produce the same results within float32 rounding.
package accel

import (
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Accelerator computes distances for the clustering and SOM hot loops.
type Accelerator interface {
	// Name identifies the kernel ("software", "unrolled").
	Name() string
	// CanAccelerate reports whether the kernel is faster than the software path.
	CanAccelerate() bool
	// SquaredL2 returns the squared Euclidean distance of two equal-length vectors.
	SquaredL2(a, b []float32) float32
}

// Software is the portable scalar kernel.
type Software struct{}

func (Software) Name() string        { return "software" }
func (Software) CanAccelerate() bool { return false }

func (Software) SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Unrolled is a 4-lane kernel that lets wide-issue cores overlap the
// independent accumulators. It is selected on CPUs with AVX2 or ASIMD.
type Unrolled struct{}

func (Unrolled) Name() string        { return "unrolled" }
func (Unrolled) CanAccelerate() bool { return true }

func (Unrolled) SquaredL2(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return s0 + s1 + s2 + s3
}

// Detect selects the best kernel for the running CPU.
// MEMGOV_ACCEL=software forces the portable kernel.
func Detect() Accelerator {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("MEMGOV_ACCEL")), "software") {
		return Software{}
	}
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX2 {
			return Unrolled{}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			return Unrolled{}
		}
	}
	return Software{}
}
