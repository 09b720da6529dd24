package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for empty input, zero dimensions, non-finite
	// components or k <= 0.
	ErrInvalidInput = errors.New("invalid cluster input")
	// ErrNoClusters is returned by assignment queries over an empty cluster set.
	ErrNoClusters = errors.New("no clusters")
	// ErrWorkerTimeout is reported when parallel clustering exceeds its deadline.
	ErrWorkerTimeout = errors.New("cluster worker timeout")
	// ErrWorkerFailure is reported when parallel clustering fails or panics.
	ErrWorkerFailure = errors.New("cluster worker failure")
)

// DimensionMismatchError reports an embedding whose dimension differs from the first one.
type DimensionMismatchError struct {
	Index    int
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("invalid cluster input: item %d has dimension %d, expected %d", e.Index, e.Actual, e.Expected)
}

// Unwrap returns ErrInvalidInput.
func (e *DimensionMismatchError) Unwrap() error {
	return ErrInvalidInput
}
