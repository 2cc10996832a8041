package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid registration config")
	// ErrInvalidIndices means an index subset does not fit its cloud.
	ErrInvalidIndices = errors.New("invalid index subset")
	// ErrMissingNormals is returned by estimators that need target normals.
	ErrMissingNormals = errors.New("target normals required")
	// ErrDegenerateEstimate means the pairs do not determine a rigid transform.
	ErrDegenerateEstimate = errors.New("degenerate correspondence set")
	// ErrDegenerateFit means sample consensus found no usable model. The
	// registration loop recovers from it by keeping the unfiltered set.
	ErrDegenerateFit = errors.New("no consensus model")
)

// NeighborSearchError reports a source point with no nearest neighbor.
type NeighborSearchError struct {
	PointIndex int
}

func (e *NeighborSearchError) Error() string {
	return fmt.Sprintf("no nearest neighbor found for source point %d", e.PointIndex)
}

// InsufficientCorrespondencesError reports too few correspondences to estimate a transform.
type InsufficientCorrespondencesError struct {
	Actual   int
	Required int
}

func (e *InsufficientCorrespondencesError) Error() string {
	return fmt.Sprintf("insufficient correspondences: have %d, need %d", e.Actual, e.Required)
}

// EstimationError wraps a failure of the transformation estimator.
type EstimationError struct {
	Iteration int
	Err       error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimating transform at iteration %d: %v", e.Iteration, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }
