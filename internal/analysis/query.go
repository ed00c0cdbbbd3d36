package analysis

import (
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// DefaultMinConfidence applies when a query does not set a confidence floor.
const DefaultMinConfidence = 0.5

// ErrInvalidFilter is returned by Filter.Validate for out-of-range parameters.
var ErrInvalidFilter = errors.New("invalid query filter")

// Filter selects detections. An empty Class matches every class and a nil
// MaxDepth disables the distance bound.
type Filter struct {
	Class         string   `json:"class,omitempty"`
	MinConfidence float64  `json:"min_confidence"`
	MaxDepth      *float64 `json:"max_depth,omitempty"`
}

// NewFilter returns a filter with the default confidence floor.
func NewFilter() Filter {
	return Filter{MinConfidence: DefaultMinConfidence}
}

// Validate checks the filter's numeric ranges.
func (f Filter) Validate() error {
	if math.IsNaN(f.MinConfidence) || f.MinConfidence < 0 || f.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be within [0, 1], got %v", ErrInvalidFilter, f.MinConfidence)
	}
	if f.MaxDepth != nil && (math.IsNaN(*f.MaxDepth) || *f.MaxDepth < 0) {
		return fmt.Errorf("%w: max_depth must be a non-negative number, got %v", ErrInvalidFilter, *f.MaxDepth)
	}
	return nil
}

// Match reports whether a single detection passes the filter. Detections
// without a valid depth never pass a MaxDepth bound.
func (f Filter) Match(d types.Detection) bool {
	if f.Class != "" && d.Class != f.Class {
		return false
	}
	if d.Confidence < f.MinConfidence {
		return false
	}
	if f.MaxDepth != nil && (!d.DepthValid || d.Depth > *f.MaxDepth) {
		return false
	}
	return true
}

// Query returns the detections that pass the filter, in input order.
func Query(detections []types.Detection, f Filter) []types.Detection {
	return lo.Filter(detections, func(d types.Detection, _ int) bool {
		return f.Match(d)
	})
}
