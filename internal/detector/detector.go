// Package detector turns color frames into labeled bounding boxes and reads
// distances from aligned depth maps.
package detector

import (
	"context"
	"errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// ErrModelMissing is returned when configured model artifacts are absent.
var ErrModelMissing = errors.New("model artifacts missing")

// Detector runs object detection on color frames.
type Detector interface {
	// Detect returns detections with pixel bounding boxes in frame coordinates.
	Detect(ctx context.Context, frame *types.ColorFrame) ([]types.RawDetection, error)
	// DepthAt returns the distance in meters at (x, y), or NaN when unknown.
	DepthAt(depth *types.DepthFrame, x, y int) float64
	Close() error
}

// Factory constructs a Detector. It is called lazily on the first start.
type Factory func(ctx context.Context) (Detector, error)

// ScoreFilter drops detections below min confidence.
func ScoreFilter(min float64) func([]types.RawDetection) []types.RawDetection {
	return func(in []types.RawDetection) []types.RawDetection {
		out := in[:0:0]
		for _, d := range in {
			if d.Confidence >= min {
				out = append(out, d)
			}
		}
		return out
	}
}
