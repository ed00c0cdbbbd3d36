package detector

import (
	"context"
	"sync/atomic"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Synthetic returns a fixed scene on every call. Boxes are clipped to the frame.
type Synthetic struct {
	scene  []types.RawDetection
	calls  atomic.Uint64
	closed atomic.Bool
}

// DefaultScene is a person standing next to a chair in a 640x480 frame.
var DefaultScene = []types.RawDetection{
	{Class: "person", Confidence: 0.92, BBox: types.BoundingBox{StartX: 120, StartY: 60, EndX: 280, EndY: 420}},
	{Class: "chair", Confidence: 0.71, BBox: types.BoundingBox{StartX: 380, StartY: 220, EndX: 540, EndY: 460}},
}

// NewSynthetic returns a detector that reports scene, or DefaultScene when empty.
func NewSynthetic(scene []types.RawDetection) *Synthetic {
	if len(scene) == 0 {
		scene = DefaultScene
	}
	return &Synthetic{scene: scene}
}

func (s *Synthetic) Detect(ctx context.Context, frame *types.ColorFrame) ([]types.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)
	out := make([]types.RawDetection, 0, len(s.scene))
	for _, d := range s.scene {
		d.BBox = clip(d.BBox, frame.Width, frame.Height)
		out = append(out, d)
	}
	return out, nil
}

func (s *Synthetic) DepthAt(depth *types.DepthFrame, x, y int) float64 {
	return CenterDepth(depth, x, y)
}

// Calls returns the number of Detect invocations.
func (s *Synthetic) Calls() uint64 {
	return s.calls.Load()
}

func (s *Synthetic) Close() error {
	s.closed.Store(true)
	return nil
}

func clip(b types.BoundingBox, w, h int) types.BoundingBox {
	c := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if hi > 0 && v > hi-1 {
			return hi - 1
		}
		return v
	}
	return types.BoundingBox{StartX: c(b.StartX, w), StartY: c(b.StartY, h), EndX: c(b.EndX, w), EndY: c(b.EndY, h)}
}
