package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Synthetic generates frames without hardware: a horizontal color gradient
// and a depth ramp from 0.5 m at the top row to 4.5 m at the bottom.
type Synthetic struct {
	width, height int
	interval      time.Duration

	mu       sync.Mutex
	next     time.Time
	frameNum uint64
	closed   bool
}

// NewSynthetic creates a synthetic source paced at fps
func NewSynthetic(width, height, fps int) *Synthetic {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 30
	}
	return &Synthetic{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
	}
}

func (s *Synthetic) WaitForFramePair(ctx context.Context, timeout time.Duration) (*types.ColorFrame, *types.DepthFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	next := s.next
	s.mu.Unlock()

	if err := waitPace(ctx, next, timeout); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.next = now.Add(s.interval)
	s.frameNum++

	color := &types.ColorFrame{
		Data:      make([]byte, s.width*s.height*3),
		Format:    types.PixelFormatRGB24,
		Width:     s.width,
		Height:    s.height,
		Timestamp: now,
		FrameNum:  s.frameNum,
	}
	depth := &types.DepthFrame{
		Data:      make([]uint16, s.width*s.height),
		Width:     s.width,
		Height:    s.height,
		Scale:     0.001,
		Timestamp: now,
		FrameNum:  s.frameNum,
	}
	for y := 0; y < s.height; y++ {
		mm := uint16(500 + 4000*y/s.height)
		for x := 0; x < s.width; x++ {
			i := y*s.width + x
			color.Data[i*3] = byte(255 * x / s.width)
			color.Data[i*3+1] = byte(255 * y / s.height)
			color.Data[i*3+2] = byte(s.frameNum)
			depth.Data[i] = mm
		}
	}
	return color, depth, nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
