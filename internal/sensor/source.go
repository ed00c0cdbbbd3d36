// Package sensor delivers time-aligned color and depth frame pairs.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// ErrFrameUnavailable is returned when no frame pair arrived within the timeout.
// Callers treat it as a sampling miss and retry.
var ErrFrameUnavailable = errors.New("frame pair not available")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("frame source closed")

// FrameSource produces frame pairs. WaitForFramePair blocks for at most
// timeout and must be safe to call from a single goroutine at a time.
type FrameSource interface {
	WaitForFramePair(ctx context.Context, timeout time.Duration) (*types.ColorFrame, *types.DepthFrame, error)
	Close() error
}

// Kind selects a FrameSource implementation
type Kind string

const (
	KindSharedMemory Kind = "shm"
	KindReplay       Kind = "replay"
	KindSynthetic    Kind = "synthetic"
)

// Options configures Open
type Options struct {
	Kind       Kind
	ShmName    string
	ReplayDir  string
	Loop       bool
	FPS        int
	Width      int
	Height     int
	DepthScale float64 // meters per raw depth unit
}

// Open constructs the FrameSource selected by opts.Kind
func Open(ctx context.Context, opts Options) (FrameSource, error) {
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.DepthScale <= 0 {
		opts.DepthScale = 0.001
	}
	switch opts.Kind {
	case KindSharedMemory:
		src, err := OpenSharedMemory(ctx, opts.ShmName)
		if err != nil {
			return nil, err
		}
		return src, nil
	case KindReplay:
		return OpenReplay(opts.ReplayDir, opts.FPS, opts.Loop, opts.DepthScale)
	case KindSynthetic, "":
		return NewSynthetic(opts.Width, opts.Height, opts.FPS), nil
	default:
		return nil, fmt.Errorf("unknown sensor kind %q", opts.Kind)
	}
}

// waitPace sleeps until next or until the timeout or ctx expires.
// It returns ErrFrameUnavailable if next lies beyond the timeout.
func waitPace(ctx context.Context, next time.Time, timeout time.Duration) error {
	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	if timeout > 0 && d > timeout {
		d = timeout
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if time.Now().Before(next) {
		return ErrFrameUnavailable
	}
	return nil
}
