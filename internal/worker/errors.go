package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/sensor"
)

var (
	// ErrSamplingMiss marks a cycle in which no frame pair arrived in time.
	// It is retried and only surfaces through metrics.
	ErrSamplingMiss = sensor.ErrFrameUnavailable

	// ErrSamplingStalled is the cause of a failure after too many consecutive misses.
	ErrSamplingStalled = errors.New("sampling stalled")

	// ErrStopTimeout is returned by Stop when the loop did not exit in time.
	// The worker is still reported as stopped.
	ErrStopTimeout = errors.New("sampling loop did not exit within the stop timeout")

	// ErrLoopDraining is returned by Start while a previous loop is still exiting.
	ErrLoopDraining = errors.New("previous sampling loop is still exiting")
)

// ConfigurationError reports that the detector or frame source could not be
// constructed. The worker stays stopped and a later Start retries.
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s configuration: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Stage names the part of a cycle that failed
type Stage string

const (
	StageCapture   Stage = "capture"
	StageInference Stage = "inference"
	StagePanic     Stage = "panic"
)

// WorkerFailure is the error that moved the worker to the failed state.
type WorkerFailure struct {
	Stage Stage
	Err   error
	At    time.Time
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("worker failed during %s: %v", e.Stage, e.Err)
}

func (e *WorkerFailure) Unwrap() error { return e.Err }
