// Package worker runs the background sampling loop: pull a frame pair, detect
// objects, attach center depth and publish the result as the new snapshot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/sensor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Config holds the loop timing
type Config struct {
	FrameTimeout         time.Duration // Max wait for one frame pair
	CycleDelay           time.Duration // Minimum pause between cycles
	StopTimeout          time.Duration // Max wait for the loop to exit on Stop
	MaxConsecutiveMisses int           // Misses before failing; 0 disables
}

// DefaultConfig returns the production timing
func DefaultConfig() Config {
	return Config{
		FrameTimeout:         time.Second,
		CycleDelay:           100 * time.Millisecond,
		StopTimeout:          2 * time.Second,
		MaxConsecutiveMisses: 50,
	}
}

// StartStatus is the non-error outcome of Start
type StartStatus string

const (
	Started        StartStatus = "started"
	AlreadyRunning StartStatus = "already_running"
)

// SourceFactory opens the frame source on first start.
type SourceFactory func(ctx context.Context) (sensor.FrameSource, error)

// Publisher receives every snapshot after it is stored. Publish must not
// block and must treat the detection slice as read-only.
type Publisher interface {
	Publish(snap snapshot.Snapshot)
}

// Deps are the collaborators of a Worker. Metrics and Clock are optional.
type Deps struct {
	Store       *snapshot.Store
	OpenSource  SourceFactory
	NewDetector detector.Factory
	Metrics     *metrics.Metrics
	Clock       clock.Clock
}

// Status is a point-in-time view of the worker
type Status struct {
	State               types.WorkerState `json:"state"`
	DetectorInitialized bool              `json:"detector_initialized"`
	LastError           string            `json:"last_error,omitempty"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	Cycles              uint64            `json:"cycles"`
}

// Worker owns the sampling loop lifecycle.
type Worker struct {
	cfg   Config
	deps  Deps
	clock clock.Clock
	m     *metrics.Metrics

	lifecycle sync.Mutex // serializes Start and Stop

	mu         sync.RWMutex
	state      types.WorkerState
	lastErr    error
	startedAt  time.Time
	cycles     uint64
	detector   detector.Detector
	source     sensor.FrameSource
	cancel     context.CancelFunc
	done       chan struct{}
	publishers []Publisher
}

// New creates a stopped worker
func New(cfg Config, deps Deps) *Worker {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	return &Worker{
		cfg:   cfg,
		deps:  deps,
		clock: deps.Clock,
		m:     deps.Metrics,
	}
}

// AddPublisher registers a sink for published snapshots
func (w *Worker) AddPublisher(p Publisher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publishers = append(w.publishers, p)
}

// State returns the current lifecycle state
func (w *Worker) State() types.WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// LastError returns the error that caused the most recent failure
func (w *Worker) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// DetectorInitialized reports whether the detector has been constructed
func (w *Worker) DetectorInitialized() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.detector != nil
}

// Status returns a snapshot of the worker's state
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Status{
		State:               w.state,
		DetectorInitialized: w.detector != nil,
		Cycles:              w.cycles,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	if !w.startedAt.IsZero() && w.state.Active() {
		t := w.startedAt
		s.StartedAt = &t
	}
	return s
}

// Start launches the sampling loop. It returns AlreadyRunning when the loop
// is starting or running, and a *ConfigurationError when the detector or
// frame source cannot be constructed (the worker then stays stopped).
func (w *Worker) Start() (StartStatus, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.State().Active() {
		return AlreadyRunning, nil
	}

	w.mu.RLock()
	prevDone := w.done
	w.mu.RUnlock()
	if prevDone != nil {
		timer := time.NewTimer(w.cfg.StopTimeout)
		select {
		case <-prevDone:
			timer.Stop()
		case <-timer.C:
			return "", ErrLoopDraining
		}
	}

	det, src, err := w.ensureResources(context.Background())
	if err != nil {
		logger.Error("Worker", "Start failed: %v", err)
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.mu.Lock()
	w.lastErr = nil
	w.cancel = cancel
	w.done = done
	w.startedAt = w.clock.Now()
	w.setStateLocked(types.StateStarting)
	w.mu.Unlock()

	w.m.WorkerStarts.Add(1)
	logger.Info("Worker", "Sampling loop starting")

	go w.run(ctx, done, det, src)
	return Started, nil
}

// Stop cancels the loop and waits up to the stop timeout for it to exit.
// Stopping a stopped worker is a no-op. A Failed worker becomes Stopped and
// keeps its last error. ErrStopTimeout is informational: the state is Stopped.
func (w *Worker) Stop() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.mu.Lock()
	cancel, done := w.cancel, w.done
	prev := w.state
	w.cancel = nil
	w.setStateLocked(types.StateStopped)
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	logger.Info("Worker", "Stopping sampling loop (was %s)", prev)

	timer := time.NewTimer(w.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info("Worker", "Sampling loop stopped")
		return nil
	case <-timer.C:
		logger.Warn("Worker", "Sampling loop did not exit within %v", w.cfg.StopTimeout)
		return ErrStopTimeout
	}
}

// Close stops the loop and releases the detector and frame source.
func (w *Worker) Close() error {
	stopErr := w.Stop()

	w.mu.Lock()
	det, src := w.detector, w.source
	w.detector, w.source = nil, nil
	w.mu.Unlock()

	err := stopErr
	if det != nil {
		if cerr := det.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close detector: %w", cerr))
		}
	}
	if src != nil {
		if cerr := src.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close frame source: %w", cerr))
		}
	}
	return err
}

func (w *Worker) ensureResources(ctx context.Context) (detector.Detector, sensor.FrameSource, error) {
	w.mu.RLock()
	det, src := w.detector, w.source
	w.mu.RUnlock()

	if det == nil {
		if w.deps.NewDetector == nil {
			return nil, nil, &ConfigurationError{Component: "detector", Err: errors.New("no detector configured")}
		}
		d, err := w.deps.NewDetector(ctx)
		if err != nil {
			return nil, nil, &ConfigurationError{Component: "detector", Err: err}
		}
		det = d
		logger.Info("Worker", "Detector initialized")
	}
	if src == nil {
		if w.deps.OpenSource == nil {
			return nil, nil, &ConfigurationError{Component: "sensor", Err: errors.New("no frame source configured")}
		}
		s, err := w.deps.OpenSource(ctx)
		if err != nil {
			// keep the detector so the next start only retries the sensor
			w.mu.Lock()
			w.detector = det
			w.mu.Unlock()
			return nil, nil, &ConfigurationError{Component: "sensor", Err: err}
		}
		src = s
	}

	w.mu.Lock()
	w.detector, w.source = det, src
	w.mu.Unlock()
	return det, src, nil
}

func (w *Worker) setStateLocked(s types.WorkerState) {
	if w.state != s {
		logger.Debug("Worker", "State %s -> %s", w.state, s)
	}
	w.state = s
	w.m.WorkerState.Store(int64(s))
}

// transition moves from -> to only if the worker is still in from.
func (w *Worker) transition(from, to types.WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.setStateLocked(to)
	return true
}

// fail records the failure unless the worker has already been stopped.
// Inference failures also drop the detector so the next start rebuilds it.
func (w *Worker) fail(stage Stage, err error) {
	failure := &WorkerFailure{Stage: stage, Err: err, At: w.clock.Now()}

	w.mu.Lock()
	if !w.state.Active() {
		w.mu.Unlock()
		return
	}
	w.lastErr = failure
	w.setStateLocked(types.StateFailed)
	var broken detector.Detector
	if stage != StageCapture {
		broken, w.detector = w.detector, nil
	}
	w.mu.Unlock()

	w.m.WorkerFailures.Add(1)
	logger.Error("Worker", "%v", failure)
	if broken != nil {
		if cerr := broken.Close(); cerr != nil {
			logger.Warn("Worker", "Closing failed detector: %v", cerr)
		}
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}, det detector.Detector, src sensor.FrameSource) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.fail(StagePanic, fmt.Errorf("%v", r))
		}
	}()

	misses := 0
	for {
		if ctx.Err() != nil {
			return
		}
		cycleStart := time.Now()

		color, depth, err := src.WaitForFramePair(ctx, w.cfg.FrameTimeout)
		if err == nil && (color == nil || depth == nil) {
			err = ErrSamplingMiss
		}
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrSamplingMiss):
			misses++
			w.m.SamplingMisses.Add(1)
			logger.Debug("Worker", "No frame pair within %v (%d in a row)", w.cfg.FrameTimeout, misses)
			if misses%10 == 0 {
				logger.Info("Worker", "%d consecutive sampling misses", misses)
			}
			if w.cfg.MaxConsecutiveMisses > 0 && misses >= w.cfg.MaxConsecutiveMisses {
				w.fail(StageCapture, fmt.Errorf("%w: %d consecutive misses", ErrSamplingStalled, misses))
				return
			}
			continue
		default:
			w.fail(StageCapture, err)
			return
		}
		misses = 0
		if w.transition(types.StateStarting, types.StateRunning) {
			logger.Info("Worker", "First frame pair received, running")
		}

		inferStart := time.Now()
		raw, err := det.Detect(ctx, color)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fail(StageInference, err)
			return
		}
		w.m.ObserveInference(time.Since(inferStart))

		capturedAt := color.Timestamp
		if capturedAt.IsZero() {
			capturedAt = w.clock.Now()
		}
		detections := w.enrich(det, raw, depth, capturedAt)

		version := w.deps.Store.Replace(detections, capturedAt)
		w.m.Cycles.Add(1)
		w.m.RecordSnapshot(version, len(detections), capturedAt)
		w.m.UpdateCycleLatency(time.Since(cycleStart))

		w.mu.Lock()
		w.cycles++
		publishers := w.publishers
		w.mu.Unlock()

		snap := snapshot.Snapshot{Detections: detections, CapturedAt: capturedAt, Version: version}
		for _, p := range publishers {
			p.Publish(snap)
		}

		if w.cfg.CycleDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(w.cfg.CycleDelay):
			}
		}
	}
}

func (w *Worker) enrich(det detector.Detector, raw []types.RawDetection, depth *types.DepthFrame, capturedAt time.Time) []types.Detection {
	out := make([]types.Detection, 0, len(raw))
	for _, r := range raw {
		if !r.BBox.Valid() {
			logger.Debug("Worker", "Normalizing inverted bbox for %s: %v", r.Class, r.BBox)
			r.BBox = r.BBox.Normalize()
		}
		cx, cy := r.BBox.Center()
		d := types.NewDetection(r, det.DepthAt(depth, cx, cy), capturedAt)
		if !d.DepthValid {
			w.m.DepthInvalid.Add(1)
			logger.Debug("Worker", "No usable depth for %s at (%d,%d)", r.Class, cx, cy)
		}
		out = append(out, d)
	}
	return out
}
