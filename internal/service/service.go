// Package service is the boundary the request layer talks to. It combines
// the worker lifecycle, the snapshot store and the analysis functions.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/analysis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/worker"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// DefaultStreamInterval is the emission period of Stream
const DefaultStreamInterval = 500 * time.Millisecond

// Lifecycle is the part of the worker the service drives
type Lifecycle interface {
	Start() (worker.StartStatus, error)
	Stop() error
	Status() worker.Status
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	StreamInterval time.Duration
	Clock          clock.Clock
	Metrics        *metrics.Metrics
}

// Health reports liveness and worker state
type Health struct {
	Status              string            `json:"status"`
	Timestamp           time.Time         `json:"timestamp"`
	DetectorInitialized bool              `json:"detector_initialized"`
	DetectionRunning    bool              `json:"detection_running"`
	State               types.WorkerState `json:"state"`
	LastError           string            `json:"last_error,omitempty"`
	SnapshotVersion     uint64            `json:"snapshot_version"`
	SnapshotCapturedAt  *time.Time        `json:"snapshot_captured_at,omitempty"`
}

// StartResult is the outcome of Start: status is started, already_running or error
type StartResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StopResult is the outcome of Stop
type StopResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Warning string `json:"warning,omitempty"`
}

// DetectionList is the current snapshot with its size
type DetectionList struct {
	Detections []types.Detection `json:"detections"`
	Count      int               `json:"count"`
}

// QueryResult echoes the filter alongside the matches
type QueryResult struct {
	Query   analysis.Filter   `json:"query"`
	Results []types.Detection `json:"results"`
	Count   int               `json:"count"`
}

// Scene is a consistent view of one snapshot for context building
type Scene struct {
	Summary    types.Summary
	Detections []types.Detection
	Status     worker.Status
}

// Service is the facade over worker, store and analysis.
type Service struct {
	store  *snapshot.Store
	worker Lifecycle
	clock  clock.Clock
	hub    *hub

	closeOnce sync.Once
}

// New creates a Service and starts its stream hub
func New(store *snapshot.Store, w Lifecycle, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = DefaultStreamInterval
	}
	s := &Service{
		store:  store,
		worker: w,
		clock:  opts.Clock,
		hub:    newHub(store, opts.Clock, opts.Metrics, opts.StreamInterval),
	}
	s.hub.start()
	return s
}

// Health reports liveness. Status is "degraded" while the worker is failed.
func (s *Service) Health() Health {
	st := s.worker.Status()
	snap := s.store.Snapshot()

	h := Health{
		Status:              "healthy",
		Timestamp:           s.clock.Now(),
		DetectorInitialized: st.DetectorInitialized,
		DetectionRunning:    st.State.Active(),
		State:               st.State,
		LastError:           st.LastError,
		SnapshotVersion:     snap.Version,
	}
	if st.State == types.StateFailed {
		h.Status = "degraded"
	}
	if snap.Version > 0 {
		at := snap.CapturedAt
		h.SnapshotCapturedAt = &at
	}
	return h
}

// Status returns the worker status
func (s *Service) Status() worker.Status {
	return s.worker.Status()
}

// Start starts detection. Construction failures are reported in the result
// rather than as an error so callers can render them directly.
func (s *Service) Start() StartResult {
	status, err := s.worker.Start()
	if err != nil {
		return StartResult{Status: "error", Message: err.Error()}
	}
	switch status {
	case worker.AlreadyRunning:
		return StartResult{Status: string(status), Message: "Detection is already running"}
	default:
		return StartResult{Status: string(status), Message: "Detection started"}
	}
}

// Stop stops detection. It is idempotent.
func (s *Service) Stop() StopResult {
	res := StopResult{Status: "stopped", Message: "Detection stopped"}
	if err := s.worker.Stop(); err != nil {
		res.Warning = err.Error()
	}
	return res
}

// CurrentDetections returns a copy of the latest snapshot
func (s *Service) CurrentDetections() DetectionList {
	list := s.store.Read()
	return DetectionList{Detections: list, Count: len(list)}
}

// Summary aggregates the latest snapshot. Its timestamp is the snapshot's
// capture time, so a stalled worker shows up as a stale summary.
func (s *Service) Summary() types.Summary {
	snap := s.store.Snapshot()
	return analysis.Summarize(snap.Detections, s.summaryTime(snap))
}

// summaryTime is the capture time, or now before the first snapshot
func (s *Service) summaryTime(snap snapshot.Snapshot) time.Time {
	if snap.Version == 0 {
		return s.clock.Now()
	}
	return snap.CapturedAt
}

// Query filters the latest snapshot. Out-of-range filters wrap
// analysis.ErrInvalidFilter.
func (s *Service) Query(f analysis.Filter) (QueryResult, error) {
	if err := f.Validate(); err != nil {
		return QueryResult{}, err
	}
	results := analysis.Query(s.store.Read(), f)
	return QueryResult{Query: f, Results: results, Count: len(results)}, nil
}

// Scene returns summary and detections computed from the same snapshot
func (s *Service) Scene() Scene {
	snap := s.store.Snapshot()
	return Scene{
		Summary:    analysis.Summarize(snap.Detections, s.summaryTime(snap)),
		Detections: snap.Detections,
		Status:     s.worker.Status(),
	}
}

// Subscription is a live stream of events. Events is closed when the
// subscription ends.
type Subscription struct {
	ID     string
	Events <-chan *SerializedEvent

	cancel context.CancelFunc
}

// Close ends the subscription
func (sub *Subscription) Close() {
	sub.cancel()
}

// Stream subscribes to periodic snapshot events. The first event carries the
// current snapshot; later ones follow every stream interval. The subscription
// ends when ctx is done or Close is called.
func (s *Service) Stream(ctx context.Context) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	id, ch := s.hub.subscribe()
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		s.hub.unsubscribe(id)
	}()
	return &Subscription{ID: id, Events: ch, cancel: cancel}, nil
}

// Subscribers returns the number of active stream subscriptions
func (s *Service) Subscribers() int {
	return s.hub.clientCount()
}

// Close ends all subscriptions
func (s *Service) Close() error {
	s.closeOnce.Do(s.hub.close)
	return nil
}

// IsInvalidQuery reports whether err came from filter validation
func IsInvalidQuery(err error) bool {
	return errors.Is(err, analysis.ErrInvalidFilter)
}
