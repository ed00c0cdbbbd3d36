package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Record is one line of a recording file
type Record struct {
	Session    string            `json:"session"`
	Version    uint64            `json:"version"`
	CapturedAt time.Time         `json:"captured_at"`
	Count      int               `json:"count"`
	Detections []types.Detection `json:"detections"`
}

// Recorder writes published snapshots to a JSON-lines file
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	writer       *bufio.Writer
	filename     string
	basePath     string
	session      string
	recording    bool
	snapCount    uint64
	bytesWritten uint64
	startTime    time.Time
	snapChan     chan snapshot.Snapshot
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
}

// NewRecorder creates a new recorder writing under basePath
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath: basePath,
		metrics:  m,
	}
}

// Start starts recording to a new file and returns its path
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(r.basePath, fmt.Sprintf("recording_%s.jsonl", timestamp))

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.writer = bufio.NewWriter(file)
	r.filename = filename
	r.session = uuid.NewString()
	r.recording = true
	r.snapCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.snapChan = make(chan snapshot.Snapshot, 64)
	r.metrics.RecordingActive.Store(1)

	r.wg.Add(1)
	go r.writeSnapshots(r.snapChan)

	logger.Info("Recorder", "Recording to %s (session %s)", filename, r.session)
	return filename, nil
}

// Stop stops recording, flushes the file and returns its path
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.snapChan)
	r.mu.Unlock()

	// Wait for write goroutine to drain
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.RecordingActive.Store(0)

	if r.file != nil {
		if err := r.writer.Flush(); err != nil {
			return r.filename, fmt.Errorf("failed to flush file: %w", err)
		}
		if err := r.file.Sync(); err != nil {
			return r.filename, fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return r.filename, fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
		r.writer = nil
	}

	logger.Info("Recorder", "Stopped recording %s (%d snapshots)", r.filename, r.snapCount)
	return r.filename, nil
}

// Publish queues a snapshot for writing (non-blocking)
func (r *Recorder) Publish(snap snapshot.Snapshot) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return
	}

	select {
	case r.snapChan <- snap:
	default:
		r.metrics.RecorderDropped.Add(1)
	}
}

func (r *Recorder) writeSnapshots(ch <-chan snapshot.Snapshot) {
	defer r.wg.Done()
	for snap := range ch {
		r.writeSnapshot(snap)
	}
}

func (r *Recorder) writeSnapshot(snap snapshot.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return
	}

	line, err := json.Marshal(Record{
		Session:    r.session,
		Version:    snap.Version,
		CapturedAt: snap.CapturedAt,
		Count:      len(snap.Detections),
		Detections: snap.Detections,
	})
	if err != nil {
		logger.Warn("Recorder", "Marshal snapshot %d: %v", snap.Version, err)
		return
	}
	line = append(line, '\n')

	n, err := r.writer.Write(line)
	if err != nil {
		logger.Warn("Recorder", "Write snapshot %d: %v", snap.Version, err)
		return
	}

	r.bytesWritten += uint64(n)
	r.snapCount++
	r.metrics.RecorderWritten.Add(1)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	status := RecordingStatus{
		Recording:     r.recording,
		Filename:      r.filename,
		Session:       r.session,
		SnapshotCount: r.snapCount,
		BytesWritten:  r.bytesWritten,
		DurationMs:    duration.Milliseconds(),
	}
	if !r.startTime.IsZero() {
		t := r.startTime
		status.StartTime = &t
	}
	return status
}

// Close stops an active recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording     bool       `json:"recording"`
	Filename      string     `json:"filename,omitempty"`
	Session       string     `json:"session,omitempty"`
	SnapshotCount uint64     `json:"snapshot_count"`
	BytesWritten  uint64     `json:"bytes_written"`
	DurationMs    int64      `json:"duration_ms"`
	StartTime     *time.Time `json:"start_time,omitempty"`
}
