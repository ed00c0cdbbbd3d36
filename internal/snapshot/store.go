// Package snapshot holds the most recent detection list published by the worker.
package snapshot

import (
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Snapshot is an immutable view of one detection cycle.
type Snapshot struct {
	Detections []types.Detection
	CapturedAt time.Time
	Version    uint64
}

// Count returns the number of detections in the snapshot.
func (s Snapshot) Count() int {
	return len(s.Detections)
}

// Store keeps the latest snapshot. Replace swaps the whole list under the
// write lock and readers always receive their own copy, so a reader never
// observes a list mixing two cycles.
type Store struct {
	mu      sync.RWMutex
	current Snapshot
}

// NewStore returns an empty store (version 0, no detections).
func NewStore() *Store {
	return &Store{current: Snapshot{Detections: []types.Detection{}}}
}

// Replace publishes a new detection list and returns the new version.
func (s *Store) Replace(detections []types.Detection, capturedAt time.Time) uint64 {
	owned := make([]types.Detection, len(detections))
	copy(owned, detections)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Snapshot{
		Detections: owned,
		CapturedAt: capturedAt,
		Version:    s.current.Version + 1,
	}
	return s.current.Version
}

// Read returns a copy of the current detection list.
func (s *Store) Read() []types.Detection {
	return s.Snapshot().Detections
}

// Snapshot returns a copy of the current snapshot including its metadata.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.current
	out.Detections = make([]types.Detection, len(s.current.Detections))
	copy(out.Detections, s.current.Detections)
	return out
}

// Version returns the number of Replace calls so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Version
}
