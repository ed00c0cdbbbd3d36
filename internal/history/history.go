// Package history persists published snapshots to PostgreSQL and finds past
// scenes with a similar class composition using pgvector.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/snapshot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// ErrEmptyScene is returned when searching with a signature that has no classes.
var ErrEmptyScene = errors.New("scene has no known classes")

// Config holds connection and write-rate settings
type Config struct {
	DSN         string
	QueueSize   int
	MinInterval time.Duration // Minimum spacing between persisted snapshots
}

// Match is a stored snapshot ranked by similarity
type Match struct {
	SnapshotID int64     `json:"snapshot_id"`
	Version    uint64    `json:"version"`
	CapturedAt time.Time `json:"captured_at"`
	Total      int       `json:"total_objects"`
	Similarity float64   `json:"similarity"`
}

// Store writes snapshots in the background
type Store struct {
	pool        *pgxpool.Pool
	queue       chan snapshot.Snapshot
	minInterval time.Duration
	metrics     *metrics.Metrics

	mu        sync.Mutex
	lastWrite time.Time

	runMu   sync.Mutex // guards closed and runners against Close
	closed  bool
	runners int
	wg      sync.WaitGroup
}

// Open connects, verifies the connection and creates the schema
func Open(ctx context.Context, cfg Config, m *metrics.Metrics) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Store{
		pool:        pool,
		queue:       make(chan snapshot.Snapshot, cfg.QueueSize),
		minInterval: cfg.MinInterval,
		metrics:     m,
	}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the tables if they do not exist
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			version BIGINT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			total_objects INTEGER NOT NULL,
			signature vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, len(detector.Labels)),
		`CREATE TABLE IF NOT EXISTS snapshot_detections (
			id BIGSERIAL PRIMARY KEY,
			snapshot_id BIGINT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			class TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			start_x INTEGER NOT NULL,
			start_y INTEGER NOT NULL,
			end_x INTEGER NOT NULL,
			end_y INTEGER NOT NULL,
			depth DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS snapshot_detections_class_idx ON snapshot_detections (class)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Publish queues a snapshot unless one was accepted within MinInterval.
// It never blocks; a full queue drops the snapshot.
func (s *Store) Publish(snap snapshot.Snapshot) {
	s.mu.Lock()
	if s.minInterval > 0 && snap.CapturedAt.Sub(s.lastWrite) < s.minInterval {
		s.mu.Unlock()
		return
	}
	s.lastWrite = snap.CapturedAt
	s.mu.Unlock()

	select {
	case s.queue <- snap:
	default:
		s.metrics.PublishDropped.Add(1)
	}
}

// Run writes queued snapshots until ctx is done. It returns at once if the
// store is already closed.
func (s *Store) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.closed {
		s.runMu.Unlock()
		return nil
	}
	s.runners++
	s.wg.Add(1)
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.runners--
		s.runMu.Unlock()
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-s.queue:
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.Insert(writeCtx, snap); err != nil {
				s.metrics.HistoryErrors.Add(1)
				logger.Warn("History", "Persist snapshot %d: %v", snap.Version, err)
			}
			cancel()
		}
	}
}

// Insert stores one snapshot and its detections in a transaction
func (s *Store) Insert(ctx context.Context, snap snapshot.Snapshot) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO snapshots (version, captured_at, total_objects, signature)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		int64(snap.Version), snap.CapturedAt, len(snap.Detections),
		pgvector.NewVector(Signature(snap.Detections))).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to store snapshot: %w", err)
	}

	if len(snap.Detections) > 0 {
		batch := &pgx.Batch{}
		for _, d := range snap.Detections {
			var depth *float64
			if d.DepthValid {
				v := d.Depth
				depth = &v
			}
			batch.Queue(
				`INSERT INTO snapshot_detections
				(snapshot_id, class, confidence, start_x, start_y, end_x, end_y, depth)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, d.Class, d.Confidence, d.BBox.StartX, d.BBox.StartY, d.BBox.EndX, d.BBox.EndY, depth)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("failed to store detections: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Similar returns stored snapshots closest to the given detections by cosine
// similarity of their class signatures
func (s *Store) Similar(ctx context.Context, detections []types.Detection, limit int) ([]Match, error) {
	sig := Signature(detections)
	if isZero(sig) {
		return nil, ErrEmptyScene
	}
	return s.similar(ctx, sig, limit)
}

// SimilarToClass returns snapshots dominated by one class
func (s *Store) SimilarToClass(ctx context.Context, class string, limit int) ([]Match, error) {
	idx := detector.LabelIndex(class)
	if idx < 0 {
		return nil, fmt.Errorf("%w: unknown class %q", ErrEmptyScene, class)
	}
	sig := make([]float32, len(detector.Labels))
	sig[idx] = 1
	return s.similar(ctx, sig, limit)
}

func (s *Store) similar(ctx context.Context, sig []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, version, captured_at, total_objects, 1 - (signature <=> $1) AS similarity
		FROM snapshots
		WHERE total_objects > 0
		ORDER BY signature <=> $1
		LIMIT $2`,
		pgvector.NewVector(sig), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar snapshots: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var version int64
		if err := rows.Scan(&m.SnapshotID, &version, &m.CapturedAt, &m.Total, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.Version = uint64(version)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close waits for running writers to return and closes the pool. Run calls
// made after Close do nothing.
func (s *Store) Close() {
	s.runMu.Lock()
	s.closed = true
	s.runMu.Unlock()

	s.wg.Wait()
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) activeRunners() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runners
}

// Signature is the L2-normalized class histogram of a detection list,
// indexed like detector.Labels. Unknown classes are ignored.
func Signature(detections []types.Detection) []float32 {
	sig := make([]float32, len(detector.Labels))
	for _, d := range detections {
		if i := detector.LabelIndex(d.Class); i > 0 {
			sig[i]++
		}
	}
	var norm float64
	for _, v := range sig {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return sig
	}
	norm = math.Sqrt(norm)
	for i := range sig {
		sig[i] = float32(float64(sig[i]) / norm)
	}
	return sig
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
