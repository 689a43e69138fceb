package collaboration

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"drive-collab/internal/crdt"
	"drive-collab/internal/logging"
	"drive-collab/internal/metrics"
	"drive-collab/internal/middleware"
	"drive-collab/internal/models"
)

// SnapshotFunc captures the current content of a room and its version.
type SnapshotFunc func() (models.DocumentSnapshot, crdt.Version)

// SaveFunc writes a snapshot to the durable store.
type SaveFunc func(ctx context.Context, snap models.DocumentSnapshot) error

/*
LEARNING: DEBOUNCED PERSISTENCE

Every accepted edit calls Touch, which restarts a timer. Only when the room
has been quiet for the debounce delay is the document written, so a burst of
keystrokes costs one save. Flush bypasses the timer for teardown and shutdown.
*/

// Scheduler debounces the saves of one room. Flushes never overlap.
type Scheduler struct {
	documentID string
	delay      time.Duration
	timeout    time.Duration
	snapshot   SnapshotFunc
	save       SaveFunc
	metrics    *metrics.Metrics
	logger     logging.Logger

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	lastSaved crdt.Version
	hasSaved  bool
	stopped   bool

	flushMu sync.Mutex
}

// NewScheduler creates a scheduler. timeout bounds the saves started by the
// debounce timer.
func NewScheduler(
	documentID string,
	delay, timeout time.Duration,
	snapshot SnapshotFunc,
	save SaveFunc,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		documentID: documentID,
		delay:      delay,
		timeout:    timeout,
		snapshot:   snapshot,
		save:       save,
		metrics:    m,
		logger:     logging.New("scheduler", "document", documentID),
	}
}

// Touch (re)starts the debounce timer.
func (s *Scheduler) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.fire(gen) })
}

// Pending reports whether a debounced save is scheduled.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// MarkSaved records v as already durable, e.g. the version a room was seeded
// with.
func (s *Scheduler) MarkSaved(v crdt.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSaved = v
	s.hasSaved = true
}

// LastSaved returns the last version known to be durable.
func (s *Scheduler) LastSaved() (crdt.Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved, s.hasSaved
}

// Flush cancels the pending timer and saves immediately.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.cancelTimer()
	return s.flush(ctx)
}

// Stop cancels the pending timer. Touch is ignored afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) cancelTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	// failures are logged by flush; the next edit schedules a retry
	_ = s.flush(ctx)
}

func (s *Scheduler) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	snap, version := s.snapshot()

	s.mu.Lock()
	unchanged := s.hasSaved && version.Equal(s.lastSaved)
	s.mu.Unlock()
	if unchanged {
		s.metrics.ObserveSave(metrics.SaveSkipped, 0)
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "Scheduler.Flush",
		attribute.String("document.id", s.documentID),
		attribute.String("document.version", snap.Version),
	)
	defer span.End()

	start := time.Now()
	err := s.save(ctx, snap)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		s.metrics.ObserveSave(metrics.SaveFailed, elapsed)
		s.logger.Errorw("failed to save document", "version", snap.Version, "error", err)
		return err
	}
	s.metrics.ObserveSave(metrics.SaveOK, elapsed)

	s.mu.Lock()
	s.lastSaved = version
	s.hasSaved = true
	s.mu.Unlock()

	s.logger.Debugw("document saved", "version", snap.Version, "seconds", elapsed)
	return nil
}
