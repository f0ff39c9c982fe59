// Package archive persists the metrics feed: snapshots are buffered and
// written in batches, connection state changes are recorded as they happen.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/pipewatch/internal/domain"
	"github.com/splax/pipewatch/internal/repository"
	"github.com/splax/pipewatch/internal/service/realtime"
	"github.com/splax/pipewatch/pkg/metrics"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
	defaultMaxBuffered   = 5000
	writeTimeout         = 10 * time.Second
)

// ErrDisabled is returned by queries when no store is configured.
var ErrDisabled = errors.New("archive disabled")

// Service buffers feed output and flushes it to the repository. It
// implements realtime.Listener; the listener methods never block on I/O.
type Service struct {
	repo          repository.ArchiveRepository
	batchSize     int
	flushInterval time.Duration
	maxBuffered   int
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	mode      string
	snapshots []domain.ArchivedSnapshot
	events    []domain.ConnectionEvent
	dropped   int
	kick      chan struct{}
	once      sync.Once
	stop      context.CancelFunc
	done      chan struct{}
}

var _ realtime.Listener = (*Service)(nil)

// New constructs a Service. A nil repo yields a Service that discards
// everything and reports ErrDisabled on queries.
func New(repo repository.ArchiveRepository, logger *slog.Logger, batchSize int, flushInterval time.Duration) *Service {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:          repo,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxBuffered:   defaultMaxBuffered,
		logger:        logger.With("component", "archive"),
		now:           time.Now,
		kick:          make(chan struct{}, 1),
	}
}

// Enabled reports whether a store is configured.
func (s *Service) Enabled() bool { return s != nil && s.repo != nil }

// OnSnapshot queues a snapshot for the next batch.
func (s *Service) OnSnapshot(snap metrics.Snapshot) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if len(s.snapshots) >= s.maxBuffered {
		s.snapshots = s.snapshots[1:]
		s.dropped++
	}
	s.snapshots = append(s.snapshots, domain.ArchivedSnapshot{
		Mode:       s.mode,
		CapturedAt: snap.Time(),
		Snapshot:   snap,
		ReceivedAt: s.now().UTC(),
	})
	full := len(s.snapshots) >= s.batchSize
	s.mu.Unlock()
	if full {
		s.signal()
	}
}

// OnState queues a connection event.
func (s *Service) OnState(state realtime.State) {
	if !s.Enabled() {
		return
	}
	ev := domain.ConnectionEvent{
		Mode:       state.Mode,
		Status:     string(state.Status),
		Phase:      string(state.Phase),
		Attempt:    state.Attempt,
		OccurredAt: state.UpdatedAt,
	}
	if state.Error != nil {
		ev.ErrorKind = string(state.Error.Kind)
		ev.Message = state.Error.Message
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	s.mu.Lock()
	s.mode = state.Mode
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Service) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run flushes on every interval and whenever a batch fills. It blocks until
// ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.once.Do(func() {
		s.logger.Info("archive started", "batch_size", s.batchSize, "flush_interval", s.flushInterval)
	})
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			s.Flush(flushCtx)
			cancel()
			s.logger.Info("archive stopped")
			return
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.kick:
			s.Flush(ctx)
		}
	}
}

// Start runs the flush loop in the background until Close is called.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.stop, s.done = cancel, done
	s.mu.Unlock()
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Close stops the loop started by Start and returns once its final flush has
// been written.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Flush writes everything buffered. Failed batches are put back at the front
// of the buffer and retried on the next flush.
func (s *Service) Flush(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	snaps := s.snapshots
	events := s.events
	dropped := s.dropped
	s.snapshots = nil
	s.events = nil
	s.dropped = 0
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("archive buffer overflowed, oldest snapshots dropped", "dropped", dropped)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if len(events) > 0 {
		if err := s.repo.InsertConnectionEvents(writeCtx, events); err != nil {
			s.logger.Warn("failed to archive connection events", "error", err, "count", len(events))
			s.requeue(nil, events)
		}
	}
	for start := 0; start < len(snaps); start += s.batchSize {
		end := start + s.batchSize
		if end > len(snaps) {
			end = len(snaps)
		}
		if err := s.repo.InsertSnapshots(writeCtx, snaps[start:end]); err != nil {
			s.logger.Warn("failed to archive snapshots", "error", err, "count", len(snaps)-start)
			s.requeue(snaps[start:], nil)
			return
		}
	}
}

func (s *Service) requeue(snaps []domain.ArchivedSnapshot, events []domain.ConnectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(snaps) > 0 {
		merged := make([]domain.ArchivedSnapshot, 0, len(snaps)+len(s.snapshots))
		merged = append(merged, snaps...)
		merged = append(merged, s.snapshots...)
		if over := len(merged) - s.maxBuffered; over > 0 {
			merged = merged[over:]
			s.dropped += over
		}
		s.snapshots = merged
	}
	if len(events) > 0 {
		s.events = append(append(make([]domain.ConnectionEvent, 0, len(events)+len(s.events)), events...), s.events...)
	}
}

// Snapshots returns archived snapshots captured after since, oldest first.
func (s *Service) Snapshots(ctx context.Context, since time.Time, limit int) ([]domain.ArchivedSnapshot, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	return s.repo.ListSnapshots(ctx, since, limit)
}

// Events returns recent connection events, newest first.
func (s *Service) Events(ctx context.Context, limit int) ([]domain.ConnectionEvent, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	return s.repo.ListConnectionEvents(ctx, limit)
}
