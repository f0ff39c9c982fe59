package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/pipewatch/internal/domain"
	"github.com/splax/pipewatch/internal/service/realtime"
	"github.com/splax/pipewatch/pkg/logger"
	"github.com/splax/pipewatch/pkg/metrics"
)

type stubArchiveRepo struct {
	mu        sync.Mutex
	snapshots []domain.ArchivedSnapshot
	events    []domain.ConnectionEvent
	batches   []int
	failNext  error
}

func (r *stubArchiveRepo) InsertSnapshots(_ context.Context, snaps []domain.ArchivedSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	r.batches = append(r.batches, len(snaps))
	r.snapshots = append(r.snapshots, snaps...)
	return nil
}

func (r *stubArchiveRepo) ListSnapshots(_ context.Context, since time.Time, limit int) ([]domain.ArchivedSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ArchivedSnapshot, 0)
	for _, s := range r.snapshots {
		if s.CapturedAt.After(since) {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *stubArchiveRepo) InsertConnectionEvents(_ context.Context, events []domain.ConnectionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *stubArchiveRepo) ListConnectionEvents(_ context.Context, limit int) ([]domain.ConnectionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionEvent(nil), r.events...), nil
}

func (r *stubArchiveRepo) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots), len(r.events)
}

func TestFlushWritesInBatches(t *testing.T) {
	repo := &stubArchiveRepo{}
	svc := New(repo, logger.Discard(), 2, time.Minute)

	for i := 1; i <= 5; i++ {
		svc.OnSnapshot(metrics.Snapshot{Timestamp: float64(1700000000 + i)})
	}
	svc.Flush(context.Background())

	if len(repo.batches) != 3 || repo.batches[0] != 2 || repo.batches[2] != 1 {
		t.Fatalf("unexpected batch sizes %v", repo.batches)
	}
	if repo.snapshots[0].CapturedAt.Unix() != 1700000001 {
		t.Fatalf("expected captured_at from snapshot timestamp, got %v", repo.snapshots[0].CapturedAt)
	}
}

func TestFlushRequeuesOnFailure(t *testing.T) {
	repo := &stubArchiveRepo{failNext: errors.New("connection refused")}
	svc := New(repo, logger.Discard(), 10, time.Minute)
	svc.OnSnapshot(metrics.Snapshot{Timestamp: 1})
	svc.OnSnapshot(metrics.Snapshot{Timestamp: 2})

	svc.Flush(context.Background())
	if n, _ := repo.counts(); n != 0 {
		t.Fatalf("expected failed flush to write nothing, got %d", n)
	}
	svc.OnSnapshot(metrics.Snapshot{Timestamp: 3})
	svc.Flush(context.Background())

	if len(repo.snapshots) != 3 {
		t.Fatalf("expected requeued snapshots to be written, got %d", len(repo.snapshots))
	}
	for i, s := range repo.snapshots {
		if s.Snapshot.Timestamp != float64(i+1) {
			t.Fatalf("expected arrival order to be kept, got %v at %d", s.Snapshot.Timestamp, i)
		}
	}
}

func TestStateChangesBecomeEvents(t *testing.T) {
	repo := &stubArchiveRepo{}
	svc := New(repo, logger.Discard(), 10, time.Minute)
	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	svc.OnState(realtime.State{
		Mode:      realtime.ModeWebSocket,
		Status:    realtime.StatusErrored,
		Phase:     realtime.PhaseClosed,
		Attempt:   5,
		Error:     &realtime.Error{Kind: realtime.KindConnectionExhausted, Message: realtime.ExhaustedMessage},
		UpdatedAt: at,
	})
	svc.Flush(context.Background())

	events, err := svc.Events(context.Background(), 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Status != "error" || ev.ErrorKind != "connection_exhausted" || ev.Attempt != 5 || !ev.OccurredAt.Equal(at) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRunFlushesWhenBatchFills(t *testing.T) {
	repo := &stubArchiveRepo{}
	svc := New(repo, logger.Discard(), 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		svc.OnSnapshot(metrics.Snapshot{Timestamp: float64(i + 1)})
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := repo.counts(); n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected full batch to be flushed without waiting for the interval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	svc.OnSnapshot(metrics.Snapshot{Timestamp: 4})
	cancel()
	<-done
	if n, _ := repo.counts(); n != 4 {
		t.Fatalf("expected remaining snapshot flushed on shutdown, got %d", n)
	}
}

func TestDisabledArchive(t *testing.T) {
	svc := New(nil, logger.Discard(), 0, 0)
	svc.OnSnapshot(metrics.Snapshot{Timestamp: 1})
	svc.Flush(context.Background())
	if _, err := svc.Snapshots(context.Background(), time.Time{}, 10); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	svc.Run(context.Background())
}

func TestCloseWaitsForFinalFlush(t *testing.T) {
	repo := &stubArchiveRepo{}
	svc := New(repo, logger.Discard(), 100, time.Hour)
	svc.Start(context.Background())

	svc.OnSnapshot(metrics.Snapshot{Timestamp: 1700000001})
	svc.OnState(realtime.State{Mode: realtime.ModeWebSocket, Status: realtime.StatusDisconnected, Phase: realtime.PhaseIdle})
	svc.Close()

	snaps, events := repo.counts()
	if snaps != 1 || events != 1 {
		t.Fatalf("expected the final flush to land before Close returns, got %d snapshots and %d events", snaps, events)
	}
	svc.Close()
}
