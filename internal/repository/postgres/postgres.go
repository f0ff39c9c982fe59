package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/pipewatch/internal/domain"
	"github.com/splax/pipewatch/internal/repository"
	"github.com/splax/pipewatch/pkg/metrics"
)

const (
	defaultListLimit = 300
	maxListLimit     = 5000
)

// Repository implements the archive on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.ArchiveRepository = (*Repository)(nil)

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InsertSnapshots stores a batch of snapshots in one round trip.
func (r *Repository) InsertSnapshots(ctx context.Context, snapshots []domain.ArchivedSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	const query = `INSERT INTO metric_snapshots (
		mode,
		captured_at,
		received_at,
		queue_size,
		current_fps,
		videos_generated,
		gpu_memory_allocated,
		payload
	) VALUES (
		$1,$2,COALESCE($3, NOW()),$4,$5,$6,$7,$8
	)`
	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		payload, err := json.Marshal(snap.Snapshot)
		if err != nil {
			return fmt.Errorf("%w: encode snapshot: %v", repository.ErrInvalidArgument, err)
		}
		mode := strings.TrimSpace(snap.Mode)
		if mode == "" {
			mode = "websocket"
		}
		captured := snap.CapturedAt
		if captured.IsZero() {
			captured = snap.Snapshot.Time()
		}
		batch.Queue(query,
			mode,
			captured.UTC(),
			nilTime(snap.ReceivedAt),
			snap.Snapshot.RTMP.QueueSize,
			snap.Snapshot.RTMP.CurrentFPS,
			snap.Snapshot.Generator.VideosGenerated,
			snap.Snapshot.GPUMemoryAllocated,
			payload,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range snapshots {
		if _, err := br.Exec(); err != nil {
			return translate(err)
		}
	}
	return nil
}

// ListSnapshots returns snapshots captured after since, oldest first.
func (r *Repository) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]domain.ArchivedSnapshot, error) {
	limit = clampLimit(limit)
	const query = `SELECT id, mode, captured_at, received_at, payload
	FROM (
		SELECT id, mode, captured_at, received_at, payload
		FROM metric_snapshots
		WHERE captured_at > $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2
	) recent
	ORDER BY captured_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.ArchivedSnapshot, 0)
	for rows.Next() {
		var (
			s       domain.ArchivedSnapshot
			payload []byte
		)
		if err := rows.Scan(&s.ID, &s.Mode, &s.CapturedAt, &s.ReceivedAt, &payload); err != nil {
			return nil, err
		}
		snap, err := metrics.Decode(payload, s.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("decode archived snapshot %d: %w", s.ID, err)
		}
		s.Snapshot = snap
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertConnectionEvents stores state changes.
func (r *Repository) InsertConnectionEvents(ctx context.Context, events []domain.ConnectionEvent) error {
	if len(events) == 0 {
		return nil
	}
	const query = `INSERT INTO connection_events (
		mode,
		status,
		phase,
		attempt,
		error_kind,
		message,
		occurred_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,COALESCE($7, NOW())
	)`
	batch := &pgx.Batch{}
	for _, ev := range events {
		if strings.TrimSpace(ev.Status) == "" {
			return fmt.Errorf("%w: status required", repository.ErrInvalidArgument)
		}
		batch.Queue(query,
			ev.Mode,
			ev.Status,
			ev.Phase,
			ev.Attempt,
			nilIfEmpty(ev.ErrorKind),
			nilIfEmpty(ev.Message),
			nilTime(ev.OccurredAt),
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return translate(err)
		}
	}
	return nil
}

// ListConnectionEvents returns the most recent state changes, newest first.
func (r *Repository) ListConnectionEvents(ctx context.Context, limit int) ([]domain.ConnectionEvent, error) {
	limit = clampLimit(limit)
	const query = `SELECT id, mode, status, phase, attempt, COALESCE(error_kind, ''), COALESCE(message, ''), occurred_at
	FROM connection_events
	ORDER BY occurred_at DESC, id DESC
	LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.ConnectionEvent, 0)
	for rows.Next() {
		var e domain.ConnectionEvent
		if err := rows.Scan(&e.ID, &e.Mode, &e.Status, &e.Phase, &e.Attempt, &e.ErrorKind, &e.Message, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "22P02", "23502":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
