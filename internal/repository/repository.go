package repository

import (
	"context"
	"time"

	"github.com/splax/pipewatch/internal/domain"
)

// SnapshotRepository archives metrics snapshots.
type SnapshotRepository interface {
	InsertSnapshots(ctx context.Context, snapshots []domain.ArchivedSnapshot) error
	ListSnapshots(ctx context.Context, since time.Time, limit int) ([]domain.ArchivedSnapshot, error)
}

// ConnectionEventRepository archives connection state changes.
type ConnectionEventRepository interface {
	InsertConnectionEvents(ctx context.Context, events []domain.ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, limit int) ([]domain.ConnectionEvent, error)
}

// ArchiveRepository is the full archive store.
type ArchiveRepository interface {
	SnapshotRepository
	ConnectionEventRepository
}
