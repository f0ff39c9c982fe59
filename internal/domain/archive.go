package domain

import (
	"time"

	"github.com/splax/pipewatch/pkg/metrics"
)

// ArchivedSnapshot is a metrics snapshot persisted for later inspection.
type ArchivedSnapshot struct {
	ID         int64
	Mode       string
	CapturedAt time.Time
	Snapshot   metrics.Snapshot
	ReceivedAt time.Time
}

// ConnectionEvent records a change of the metrics feed's connection state.
type ConnectionEvent struct {
	ID         int64
	Mode       string
	Status     string
	Phase      string
	Attempt    int
	ErrorKind  string
	Message    string
	OccurredAt time.Time
}
