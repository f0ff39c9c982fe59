// Package realtime keeps a live view of the pipeline's metrics. A Session
// streams frames over a token-gated transport and recovers from drops with
// bounded exponential backoff; a Poller fetches the same snapshots on a fixed
// period. Both expose the same read-only view: the latest snapshot, a bounded
// history and the connection state.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/splax/pipewatch/pkg/metrics"
)

// Status is the externally observed connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusErrored      Status = "error"
)

// Phase is the reconnection state machine position.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

// ErrorKind classifies the last error.
type ErrorKind string

const (
	KindAuthFailure         ErrorKind = "auth_failure"
	KindTransport           ErrorKind = "transport_error"
	KindProtocol            ErrorKind = "protocol_error"
	KindFetch               ErrorKind = "fetch_error"
	KindConnectionExhausted ErrorKind = "connection_exhausted"
	KindRemote              ErrorKind = "remote_error"
)

var (
	ErrAuthFailure         = errors.New("auth failure")
	ErrTransport           = errors.New("transport error")
	ErrProtocol            = errors.New("protocol error")
	ErrFetch               = errors.New("fetch error")
	ErrConnectionExhausted = errors.New("connection exhausted")
	ErrRemote              = errors.New("remote error")
	// ErrStopped is returned by operations on a stopped session.
	ErrStopped = errors.New("session stopped")
)

// ExhaustedMessage is surfaced once automatic reconnection gives up.
const ExhaustedMessage = "Connection lost. Maximum reconnect attempts reached."

// Error is the last failure recorded by a session or poller.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Unwrap lets callers match the kind with errors.Is.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindAuthFailure:
		return ErrAuthFailure
	case KindTransport:
		return ErrTransport
	case KindProtocol:
		return ErrProtocol
	case KindFetch:
		return ErrFetch
	case KindConnectionExhausted:
		return ErrConnectionExhausted
	case KindRemote:
		return ErrRemote
	}
	return nil
}

// Fatal reports whether the error needs a manual reconnect to clear.
func (e *Error) Fatal() bool {
	return e != nil && (e.Kind == KindAuthFailure || e.Kind == KindConnectionExhausted)
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// State is a point-in-time copy of the connection state.
type State struct {
	Mode      string    `json:"mode"`
	Status    Status    `json:"status"`
	Phase     Phase     `json:"phase"`
	WillRetry bool      `json:"will_retry"`
	Attempt   int       `json:"attempt"`
	RetryIn   int64     `json:"retry_in_ms,omitempty"`
	Error     *Error    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s State) equal(o State) bool {
	if s.Mode != o.Mode || s.Status != o.Status || s.Phase != o.Phase || s.WillRetry != o.WillRetry ||
		s.Attempt != o.Attempt || s.RetryIn != o.RetryIn {
		return false
	}
	switch {
	case s.Error == nil && o.Error == nil:
		return true
	case s.Error == nil || o.Error == nil:
		return false
	}
	return *s.Error == *o.Error
}

// Listener observes a feed. Calls are serialised per feed and must not block.
type Listener interface {
	OnSnapshot(metrics.Snapshot)
	OnState(State)
}

// Feed is the surface shared by Session and Poller.
type Feed interface {
	Start(ctx context.Context) error
	Stop()
	Reconnect() error
	Disconnect() error
	State() State
	Snapshot() (metrics.Snapshot, bool)
	History() []metrics.Snapshot
	LastError() *Error
	Subscribe(Listener)
}
