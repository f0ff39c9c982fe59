// Package transport carries metrics frames from the pipeline's streaming
// endpoint. A transport reports its lifecycle as a finite sequence of Events
// delivered through a single callback: at most one Open, any number of
// Messages after it, and exactly one terminating Close. An Error, when
// reported, always precedes the Close it caused.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// EventKind tags an Event.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Close codes of interest.
const (
	CloseNormal          = 1000
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4001
	CloseForbidden       = 4003
)

// Event is one lifecycle signal from a transport.
type Event struct {
	Kind    EventKind
	Payload []byte
	Code    int
	Reason  string
	Err     error
	// Unauthorized is set when the server rejected the credential, either
	// during the handshake or through the close code.
	Unauthorized bool
}

// Handle controls one open attempt. Close is idempotent; once it returns no
// further events are delivered.
type Handle interface {
	Close() error
}

// Dialer opens transports. Open never blocks on the network: connection
// progress is reported through emit.
type Dialer interface {
	Open(target string, emit func(Event)) Handle
}

// ErrInvalidURL indicates the API base URL cannot be turned into a stream URL.
var ErrInvalidURL = errors.New("invalid stream url")

// TokenParam names the query parameter carrying the access token.
const TokenParam = "fal_jwt_token"

// StreamPath is appended to the API base URL.
const StreamPath = "/metrics/ws"

// StreamURL rewrites the API base URL to the streaming endpoint, swapping
// http for ws and https for wss, and attaches token as a query credential.
func StreamURL(base, token string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamPath
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// UnauthorizedCode reports whether a close code signals a rejected credential.
func UnauthorizedCode(code int) bool {
	switch code {
	case ClosePolicyViolation, CloseUnauthorized, CloseForbidden:
		return true
	}
	return false
}
