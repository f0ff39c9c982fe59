package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/splax/pipewatch/internal/transport"
	"github.com/splax/pipewatch/pkg/logger"
	"github.com/splax/pipewatch/pkg/metrics"
)

type fakeTimer struct {
	s       *fakeScheduler
	delay   time.Duration
	due     time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, delay: d, due: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// pending returns live timers ordered by due time.
func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].due.Before(out[j].due) })
	return out
}

// fire advances the clock to t and runs its callback.
func (s *fakeScheduler) fire(t *fakeTimer) {
	s.mu.Lock()
	if t.stopped || t.fired {
		s.mu.Unlock()
		return
	}
	t.fired = true
	if t.due.After(s.now) {
		s.now = t.due
	}
	s.mu.Unlock()
	t.f()
}

func (s *fakeScheduler) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

type fakeHandle struct {
	target string
	emitFn func(transport.Event)

	mu     sync.Mutex
	closed bool
	closes int
}

func (h *fakeHandle) emit(ev transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.emitFn(ev)
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (d *fakeDialer) Open(target string, emit func(transport.Event)) transport.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &fakeHandle{target: target, emitFn: emit}
	d.handles = append(d.handles, h)
	return h
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeDialer) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

type fakeIssuer struct {
	mu     sync.Mutex
	tokens []string
	err    error
	calls  int
	apps   []string
	gate   chan struct{}
}

func (f *fakeIssuer) IssueToken(ctx context.Context, app string, lifetime time.Duration) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.apps = append(f.apps, app)
	if f.err != nil {
		return "", f.err
	}
	if len(f.tokens) == 0 {
		return "token", nil
	}
	tok := f.tokens[0]
	if len(f.tokens) > 1 {
		f.tokens = f.tokens[1:]
	}
	return tok, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingListener struct {
	mu        sync.Mutex
	states    []State
	snapshots []metrics.Snapshot
}

func (l *recordingListener) OnSnapshot(s metrics.Snapshot) {
	l.mu.Lock()
	l.snapshots = append(l.snapshots, s)
	l.mu.Unlock()
}

func (l *recordingListener) OnState(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states), len(l.snapshots)
}

var errIssuer = errors.New("FAL API error: invalid key")

type harness struct {
	t        *testing.T
	sched    *fakeScheduler
	dialer   *fakeDialer
	issuer   *fakeIssuer
	listener *recordingListener
	session  *Session
}

func newHarness(t *testing.T, issuer *fakeIssuer) *harness {
	t.Helper()
	if issuer == nil {
		issuer = &fakeIssuer{tokens: []string{"abc123"}}
	}
	h := &harness{
		t:        t,
		sched:    newFakeScheduler(),
		dialer:   &fakeDialer{},
		issuer:   issuer,
		listener: &recordingListener{},
	}
	tokens := NewTokenProvider(issuer, "realtime-streaming", 5*time.Minute)
	h.session = NewSession(Config{BaseURL: "https://host"}, tokens, h.dialer,
		WithScheduler(h.sched),
		WithLogger(logger.Discard()),
		WithListener(h.listener),
	)
	t.Cleanup(h.session.Stop)
	return h
}

// settle waits for the token fetch goroutine and then for the loop to drain.
func (h *harness) settle() {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		idle := false
		if err := h.session.barrier(func() { idle = h.session.fetch == nil }); err == nil && idle {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatal("session did not settle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connect starts the session and opens the first transport.
func (h *harness) connect() *fakeHandle {
	h.t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		h.t.Fatalf("start: %v", err)
	}
	h.settle()
	handle := h.dialer.last()
	if handle == nil {
		h.t.Fatal("expected a transport to be opened")
	}
	h.emit(handle, transport.Event{Kind: transport.EventOpen})
	return handle
}

func (h *harness) emit(handle *fakeHandle, ev transport.Event) {
	h.t.Helper()
	handle.emit(ev)
	h.sync()
}

// sync returns once the loop has handled everything posted so far.
func (h *harness) sync() {
	h.t.Helper()
	if err := h.session.barrier(nil); err != nil {
		h.t.Fatalf("barrier: %v", err)
	}
}

func (h *harness) drop(handle *fakeHandle) {
	h.t.Helper()
	h.emit(handle, transport.Event{Kind: transport.EventError, Err: errors.New("connection reset")})
	h.emit(handle, transport.Event{Kind: transport.EventClose, Code: transport.CloseAbnormal})
}

// retryTimer returns the single pending reconnect timer.
func (h *harness) retryTimer() *fakeTimer {
	h.t.Helper()
	var found *fakeTimer
	for _, t := range h.sched.pending() {
		if t.delay <= defaultMaxDelay {
			if found != nil {
				h.t.Fatal("expected a single pending reconnect timer")
			}
			found = t
		}
	}
	if found == nil {
		h.t.Fatal("expected a pending reconnect timer")
	}
	return found
}

// refreshTimer returns the pending token refresh timer.
func (h *harness) refreshTimer() *fakeTimer {
	h.t.Helper()
	for _, t := range h.sched.pending() {
		if t.delay > defaultMaxDelay {
			return t
		}
	}
	h.t.Fatal("expected a pending token refresh timer")
	return nil
}

func (h *harness) retryPending() bool {
	for _, t := range h.sched.pending() {
		if t.delay <= defaultMaxDelay {
			return true
		}
	}
	return false
}
