package realtime

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/splax/pipewatch/internal/transport"
	"github.com/splax/pipewatch/pkg/metrics"
)

// ModeWebSocket labels states published by a Session.
const ModeWebSocket = "websocket"

// Config tunes a Session.
type Config struct {
	// BaseURL is the pipeline API URL; the stream URL is derived from it.
	BaseURL      string
	RefreshRatio float64
	HistorySize  int
	Backoff      Backoff
}

type commandOp int

const (
	opStart commandOp = iota
	opReconnect
	opDisconnect
	opStop
	opBarrier
)

type command struct {
	op    commandOp
	ctx   context.Context
	fn    func()
	reply chan error
}

type transportEvent struct {
	gen uint64
	ev  transport.Event
}

type reconnectDue struct{ gen uint64 }

type refreshDue struct{ gen uint64 }

type tokenResult struct {
	gen   uint64
	token Token
	err   error
}

type fetch struct {
	gen    uint64
	cancel context.CancelFunc
	// rotate marks a refresh for an already open transport, as opposed to
	// an acquisition that a new connection is waiting on.
	rotate bool
}

// Session maintains one streaming connection to the metrics endpoint. All
// state changes run on a single loop goroutine fed by a mailbox; the exported
// methods only post to it or read the published view.
type Session struct {
	*view

	cfg    Config
	tokens *TokenProvider
	dialer transport.Dialer
	sched  Scheduler
	logger *slog.Logger

	box      *mailbox
	done     chan struct{}
	stopOnce sync.Once

	// Loop-owned below.
	ctx       context.Context
	phase     Phase
	status    Status
	willRetry bool
	retryIn   time.Duration
	lastErr   *Error
	handle    transport.Handle
	gen       uint64
	fetch     *fetch
	fetchGen  uint64
	retry     *reconnector
	refresh   *refresher
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithScheduler replaces the system timers.
func WithScheduler(s Scheduler) SessionOption {
	return func(sess *Session) {
		if s != nil {
			sess.sched = s
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(sess *Session) {
		if l != nil {
			sess.logger = l
		}
	}
}

// WithListener registers a listener before the loop starts.
func WithListener(l Listener) SessionOption {
	return func(sess *Session) { sess.view.subscribe(l) }
}

// NewSession constructs an idle session and starts its loop. Call Start to
// connect and Stop to release it.
func NewSession(cfg Config, tokens *TokenProvider, dialer transport.Dialer, opts ...SessionOption) *Session {
	if cfg.RefreshRatio <= 0 || cfg.RefreshRatio > 1 {
		cfg.RefreshRatio = defaultRefreshRatio
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	s := &Session{
		view:   newView(ModeWebSocket, cfg.HistorySize),
		cfg:    cfg,
		tokens: tokens,
		dialer: dialer,
		sched:  SystemScheduler(),
		logger: slog.Default(),
		box:    newMailbox(),
		done:   make(chan struct{}),
		ctx:    context.Background(),
		phase:  PhaseIdle,
		status: StatusDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "realtime_session")
	s.tokens.now = s.sched.Now
	s.retry = newReconnector(cfg.Backoff, s.sched)
	s.refresh = newRefresher(s.sched, cfg.RefreshRatio)
	go s.loop()
	return s
}

// Start connects unless the session is already connecting or connected.
// Cancelling ctx stops the session.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.call(command{op: opStart, ctx: ctx}); err != nil {
		return err
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Stop()
			case <-s.done:
			}
		}()
	}
	return nil
}

// Reconnect cancels a pending retry, resets the attempt counter and connects
// immediately. A transport that is already opening or open is kept.
func (s *Session) Reconnect() error { return s.call(command{op: opReconnect}) }

// Disconnect closes the transport and cancels every timer. The session stays
// usable; Start or Reconnect connect again.
func (s *Session) Disconnect() error { return s.call(command{op: opDisconnect}) }

// Stop tears the session down for good. After Stop returns no listener is
// called again and every other operation reports ErrStopped.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		_ = s.call(command{op: opStop})
	})
	<-s.done
}

// Subscribe registers a listener.
func (s *Session) Subscribe(l Listener) { s.view.subscribe(l) }

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// barrier returns once every event posted before it has been handled. fn, if
// set, runs on the loop.
func (s *Session) barrier(fn func()) error { return s.call(command{op: opBarrier, fn: fn}) }

func (s *Session) call(cmd command) error {
	cmd.reply = make(chan error, 1)
	if !s.box.post(cmd) {
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrStopped
	}
}

func (s *Session) post(ev any) { s.box.post(ev) }

func (s *Session) loop() {
	defer close(s.done)
	for range s.box.notify {
		for _, ev := range s.box.drain() {
			if s.dispatch(ev) {
				return
			}
		}
	}
}

// dispatch handles one event and reports whether the loop must exit.
func (s *Session) dispatch(ev any) bool {
	switch e := ev.(type) {
	case command:
		if s.handleCommand(e) {
			return true
		}
	case transportEvent:
		if e.gen != s.gen || s.handle == nil {
			return false
		}
		s.handleTransport(e.ev)
	case reconnectDue:
		if !s.retry.fired(e.gen) {
			return false
		}
		s.logger.Info("reconnecting", "attempt", s.retry.attempts)
		s.connect()
	case refreshDue:
		if !s.refresh.fired(e.gen) {
			return false
		}
		s.rotateToken()
	case tokenResult:
		if s.fetch == nil || e.gen != s.fetch.gen {
			return false
		}
		s.handleToken(e)
	}
	s.publish()
	return false
}

func (s *Session) handleCommand(c command) bool {
	switch c.op {
	case opStart:
		if s.phase == PhaseIdle && s.fetch == nil {
			s.ctx = c.ctx
			s.logger.Info("session starting", "app", s.tokens.App())
			s.connect()
		}
	case opReconnect:
		s.retry.cancel()
		s.retry.reset()
		if s.phase == PhaseConnecting || s.phase == PhaseOpen {
			break
		}
		s.lastErr = nil
		s.logger.Info("manual reconnect")
		s.connect()
	case opDisconnect:
		s.teardown()
		s.lastErr = nil
		s.logger.Info("session disconnected")
	case opStop:
		s.teardown()
		s.publish()
		s.box.close()
		s.logger.Info("session stopped")
		c.reply <- nil
		return true
	case opBarrier:
		if c.fn != nil {
			c.fn()
		}
	}
	c.reply <- nil
	return false
}

// connect opens a transport with the held token, acquiring one first when
// there is none or it is due for refresh.
func (s *Session) connect() {
	if s.fetch != nil {
		s.fetch.rotate = false
		s.setConnecting()
		return
	}
	tok, ok := s.tokens.Current()
	if !ok || !tok.Usable(s.sched.Now(), s.cfg.RefreshRatio) {
		s.acquire(false)
		return
	}
	if s.refresh.timer == nil {
		s.scheduleRefresh(tok)
	}
	s.open(tok)
}

func (s *Session) scheduleRefresh(tok Token) {
	s.refresh.schedule(tok, func(gen uint64) { s.post(refreshDue{gen: gen}) })
}

func (s *Session) setConnecting() {
	s.phase = PhaseConnecting
	s.status = StatusConnecting
	s.willRetry = false
}

func (s *Session) acquire(rotate bool) {
	s.fetchGen++
	ctx, cancel := context.WithCancel(s.ctx)
	f := &fetch{gen: s.fetchGen, cancel: cancel, rotate: rotate}
	s.fetch = f
	if !rotate {
		s.setConnecting()
	}
	go func() {
		tok, err := s.tokens.Acquire(ctx)
		s.post(tokenResult{gen: f.gen, token: tok, err: err})
	}()
}

func (s *Session) handleToken(res tokenResult) {
	f := s.fetch
	s.fetch = nil
	f.cancel()
	if res.err != nil {
		s.logger.Warn("token acquisition failed", "error", res.err)
		s.retry.cancel()
		s.refresh.cancel()
		s.closeTransport()
		s.phase = PhaseClosed
		s.willRetry = false
		s.status = StatusErrored
		s.lastErr = newError(KindAuthFailure, res.err.Error())
		return
	}
	s.scheduleRefresh(res.token)
	if f.rotate {
		if s.handle == nil {
			return
		}
		s.logger.Info("rotating transport onto refreshed token")
		s.closeTransport()
	}
	s.open(res.token)
}

// rotateToken drops the token at its refresh point. A live transport is
// moved onto a new token; otherwise the next connection reacquires.
func (s *Session) rotateToken() {
	s.tokens.Invalidate()
	s.logger.Debug("access token due for refresh")
	if s.handle == nil || s.fetch != nil {
		return
	}
	s.acquire(true)
}

func (s *Session) open(tok Token) {
	target, err := transport.StreamURL(s.cfg.BaseURL, tok.Value)
	if err != nil {
		s.phase = PhaseClosed
		s.willRetry = false
		s.status = StatusErrored
		s.lastErr = newError(KindTransport, err.Error())
		s.logger.Error("cannot derive stream url", "error", err)
		return
	}
	s.gen++
	gen := s.gen
	s.setConnecting()
	s.logger.Debug("opening transport", "url", redact(target))
	s.handle = s.dialer.Open(target, func(ev transport.Event) {
		s.post(transportEvent{gen: gen, ev: ev})
	})
}

func (s *Session) closeTransport() {
	if s.handle == nil {
		return
	}
	h := s.handle
	s.handle = nil
	s.gen++
	if err := h.Close(); err != nil {
		s.logger.Debug("transport close failed", "error", err)
	}
}

func (s *Session) teardown() {
	s.retry.cancel()
	s.retry.reset()
	s.refresh.cancel()
	if s.fetch != nil {
		s.fetch.cancel()
		s.fetch = nil
	}
	s.closeTransport()
	s.phase = PhaseIdle
	s.status = StatusDisconnected
	s.willRetry = false
}

func (s *Session) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpen:
		s.phase = PhaseOpen
		s.status = StatusConnected
		s.willRetry = false
		s.lastErr = nil
		s.retry.reset()
		s.logger.Info("metrics stream connected")
	case transport.EventMessage:
		if s.phase != PhaseOpen {
			return
		}
		s.handleFrame(ev.Payload)
	case transport.EventError:
		if ev.Unauthorized {
			s.tokens.Invalidate()
		}
		msg := "WebSocket connection error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.status = StatusErrored
		s.lastErr = newError(KindTransport, msg)
		s.logger.Warn("metrics stream error", "error", msg)
	case transport.EventClose:
		h := s.handle
		s.handle = nil
		s.gen++
		_ = h.Close()
		if ev.Unauthorized {
			s.tokens.Invalidate()
			s.refresh.cancel()
		}
		s.logger.Info("metrics stream closed", "code", ev.Code, "reason", ev.Reason)
		s.scheduleRetry()
	}
}

func (s *Session) handleFrame(payload []byte) {
	frame, err := metrics.DecodeFrame(payload, s.sched.Now())
	if err != nil {
		s.logger.Debug("dropping malformed frame", "error", err, "bytes", len(payload))
		return
	}
	switch frame.Type {
	case metrics.FrameMetrics:
		s.lastErr = nil
		s.view.push(frame.Snapshot)
	case metrics.FrameError:
		s.lastErr = newError(KindRemote, frame.Message)
		s.logger.Warn("pipeline reported error", "message", frame.Message)
	}
}

func (s *Session) scheduleRetry() {
	s.phase = PhaseClosed
	delay, ok := s.retry.next()
	if !ok {
		s.willRetry = false
		s.status = StatusErrored
		s.lastErr = newError(KindConnectionExhausted, ExhaustedMessage)
		s.refresh.cancel()
		s.logger.Warn("reconnect attempts exhausted", "attempts", s.retry.attempts)
		return
	}
	s.willRetry = true
	s.retryIn = delay
	s.status = StatusDisconnected
	s.retry.schedule(delay, func(gen uint64) { s.post(reconnectDue{gen: gen}) })
	s.logger.Info("reconnect scheduled", "attempt", s.retry.attempts, "delay", delay)
}

func (s *Session) publish() {
	st := State{
		Mode:      ModeWebSocket,
		Status:    s.status,
		Phase:     s.phase,
		WillRetry: s.willRetry,
		Attempt:   s.retry.attempts,
		Error:     s.lastErr,
		UpdatedAt: s.sched.Now().UTC(),
	}
	if s.willRetry {
		st.RetryIn = s.retryIn.Milliseconds()
	}
	s.view.setState(st)
}

func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}
