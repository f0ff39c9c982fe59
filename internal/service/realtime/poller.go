package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/pipewatch/pkg/metrics"
)

// ModePolling labels states published by a Poller.
const ModePolling = "polling"

const defaultPollInterval = time.Second

// Fetcher performs one request/response metrics fetch.
type Fetcher interface {
	FetchMetrics(ctx context.Context) (metrics.Snapshot, error)
}

// Poller fetches a snapshot on a fixed period. A failed poll marks the state
// errored but never stops the schedule; the next tick runs as usual.
type Poller struct {
	*view

	fetcher  Fetcher
	interval time.Duration
	sched    Scheduler
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopped  bool
	gen      uint64
	timer    Timer
	inFlight bool
	ctx      context.Context
	cancel   context.CancelFunc
	status   Status
	lastErr  *Error
	failures int
	seq      uint64
}

// notice is a publication prepared under p.mu and delivered after it is
// released, so listeners may call back into the Poller.
type notice struct {
	seq   uint64
	state State
	snap  *metrics.Snapshot
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithPollScheduler replaces the system timers.
func WithPollScheduler(s Scheduler) PollerOption {
	return func(p *Poller) {
		if s != nil {
			p.sched = s
		}
	}
}

// WithPollLogger sets the poller logger.
func WithPollLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPollListener registers a listener up front.
func WithPollListener(l Listener) PollerOption {
	return func(p *Poller) { p.view.subscribe(l) }
}

// NewPoller constructs an idle poller.
func NewPoller(fetcher Fetcher, interval time.Duration, historySize int, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p := &Poller{
		view:     newView(ModePolling, historySize),
		fetcher:  fetcher,
		interval: interval,
		sched:    SystemScheduler(),
		logger:   slog.Default(),
		status:   StatusDisconnected,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "realtime_poller")
	return p
}

// Start begins polling, first immediately and then every interval.
func (p *Poller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	n := p.begin()
	p.mu.Unlock()
	p.notify(n)
	p.logger.Info("polling started", "interval", p.interval)
	return nil
}

// Reconnect clears the last error and polls immediately.
func (p *Poller) Reconnect() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.ctx == nil || p.ctx.Err() != nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	p.halt()
	p.lastErr = nil
	p.failures = 0
	n := p.begin()
	p.mu.Unlock()
	p.notify(n)
	return nil
}

// Disconnect pauses polling and drops any in-flight result.
func (p *Poller) Disconnect() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.halt()
	p.cancelFetch()
	p.status = StatusDisconnected
	p.lastErr = nil
	n := p.stateNotice()
	p.mu.Unlock()
	p.notify(n)
	p.logger.Info("polling paused")
	return nil
}

// Stop ends polling for good.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.halt()
	p.cancelFetch()
	p.status = StatusDisconnected
	p.stopped = true
	n := p.stateNotice()
	p.mu.Unlock()
	p.notify(n)
	p.logger.Info("polling stopped")
}

// Subscribe registers a listener.
func (p *Poller) Subscribe(l Listener) { p.view.subscribe(l) }

func (p *Poller) begin() notice {
	p.running = true
	p.gen++
	gen := p.gen
	if p.status != StatusConnected {
		p.status = StatusConnecting
	}
	n := p.stateNotice()
	p.timer = p.sched.AfterFunc(0, func() { p.tick(gen) })
	return n
}

func (p *Poller) halt() {
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) cancelFetch() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.ctx = nil
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = p.sched.AfterFunc(p.interval, func() { p.tick(gen) })
	if p.inFlight {
		p.mu.Unlock()
		p.logger.Debug("previous poll still in flight, skipping tick")
		return
	}
	p.inFlight = true
	ctx := p.ctx
	p.mu.Unlock()

	snap, err := p.fetcher.FetchMetrics(ctx)

	p.mu.Lock()
	p.inFlight = false
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.failures++
		p.status = StatusErrored
		p.lastErr = newError(KindFetch, err.Error())
		failures := p.failures
		n := p.stateNotice()
		p.mu.Unlock()
		p.logger.Warn("metrics poll failed", "error", err, "consecutive_failures", failures)
		p.notify(n)
		return
	}
	p.failures = 0
	p.status = StatusConnected
	p.lastErr = nil
	n := p.stateNotice()
	n.snap = &snap
	p.mu.Unlock()
	p.notify(n)
}

// stateNotice captures the current state. Callers hold p.mu.
func (p *Poller) stateNotice() notice {
	phase := PhaseIdle
	if p.running {
		phase = PhaseOpen
	}
	p.seq++
	return notice{seq: p.seq, state: State{
		Mode:      ModePolling,
		Status:    p.status,
		Phase:     phase,
		Attempt:   p.failures,
		Error:     p.lastErr,
		UpdatedAt: p.sched.Now().UTC(),
	}}
}

func (p *Poller) notify(n notice) {
	if n.snap != nil {
		p.view.pushAt(n.seq, *n.snap)
	}
	p.view.setStateAt(n.seq, n.state)
}
