package realtime

import "time"

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 10 * time.Second
	defaultMaxAttempts = 5
)

// Backoff is the reconnection policy.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff retries five times starting at two seconds, capped at ten.
func DefaultBackoff() Backoff {
	return Backoff{BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay, MaxAttempts: defaultMaxAttempts}
}

func (b Backoff) withDefaults() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = defaultBaseDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = defaultMaxDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaultMaxAttempts
	}
	return b
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := b.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// reconnector owns the retry counter and the pending reopen timer.
type reconnector struct {
	policy   Backoff
	sched    Scheduler
	attempts int
	timer    Timer
	// gen identifies the pending timer; a fired callback carrying an older
	// value lost a race with cancel and is ignored.
	gen uint64
}

func newReconnector(policy Backoff, sched Scheduler) *reconnector {
	return &reconnector{policy: policy.withDefaults(), sched: sched}
}

// next counts a failure and returns the delay before the retry, or false
// once the attempt budget is spent.
func (r *reconnector) next() (time.Duration, bool) {
	if r.attempts >= r.policy.MaxAttempts {
		return 0, false
	}
	r.attempts++
	return r.policy.Delay(r.attempts), true
}

func (r *reconnector) schedule(d time.Duration, fire func(gen uint64)) {
	r.cancel()
	gen := r.gen
	r.timer = r.sched.AfterFunc(d, func() { fire(gen) })
}

func (r *reconnector) cancel() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// fired claims a timer callback. It reports false for callbacks that lost a
// race with cancel or a later schedule.
func (r *reconnector) fired(gen uint64) bool {
	if r.timer == nil || gen != r.gen {
		return false
	}
	r.timer = nil
	return true
}

func (r *reconnector) reset() {
	r.attempts = 0
}
