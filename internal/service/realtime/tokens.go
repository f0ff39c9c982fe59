package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/splax/pipewatch/pkg/jwt"
)

const (
	defaultTokenLifetime = 5 * time.Minute
	defaultRefreshRatio  = 0.9
	// minRefreshDelay bounds how often a held token can be rotated.
	minRefreshDelay = time.Second
)

// Issuer mints access tokens for an application.
type Issuer interface {
	IssueToken(ctx context.Context, app string, lifetime time.Duration) (string, error)
}

// Token is an issued access token.
type Token struct {
	Value    string
	IssuedAt time.Time
	Lifetime time.Duration
}

// RefreshIn returns the delay from issuance after which the token should be
// replaced.
func (t Token) RefreshIn(ratio float64) time.Duration {
	if ratio <= 0 || ratio > 1 {
		ratio = defaultRefreshRatio
	}
	return time.Duration(float64(t.Lifetime) * ratio)
}

// Usable reports whether the token can still open a connection at now.
func (t Token) Usable(now time.Time, ratio float64) bool {
	if t.Value == "" {
		return false
	}
	return now.Before(t.IssuedAt.Add(t.RefreshIn(ratio)))
}

// TokenProvider acquires tokens for one application and holds the current one.
type TokenProvider struct {
	issuer   Issuer
	app      string
	lifetime time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current Token
}

// NewTokenProvider constructs a provider requesting lifetime-long tokens.
func NewTokenProvider(issuer Issuer, app string, lifetime time.Duration) *TokenProvider {
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	return &TokenProvider{issuer: issuer, app: strings.TrimSpace(app), lifetime: lifetime, now: time.Now}
}

// App returns the application identifier tokens are scoped to.
func (p *TokenProvider) App() string { return p.app }

// Acquire issues a fresh token and makes it current. Failures are reported as
// ErrAuthFailure and leave the provider ready for another attempt.
func (p *TokenProvider) Acquire(ctx context.Context) (Token, error) {
	if p.issuer == nil {
		return Token{}, fmt.Errorf("%w: no token issuer configured", ErrAuthFailure)
	}
	issuedAt := p.now()
	value, err := p.issuer.IssueToken(ctx, p.app, p.lifetime)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	tok := Token{Value: value, IssuedAt: issuedAt, Lifetime: jwt.Lifetime(value, issuedAt, p.lifetime)}
	p.mu.Lock()
	p.current = tok
	p.mu.Unlock()
	return tok, nil
}

// Current returns the held token, if any.
func (p *TokenProvider) Current() (Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.current.Value != ""
}

// Invalidate drops the held token so the next connection reacquires one.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.current = Token{}
	p.mu.Unlock()
}

// refresher fires once per token at RefreshIn(ratio) after issuance.
type refresher struct {
	sched Scheduler
	ratio float64
	timer Timer
	gen   uint64
}

func newRefresher(sched Scheduler, ratio float64) *refresher {
	if ratio <= 0 || ratio > 1 {
		ratio = defaultRefreshRatio
	}
	return &refresher{sched: sched, ratio: ratio}
}

func (r *refresher) schedule(tok Token, fire func(gen uint64)) {
	r.cancel()
	gen := r.gen
	delay := max(tok.IssuedAt.Add(tok.RefreshIn(r.ratio)).Sub(r.sched.Now()), minRefreshDelay)
	r.timer = r.sched.AfterFunc(delay, func() { fire(gen) })
}

func (r *refresher) cancel() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// fired claims a timer callback. It reports false for callbacks that lost a
// race with cancel or a later schedule.
func (r *refresher) fired(gen uint64) bool {
	if r.timer == nil || gen != r.gen {
		return false
	}
	r.timer = nil
	return true
}
