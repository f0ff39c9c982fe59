package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	want := map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 10 * time.Second,
		5: 10 * time.Second,
		9: 10 * time.Second,
	}
	for attempt, delay := range want {
		if got := b.Delay(attempt); got != delay {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, delay, got)
		}
	}
}

func TestReconnectorBudget(t *testing.T) {
	r := newReconnector(Backoff{MaxAttempts: 2}, newFakeScheduler())
	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second} {
		d, ok := r.next()
		if !ok || d != want {
			t.Fatalf("retry %d: expected %s, got %s (ok=%v)", i+1, want, d, ok)
		}
	}
	if _, ok := r.next(); ok {
		t.Fatal("expected the budget to be spent")
	}

	r.reset()
	if d, ok := r.next(); !ok || d != 2*time.Second {
		t.Fatalf("expected 2s after reset, got %s (ok=%v)", d, ok)
	}
}

func TestReconnectorIgnoresCancelledCallbacks(t *testing.T) {
	sched := newFakeScheduler()
	r := newReconnector(DefaultBackoff(), sched)
	var fired []uint64
	r.schedule(time.Second, func(gen uint64) { fired = append(fired, gen) })
	first := sched.pending()[0]
	r.schedule(2*time.Second, func(gen uint64) { fired = append(fired, gen) })

	first.f()
	if len(fired) != 1 {
		t.Fatalf("expected one callback, got %d", len(fired))
	}
	if r.fired(fired[0]) {
		t.Fatal("superseded timer must not be claimed")
	}

	sched.fire(sched.pending()[0])
	if len(fired) != 2 {
		t.Fatalf("expected two callbacks, got %d", len(fired))
	}
	if !r.fired(fired[1]) {
		t.Fatal("expected the live timer to be claimed")
	}
	if r.fired(fired[1]) {
		t.Fatal("a timer is claimed once")
	}
}

type staticIssuer struct {
	token string
	err   error
}

func (s staticIssuer) IssueToken(context.Context, string, time.Duration) (string, error) {
	return s.token, s.err
}

func TestTokenProviderAcquire(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	p := NewTokenProvider(staticIssuer{token: "opaque"}, " app ", 0)
	p.now = func() time.Time { return now }

	if _, held := p.Current(); held {
		t.Fatal("expected no token before the first acquire")
	}

	tok, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if p.App() != "app" {
		t.Fatalf("expected trimmed app, got %q", p.App())
	}
	if tok.Lifetime != 5*time.Minute {
		t.Fatalf("expected default lifetime, got %s", tok.Lifetime)
	}
	if got := tok.RefreshIn(0.9); got != 270*time.Second {
		t.Fatalf("expected refresh at 270s, got %s", got)
	}
	if !tok.Usable(now.Add(269*time.Second), 0.9) || tok.Usable(now.Add(270*time.Second), 0.9) {
		t.Fatal("expected the token to stop being usable at its refresh point")
	}

	current, held := p.Current()
	if !held || current != tok {
		t.Fatalf("expected held token %+v, got %+v", tok, current)
	}

	p.Invalidate()
	if _, held := p.Current(); held {
		t.Fatal("expected Invalidate to drop the token")
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(exp)}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestTokenProviderUsesShorterJWTExpiry(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	p := NewTokenProvider(staticIssuer{token: signedToken(t, now.Add(2*time.Minute))}, "app", 5*time.Minute)
	p.now = func() time.Time { return now }
	tok, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if tok.Lifetime != 2*time.Minute {
		t.Fatalf("expected the exp claim to shorten the lifetime, got %s", tok.Lifetime)
	}
}

func TestTokenProviderFailureIsAuthFailure(t *testing.T) {
	p := NewTokenProvider(staticIssuer{err: errIssuer}, "app", time.Minute)
	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid key") {
		t.Fatalf("expected issuer message in %q", err)
	}
	if _, held := p.Current(); held {
		t.Fatal("expected no token after a failure")
	}

	p.issuer = staticIssuer{token: "ok"}
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("provider is retryable after a failure: %v", err)
	}
}

func TestRefresherNeverSchedulesImmediately(t *testing.T) {
	sched := newFakeScheduler()
	r := newRefresher(sched, 0.9)
	stale := Token{Value: "old", IssuedAt: sched.Now().Add(-time.Hour), Lifetime: time.Minute}
	r.schedule(stale, func(uint64) {})

	pending := sched.pending()
	if len(pending) != 1 || pending[0].delay != minRefreshDelay {
		t.Fatalf("expected one refresh at the %s floor, got %+v", minRefreshDelay, pending)
	}
}
