package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter decides whether a keyed request fits its window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateRule is a budget shared by every route that names it. Reconnect and
// disconnect both act on the feed, so they draw from the same budget.
type rateRule struct {
	name   string
	limit  int
	window time.Duration
}

var (
	ruleConnection = rateRule{name: "connection", limit: 20, window: time.Minute}
	ruleStream     = rateRule{name: "stream", limit: 10, window: time.Minute}
	ruleRealtime   = rateRule{name: "realtime", limit: 30, window: 30 * time.Second}
)

const memorySweepEvery = 5 * time.Minute

type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*fixedWindow
	lastSweep time.Time
	now       func() time.Time
}

type fixedWindow struct {
	count int
	ends  time.Time
}

// NewMemoryRateLimiter returns a fixed-window limiter for a single daemon.
// Expired windows are swept lazily on the request path.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
	}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= memorySweepEvery {
		rl.sweep(now)
	}
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.ends) {
		w = &fixedWindow{ends: now.Add(window)}
		rl.windows[key] = w
	}
	if w.count >= limit {
		return rateDecision{allowed: false, count: w.count, windowEnd: w.ends}
	}
	w.count++
	return rateDecision{allowed: true, count: w.count, windowEnd: w.ends}
}

// sweep drops expired windows. Callers hold mu.
func (rl *memoryRateLimiter) sweep(now time.Time) {
	for key, w := range rl.windows {
		if !now.Before(w.ends) {
			delete(rl.windows, key)
		}
	}
	rl.lastSweep = now
}

func (rl *memoryRateLimiter) Close() {}

func (r *Router) withRateLimit(route string, rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		decision := r.limiter.Allow(rule.name+"|"+clientKey(req), rule.limit, rule.window)
		setRateHeaders(w.Header(), rule.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, "ip")
			if !decision.windowEnd.IsZero() {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(time.Until(decision.windowEnd))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func setRateHeaders(h http.Header, limit int, decision rateDecision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-decision.count, 0)))
	if !decision.windowEnd.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

func clientKey(req *http.Request) string {
	if ip := clientIP(req); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

// clientIP prefers the first valid address a proxy recorded.
func clientIP(req *http.Request) string {
	for _, candidate := range []string{
		firstHop(req.Header.Get("X-Forwarded-For")),
		strings.TrimSpace(req.Header.Get("X-Real-IP")),
	} {
		if ip := net.ParseIP(candidate); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func firstHop(forwarded string) string {
	first, _, _ := strings.Cut(forwarded, ",")
	return strings.TrimSpace(first)
}
