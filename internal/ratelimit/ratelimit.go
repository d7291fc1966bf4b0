// Package ratelimit implements a fixed-window request limiter keyed by
// client address, with an LRU-bounded client map so an unbounded set of
// distinct clients can't grow the limiter's memory without bound.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcp-tower/tower/internal/clock"
	"github.com/mcp-tower/tower/internal/metrics"
)

// maxTrackedClients bounds the LRU client map; the least-recently-used
// client is evicted once the cap is reached, whether or not its current
// window has expired.
const maxTrackedClients = 4096

// Config tunes the limiter.
type Config struct {
	Window      time.Duration
	MaxRequests int
	// SkipPaths are exact path matches exempted from rate limiting
	// (e.g. /metrics for scraping, /api/health for load balancer probes).
	SkipPaths []string
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter per client key, bounded by an LRU
// eviction policy over the key set.
type Limiter struct {
	cfg   Config
	clk   clock.Clock
	mu    sync.Mutex
	cache *lru.Cache[string, *window]

	skip map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}

	metrics *metrics.Registry
}

// WithMetrics attaches a Prometheus registry that counts blocked
// requests.
func (l *Limiter) WithMetrics(m *metrics.Registry) *Limiter {
	l.metrics = m
	return l
}

// New constructs a Limiter. Call StartCompaction to begin the
// background goroutine that purges expired windows between requests.
func New(cfg Config, clk clock.Clock) *Limiter {
	cache, err := lru.New[string, *window](maxTrackedClients)
	if err != nil {
		// Only returns an error for a non-positive size, which never
		// happens with the package constant above.
		panic(err)
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	return &Limiter{cfg: cfg, clk: clk, cache: cache, skip: skip}
}

// Allow records one request for key and reports whether it's within the
// current window, along with the remaining count and window reset time.
func (l *Limiter) Allow(key string) (allowed bool, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	w, ok := l.cache.Get(key)
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(l.cfg.Window)}
		l.cache.Add(key, w)
	}

	if w.count >= l.cfg.MaxRequests {
		return false, 0, w.resetAt
	}
	w.count++
	return true, l.cfg.MaxRequests - w.count, w.resetAt
}

// StartCompaction launches a background goroutine that periodically
// drops expired windows from the LRU cache so idle clients don't hold a
// cache slot indefinitely. Stop ends it.
func (l *Limiter) StartCompaction(interval time.Duration) {
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go func() {
		defer close(l.doneCh)
		ticker := l.clk.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				l.compact()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop ends the compaction goroutine, if started.
func (l *Limiter) Stop() {
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
}

// ClientStat is one tracked client's current window, for observability.
type ClientStat struct {
	Key     string    `json:"key"`
	Count   int       `json:"count"`
	ResetAt time.Time `json:"resetAt"`
}

// Stats is a point-in-time view of every client the limiter currently
// tracks.
type Stats struct {
	ActiveClients int          `json:"activeClients"`
	TotalRequests int          `json:"totalRequests"`
	Clients       []ClientStat `json:"clients"`
}

// Stats returns a snapshot of every tracked client's window. Expired
// windows are included until the next compaction purges them.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := l.cache.Keys()
	stats := Stats{ActiveClients: len(keys), Clients: make([]ClientStat, 0, len(keys))}
	for _, key := range keys {
		w, ok := l.cache.Peek(key)
		if !ok {
			continue
		}
		stats.TotalRequests += w.count
		stats.Clients = append(stats.Clients, ClientStat{Key: key, Count: w.count, ResetAt: w.resetAt})
	}
	return stats
}

func (l *Limiter) compact() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	for _, key := range l.cache.Keys() {
		if w, ok := l.cache.Peek(key); ok && now.After(w.resetAt) {
			l.cache.Remove(key)
		}
	}
}

// Middleware wraps next with the rate limiter, writing X-RateLimit-*
// headers on every response outside SkipPaths and a 429 once a client's
// window is spent. Requests to SkipPaths pass through with no headers.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := clientKey(r)
		allowed, remaining, resetAt := l.Allow(key)

		resetSeconds := int(time.Until(resetAt).Seconds())
		if resetSeconds < 0 {
			resetSeconds = 0
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSeconds))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(resetSeconds))
			if l.metrics != nil {
				l.metrics.RateLimitBlocks.Inc()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":      "rate_limited",
				"retryAfter": resetSeconds,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey derives the rate-limit bucket for a request: the first
// X-Forwarded-For token, falling back to X-Real-Ip, falling back to the
// socket peer address. The tower normally sits behind a front proxy
// that sets one of the two headers; trusting them here is safe only
// because untrusted direct access to this process is itself out of
// scope (see the auth/authz non-goal).
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
