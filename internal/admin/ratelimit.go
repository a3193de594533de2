package admin

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// idleLimiterTTL is how long a client's bucket survives without requests.
	idleLimiterTTL = 10 * time.Minute
	sweepInterval  = time.Minute
)

// rateRule is one admin operation's budget. A rule matches a method and a
// path whose segments equal the pattern's, "*" matching any one segment.
type rateRule struct {
	name     string
	method   string
	segments []string
	every    time.Duration
	burst    int
}

func (r rateRule) matches(method string, segments []string) bool {
	if r.method != method || len(r.segments) != len(segments) {
		return false
	}
	for i, s := range r.segments {
		if s != "*" && s != segments[i] {
			return false
		}
	}
	return true
}

func rule(name, method, pattern string, perMinute float64, burst int) rateRule {
	return rateRule{
		name:     name,
		method:   method,
		segments: splitPath(pattern),
		every:    time.Duration(float64(time.Minute) / perMinute),
		burst:    burst,
	}
}

// Reads share the fallback budget. Starting a session disturbs the process
// and is the scarcest; cancelling one gets the largest mutating budget so an
// operator can always stop an experiment.
var (
	defaultRateRules = []rateRule{
		rule("tuning_start", http.MethodPost, "/admin/v1/loops/*/tuning", 6, 2),
		rule("tuning_rollback", http.MethodPost, "/admin/v1/tuning/*/rollback", 10, 3),
		rule("tuning_cancel", http.MethodDelete, "/admin/v1/tuning/*", 30, 10),
		rule("config_reload", http.MethodPost, "/admin/v1/config/reload", 6, 2),
	}
	fallbackRateRule = rateRule{name: "default", every: 200 * time.Millisecond, burst: 20}
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware keeps one token bucket per (rule, client IP). Idle
// buckets are swept on the request path.
type RateLimitMiddleware struct {
	rules    []rateRule
	fallback rateRule
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rules:    defaultRateRules,
		fallback: fallbackRateRule,
		logger:   logger,
		nowFunc:  time.Now,
		buckets:  make(map[string]*clientBucket),
	}
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ru := rl.ruleFor(r.Method, r.URL.Path)
		client := extractClientIP(r)
		now := rl.nowFunc()

		lim := rl.bucket(ru, client, now)
		res := lim.ReserveN(now, 1)
		if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
			res.CancelAt(now)
			metrics.AdminRateLimited.WithLabelValues(ru.name).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(math.Max(delay.Seconds(), 1)))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("admin request rate limited",
				"rule", ru.name, "method", r.Method, "path", r.URL.Path, "client_ip", client)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) ruleFor(method, path string) rateRule {
	segments := splitPath(path)
	for _, ru := range rl.rules {
		if ru.matches(method, segments) {
			return ru
		}
	}
	return rl.fallback
}

func (rl *RateLimitMiddleware) bucket(ru rateRule, client string, now time.Time) *rate.Limiter {
	key := ru.name + "|" + client

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) >= sweepInterval {
		rl.sweepLocked(now)
	}
	b, ok := rl.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Every(ru.every), ru.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (rl *RateLimitMiddleware) sweepLocked(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleLimiterTTL {
			delete(rl.buckets, key)
		}
	}
	rl.lastSweep = now
}

// BucketCount reports the number of live client buckets.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection's address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}
