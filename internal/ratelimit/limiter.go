// Package ratelimit implements per-client, per-route fixed-window limiting.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"

	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/metrics"
	"github.com/themegpt/themegpt/internal/utils"
)

// Class names a row of the policy table.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassPayment Class = "payment"
	ClassAPI     Class = "api"
	ClassSync    Class = "sync"
	ClassWebhook Class = "webhook"
)

// Policy is the window length and request budget for a class.
type Policy struct {
	Window      time.Duration
	MaxRequests int
}

// DefaultPolicies is the production policy table.
var DefaultPolicies = map[Class]Policy{
	ClassAuth:    {Window: time.Minute, MaxRequests: 10},
	ClassPayment: {Window: time.Minute, MaxRequests: 5},
	ClassAPI:     {Window: time.Minute, MaxRequests: 30},
	ClassSync:    {Window: time.Minute, MaxRequests: 20},
	ClassWebhook: {Window: time.Minute, MaxRequests: 100},
}

// SweepInterval is how often Run evicts finished windows.
const SweepInterval = 5 * time.Minute

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // whole seconds, set only when rejected
}

// Limiter applies the policy table over a CounterStore.
type Limiter struct {
	store    CounterStore
	clock    quartz.Clock
	policies map[Class]Policy
}

// New returns a Limiter. A nil policies map selects DefaultPolicies.
func New(store CounterStore, clock quartz.Clock, policies map[Class]Policy) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Limiter{store: store, clock: clock, policies: policies}
}

// Policy returns the policy for class, falling back to the api policy.
func (l *Limiter) Policy(class Class) Policy {
	if p, ok := l.policies[class]; ok {
		return p
	}
	return l.policies[ClassAPI]
}

// Check counts one request from clientID to routeKey under class.
func (l *Limiter) Check(ctx context.Context, clientID, routeKey string, class Class) (Decision, error) {
	policy := l.Policy(class)
	now := l.clock.Now("ratelimit", "check")

	count, resetAt, err := l.store.Increment(ctx, clientID+":"+routeKey, policy.Window, now)
	if err != nil {
		return Decision{Allowed: true, Limit: policy.MaxRequests}, err
	}

	d := Decision{
		Allowed: count <= int64(policy.MaxRequests),
		Limit:   policy.MaxRequests,
		ResetAt: resetAt,
	}
	if remaining := int64(policy.MaxRequests) - count; remaining > 0 {
		d.Remaining = int(remaining)
	}
	if !d.Allowed {
		d.RetryAfter = retryAfterSeconds(resetAt.Sub(now))
	}
	return d, nil
}

func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Run sweeps finished windows every SweepInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	logger := logging.New("ratelimit")
	ticker := l.clock.NewTicker(SweepInterval, "ratelimit", "sweep")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := l.store.Sweep(ctx, l.clock.Now("ratelimit", "sweep"))
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to sweep rate limit windows")
				continue
			}
			if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("Swept expired rate limit windows")
			}
		}
	}
}

// Middleware limits requests to next under class, keyed by client IP and
// request path. Store failures let the request through.
func (l *Limiter) Middleware(class Class, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientIP(r)
		d, err := l.Check(r.Context(), client, r.URL.Path, class)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("route_class", string(class)).Msg("Rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			metrics.RateLimitRejections.WithLabelValues(string(class)).Inc()
			logger := logging.FromContext(r.Context())
			logger.Warn().
				Str("client", client).
				Str("path", r.URL.Path).
				Str("route_class", string(class)).
				Int("retry_after", d.RetryAfter).
				Msg("Rate limit exceeded")

			utils.WriteError(w, r, apierrors.RateLimited("ratelimit."+string(class), time.Duration(d.RetryAfter)*time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP identifies the caller: first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
