package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/praxislabs/identity-core/pkg/config"
	"github.com/praxislabs/identity-core/pkg/contextkeys"
	"github.com/praxislabs/identity-core/pkg/httputil"
	"github.com/praxislabs/identity-core/pkg/observability"
)

// Counter is the slice of the redis client the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// RateLimiter throttles requests per actor using a fixed window counter
// in redis. A redis outage fails open so that a cache blip never locks
// operators out of the control plane.
type RateLimiter struct {
	counter Counter
	cfg     config.RateLimitConfig
	logger  *observability.Logger
	now     func() time.Time
}

// NewRateLimiter wires the limiter. counter may be nil when rate
// limiting is disabled.
func NewRateLimiter(counter Counter, cfg config.RateLimitConfig, logger *observability.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Handler enforces the per-actor limit. Authenticated requests are keyed
// by actor ID, anonymous ones by remote address.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.counter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.windowKey(r)
		count, err := rl.counter.Incr(r.Context(), key)
		if err != nil {
			rl.logger.WithError(err).Warn("rate limit counter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := rl.counter.Expire(r.Context(), key, rl.cfg.Window); err != nil {
				rl.logger.WithError(err).Warn("failed to set rate limit window expiry")
			}
		}

		if count > int64(rl.cfg.RequestsPerWindow) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.cfg.Window.Seconds())))
			httputil.WriteErrorCode(w, http.StatusTooManyRequests, "ValidationFailed", "rate limit exceeded, retry later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// windowKey buckets requests into fixed windows so counters expire on
// their own even if the Expire call is lost.
func (rl *RateLimiter) windowKey(r *http.Request) string {
	subject := contextkeys.GetActorID(r.Context())
	if subject == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		subject = "ip:" + host
	}

	window := rl.now().Unix() / int64(rl.cfg.Window.Seconds())
	return fmt.Sprintf("ratelimit:%s:%d", subject, window)
}
