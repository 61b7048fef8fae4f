package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Scopes of the built-in throttles.
const (
	ScopeAnon = "anon"
	ScopeUser = "user"
)

// KeyFunc extracts the rate limit key of a request. ok is false when the
// request has no key for this scope.
type KeyFunc func(r *http.Request) (key string, ok bool)

// ByIP keys requests by client address. It trusts whatever RemoteAddr
// holds, so forwarding headers count only when RealIP ran before it.
func ByIP(r *http.Request) (string, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host, host != ""
}

// Middleware throttles HTTP requests with a Limiter.
type Middleware struct {
	scope    string
	limiter  Limiter
	key      KeyFunc
	logger   *slog.Logger
	rejected metric.Int64Counter
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithLogger sets the logger used for rejections and backend failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// WithRejectionCounter counts rejected requests, labelled by scope.
func WithRejectionCounter(counter metric.Int64Counter) Option {
	return func(m *Middleware) {
		m.rejected = counter
	}
}

// NewMiddleware creates a Middleware for scope.
func NewMiddleware(scope string, limiter Limiter, key KeyFunc, opts ...Option) *Middleware {
	m := &Middleware{
		scope:   scope,
		limiter: limiter,
		key:     key,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps next. Requests without a key pass through, and so do all
// requests while the limiter backend is failing.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key, ok := m.key(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		result, err := m.limiter.Allow(ctx, m.scope+":"+key)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit check failed",
				slog.String("scope", m.scope),
				slog.Any("error", err),
			)
			next.ServeHTTP(w, r)
			return
		}

		setHeaders(w, result)

		if !result.Allowed {
			m.logger.WarnContext(ctx, "rate limit exceeded",
				slog.String("scope", m.scope),
				slog.String("key", key),
				slog.Duration("retry_after", result.RetryAfter),
			)
			if m.rejected != nil {
				m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", m.scope)))
			}

			w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(result)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setHeaders(w http.ResponseWriter, result *Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func ceilSeconds(result *Result) int {
	return max(1, int(math.Ceil(result.RetryAfter.Seconds())))
}
