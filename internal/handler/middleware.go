package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hiroki-koketsu/planner/internal/auth"
	"github.com/hiroki-koketsu/planner/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgNoCredentials = "Authentication credentials were not provided."
	msgInvalidToken  = "Given token not valid for any token type"
)

// Authenticator resolves bearer tokens to callers.
type Authenticator struct {
	service *auth.Service
	logger  *slog.Logger
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(service *auth.Service, logger *slog.Logger) *Authenticator {
	return &Authenticator{service: service, logger: logger}
}

// RequireAuth rejects requests without a valid access token with 401 and
// stores the caller identity in the request context otherwise.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, msgNoCredentials)
			return
		}

		identity, err := a.service.Authenticate(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrTokenRevoked) {
				a.logger.WarnContext(ctx, "rejected access token", slog.String("reason", err.Error()))
				unauthorized(w, msgInvalidToken)
				return
			}
			a.logger.ErrorContext(ctx, "failed to authenticate", slog.Any("error", err))
			respondError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		trace.SpanFromContext(ctx).SetAttributes(attribute.String("user.id", identity.UserID))
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, identity)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	respondError(w, http.StatusUnauthorized, message)
}

// UserKey keys rate limiting by the authenticated user.
func UserKey(r *http.Request) (string, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return "", false
	}
	return identity.UserID, true
}

// Metrics records request count and duration per route pattern.
func Metrics(metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			attrs := metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			metrics.RequestCounter.Add(r.Context(), 1, attrs)
			metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
		})
	}
}
