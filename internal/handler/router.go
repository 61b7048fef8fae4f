package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hiroki-koketsu/planner/internal/telemetry"
)

// RouterConfig collects the handlers served by NewRouter.
type RouterConfig struct {
	Tasks         *TaskHandler
	Auth          *AuthHandler
	Authenticator *Authenticator
	Throttles     Throttles
	Metrics       *telemetry.Metrics
	Health        http.HandlerFunc
	// TrustProxyHeaders enables chi's RealIP, which rewrites RemoteAddr
	// from X-Forwarded-For and X-Real-IP.
	TrustProxyHeaders bool
}

// NewRouter builds the application router.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(Metrics(cfg.Metrics))

	if cfg.Health != nil {
		r.Get("/health", cfg.Health)
	}

	r.Mount("/auth", cfg.Auth.Routes(cfg.Authenticator, cfg.Throttles))

	r.Group(func(r chi.Router) {
		r.Use(cfg.Authenticator.RequireAuth)
		r.Use(cfg.Throttles.user()...)
		r.Mount("/tasks", cfg.Tasks.Routes())
	})

	return r
}
