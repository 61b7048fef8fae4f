package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports whether a backing service is reachable.
type Pinger func(ctx context.Context) error

// Health returns a health check handler. Each pinger runs with a short
// timeout; any failure yields 503.
func Health(logger *slog.Logger, pingers map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(pingers))
		for name, ping := range pingers {
			if err := ping(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", slog.String("check", name), slog.Any("error", err))
				checks[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		body := map[string]any{"status": "ok", "checks": checks}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		respondJSON(w, status, body)
	}
}
