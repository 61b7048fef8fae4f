package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hiroki-koketsu/planner/internal/auth"
	"github.com/hiroki-koketsu/planner/internal/model"
	"github.com/hiroki-koketsu/planner/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const msgTokenInvalidOrExpired = "Token is invalid or expired"

// Middleware wraps an http.Handler.
type Middleware = func(http.Handler) http.Handler

// Throttles holds the rate limit middleware per scope. A nil entry
// disables throttling for that scope.
type Throttles struct {
	Anon Middleware
	User Middleware
}

func (t Throttles) anon() []Middleware {
	if t.Anon == nil {
		return nil
	}
	return []Middleware{t.Anon}
}

func (t Throttles) user() []Middleware {
	if t.User == nil {
		return nil
	}
	return []Middleware{t.User}
}

// AuthHandler handles account and session endpoints.
type AuthHandler struct {
	service *auth.Service
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(service *auth.Service, logger *slog.Logger, metrics *telemetry.Metrics) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger,
		metrics: metrics,
	}
}

// Routes returns the chi router with auth routes.
func (h *AuthHandler) Routes(authn *Authenticator, throttles Throttles) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(throttles.anon()...)
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/token", h.Login)
		r.Post("/token/refresh", h.Refresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(authn.RequireAuth)
		r.Use(throttles.user()...)
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
		r.Get("/dashboard", h.Dashboard)
	})

	return r
}

// Register creates a new account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AuthHandler.Register")
	defer span.End()

	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	user, err := h.service.Register(ctx, &req)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			h.logger.WarnContext(ctx, "registration rejected", slog.Any("error", err))
			respondValidation(w, ve)
			return
		}
		h.logger.ErrorContext(ctx, "failed to register user", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	h.logger.InfoContext(ctx, "user registered", slog.String("user_id", user.ID))

	respondJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully"})
}

// Login exchanges credentials for a token pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AuthHandler.Login")
	defer span.End()

	var req model.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	ve := model.NewValidationError()
	if req.Username == "" {
		ve.Add("username", model.MsgRequired)
	}
	if req.Password == "" {
		ve.Add("password", model.MsgRequired)
	}
	if ve.OrNil() != nil {
		respondValidation(w, ve)
		return
	}

	pair, err := h.service.Login(ctx, &req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.recordLogin(r, "failure")
			h.logger.WarnContext(ctx, "login failed")
			respondError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
			return
		}
		h.recordLogin(r, "error")
		h.logger.ErrorContext(ctx, "failed to log in", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to log in")
		return
	}

	h.recordLogin(r, "success")
	respondJSON(w, http.StatusOK, pair)
}

// Refresh issues a new access token for a refresh token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AuthHandler.Refresh")
	defer span.End()

	var req model.RefreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		ve := model.NewValidationError()
		ve.Add("refreshToken", model.MsgRequired)
		respondValidation(w, ve)
		return
	}

	access, err := h.service.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrTokenRevoked) {
			h.logger.WarnContext(ctx, "refresh rejected", slog.String("reason", err.Error()))
			unauthorized(w, msgTokenInvalidOrExpired)
			return
		}
		h.logger.ErrorContext(ctx, "failed to refresh token", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	respondJSON(w, http.StatusOK, access)
}

// Logout revokes the session of the posted refresh token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AuthHandler.Logout")
	defer span.End()

	caller, ok := auth.IdentityFromContext(ctx)
	if !ok {
		unauthorized(w, msgNoCredentials)
		return
	}

	var req model.RefreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	err := h.service.Logout(ctx, caller, req.RefreshToken)
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "user logged out", slog.String("user_id", caller.UserID))
		respondJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
	case errors.Is(err, auth.ErrRefreshTokenRequired):
		respondError(w, http.StatusBadRequest, auth.ErrRefreshTokenRequired.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		h.logger.WarnContext(ctx, "logout with invalid token", slog.String("user_id", caller.UserID))
		respondError(w, http.StatusBadRequest, "Invalid token")
	default:
		h.logger.ErrorContext(ctx, "failed to log out", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to log out")
	}
}

// Me returns the caller's username.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := h.profile(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"username": user.Username})
}

// Dashboard greets the caller.
func (h *AuthHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, ok := h.profile(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Welcome to the Dashboard!",
		"user_info": map[string]string{
			"username": user.Username,
			"email":    user.Email,
		},
	})
}

func (h *AuthHandler) profile(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	ctx := r.Context()

	caller, ok := auth.IdentityFromContext(ctx)
	if !ok {
		unauthorized(w, msgNoCredentials)
		return nil, false
	}

	user, err := h.service.Profile(ctx, caller.UserID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			unauthorized(w, msgInvalidToken)
			return nil, false
		}
		h.logger.ErrorContext(ctx, "failed to load profile", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to load profile")
		return nil, false
	}
	return user, true
}

func (h *AuthHandler) recordLogin(r *http.Request, result string) {
	h.metrics.LoginAttempts.Add(r.Context(), 1, metric.WithAttributes(attribute.String("result", result)))
}
