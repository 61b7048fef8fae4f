package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hiroki-koketsu/planner/internal/auth"
	"github.com/hiroki-koketsu/planner/internal/config"
	"github.com/hiroki-koketsu/planner/internal/model"
	"github.com/hiroki-koketsu/planner/internal/ratelimit"
	"github.com/hiroki-koketsu/planner/internal/repository"
	"github.com/hiroki-koketsu/planner/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "tr0ub4dor&3-horse"

type testApp struct {
	handler http.Handler
	tasks   *repository.TaskRepository
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, throttles Throttles) *testApp {
	t.Helper()
	return newTestAppWith(t, func(cfg *RouterConfig) { cfg.Throttles = throttles })
}

func newTestAppWith(t *testing.T, configure func(*RouterConfig)) *testApp {
	t.Helper()

	logger := quietLogger()
	db, err := repository.Open(context.Background(), config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.Close(db) })

	taskRepo := repository.NewTaskRepository(db)
	metrics, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"), taskRepo.Count)
	require.NoError(t, err)

	authService := auth.NewService(
		repository.NewUserRepository(db),
		repository.NewTokenBlacklistRepository(db),
		auth.NewPasswordHasher(bcrypt.MinCost),
		auth.NewTokenManager(auth.TokenConfig{
			SecretKey:       "test-secret",
			Issuer:          "planner-test",
			AccessTokenTTL:  5 * time.Minute,
			RefreshTokenTTL: time.Hour,
		}),
	)

	cfg := RouterConfig{
		Tasks:         NewTaskHandler(taskRepo, logger),
		Auth:          NewAuthHandler(authService, logger, metrics),
		Authenticator: NewAuthenticator(authService, logger),
		Metrics:       metrics,
		Health:        Health(logger, map[string]Pinger{"database": func(ctx context.Context) error { return repository.Ping(ctx, db) }}),
	}
	configure(&cfg)
	router := NewRouter(cfg)

	return &testApp{handler: router, tasks: taskRepo}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) register(t *testing.T, username string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username":              username,
		"email":                 username + "@example.com",
		"password":              testPassword,
		"password_confirmation": testPassword,
	})
}

func (a *testApp) login(t *testing.T, username string) model.TokenPair {
	t.Helper()

	rec := a.register(t, username)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pair model.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuth_RegisterTwice(t *testing.T) {
	app := newTestApp(t, Throttles{})

	rec := app.register(t, "alice")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"message":"User registered successfully"}`, rec.Body.String())

	rec = app.register(t, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"A user with this username already exists."}, body["username"])
}

func TestAuth_RegisterValidation(t *testing.T) {
	app := newTestApp(t, Throttles{})

	rec := app.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username":              "carol",
		"password":              testPassword,
		"password_confirmation": "something-else",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"Passwords must match"}, body["non_field_errors"])

	rec = app.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username":              "carol",
		"password":              "12345678",
		"password_confirmation": "12345678",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode[map[string][]string](t, rec)
	assert.Contains(t, body["password"], "This password is entirely numeric.")
}

func TestAuth_LoginFailuresAreGeneric(t *testing.T) {
	app := newTestApp(t, Throttles{})
	require.Equal(t, http.StatusCreated, app.register(t, "alice").Code)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "wrong password", username: "alice", password: "wrong-password"},
		{name: "unknown user", username: "nobody", password: testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, http.MethodPost, "/auth/login", "", map[string]string{
				"username": tt.username,
				"password": tt.password,
			})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"Invalid username or password"}`, rec.Body.String())
		})
	}

	t.Run("missing fields", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/auth/login", "", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode[map[string][]string](t, rec)
		assert.Contains(t, body, "username")
		assert.Contains(t, body, "password")
	})
}

func TestAuth_TokenAliasAndProfile(t *testing.T) {
	app := newTestApp(t, Throttles{})
	require.Equal(t, http.StatusCreated, app.register(t, "alice").Code)

	rec := app.do(t, http.MethodPost, "/auth/token", "", map[string]string{
		"username": "alice",
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decode[model.TokenPair](t, rec)
	assert.NotEmpty(t, pair.RefreshToken)

	rec = app.do(t, http.MethodGet, "/auth/me", pair.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"username":"alice"}`, rec.Body.String())

	rec = app.do(t, http.MethodGet, "/auth/dashboard", pair.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Welcome to the Dashboard!","user_info":{"username":"alice","email":"alice@example.com"}}`, rec.Body.String())

	rec = app.do(t, http.MethodPost, "/auth/token/refresh", "", map[string]string{"refreshToken": pair.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	refreshed := decode[model.AccessToken](t, rec)
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/auth/me", refreshed.AccessToken, nil).Code)

	rec = app.do(t, http.MethodPost, "/auth/token/refresh", "", map[string]string{"refreshToken": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_Logout(t *testing.T) {
	app := newTestApp(t, Throttles{})
	alice := app.login(t, "alice")
	bob := app.login(t, "bob")

	t.Run("requires authentication", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/auth/logout", "", map[string]string{"refreshToken": alice.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing refresh token", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/auth/logout", alice.AccessToken, map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Refresh token is required"}`, rec.Body.String())
	})

	t.Run("someone else's refresh token", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/auth/logout", bob.AccessToken, map[string]string{"refreshToken": alice.RefreshToken})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid token"}`, rec.Body.String())
	})

	t.Run("garbage refresh token", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/auth/logout", alice.AccessToken, map[string]string{"refreshToken": "garbage"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid token"}`, rec.Body.String())
	})

	t.Run("revokes the session", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/auth/logout", alice.AccessToken, map[string]string{"refreshToken": alice.RefreshToken})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"Logged out successfully"}`, rec.Body.String())

		rec = app.do(t, http.MethodPost, "/auth/token/refresh", "", map[string]string{"refreshToken": alice.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = app.do(t, http.MethodGet, "/tasks", alice.AccessToken, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = app.do(t, http.MethodGet, "/tasks", bob.AccessToken, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("blacklisted refresh token", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/auth/login", "", map[string]string{
			"username": "bob",
			"password": testPassword,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		second := decode[model.TokenPair](t, rec)

		rec = app.do(t, http.MethodPost, "/auth/logout", second.AccessToken, map[string]string{"refreshToken": bob.RefreshToken})
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = app.do(t, http.MethodPost, "/auth/logout", second.AccessToken, map[string]string{"refreshToken": bob.RefreshToken})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid token"}`, rec.Body.String())
	})
}

func TestTasks_RequireAuthentication(t *testing.T) {
	app := newTestApp(t, Throttles{})

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header"},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "garbage token", header: "Bearer garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			app.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
		})
	}

	t.Run("nothing is stored", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/tasks", "", map[string]string{"title": "a", "description": "b"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		n, err := app.tasks.Count(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestTasks_CRUD(t *testing.T) {
	app := newTestApp(t, Throttles{})
	alice := app.login(t, "alice")

	rec := app.do(t, http.MethodPost, "/tasks", alice.AccessToken, map[string]string{
		"title":       "Buy milk",
		"description": "2%",
		"status":      "In queue",
		"owner":       "someone-else",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "Buy milk", created["title"])
	assert.Equal(t, "2%", created["description"])
	assert.Equal(t, "In queue", created["status"])
	assert.Equal(t, time.Now().UTC().Format(model.DateLayout), created["creation_date"])
	assert.NotEqual(t, "someone-else", created["owner"])
	owner := created["owner"]

	rec = app.do(t, http.MethodGet, "/tasks", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["id"])

	rec = app.do(t, http.MethodGet, "/tasks/"+id, alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPatch, "/tasks/"+id, alice.AccessToken, map[string]string{
		"status":        "Completed",
		"creation_date": "2000-01-01",
		"owner":         "someone-else",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decode[map[string]any](t, rec)
	assert.Equal(t, "Completed", patched["status"])
	assert.Equal(t, "Buy milk", patched["title"])
	assert.Equal(t, created["creation_date"], patched["creation_date"])
	assert.Equal(t, owner, patched["owner"])

	rec = app.do(t, http.MethodPut, "/tasks/"+id, alice.AccessToken, map[string]string{"title": "Only title"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string][]string](t, rec), "description")

	rec = app.do(t, http.MethodPut, "/tasks/"+id, alice.AccessToken, map[string]string{
		"title":       "Buy oat milk",
		"description": "barista",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Buy oat milk", decode[map[string]any](t, rec)["title"])

	rec = app.do(t, http.MethodDelete, "/tasks/"+id, alice.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = app.do(t, http.MethodDelete, "/tasks/"+id, alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"task not found"}`, rec.Body.String())
}

func TestTasks_EmptyList(t *testing.T) {
	app := newTestApp(t, Throttles{})
	alice := app.login(t, "alice")

	rec := app.do(t, http.MethodGet, "/tasks", alice.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTasks_ForeignTaskLooksMissing(t *testing.T) {
	app := newTestApp(t, Throttles{})
	alice := app.login(t, "alice")
	bob := app.login(t, "bob")

	rec := app.do(t, http.MethodPost, "/tasks", alice.AccessToken, map[string]string{"title": "secret", "description": "d"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]any](t, rec)["id"].(string)

	missing := app.do(t, http.MethodGet, "/tasks/does-not-exist", bob.AccessToken, nil)

	for _, method := range []string{http.MethodGet, http.MethodPatch, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rec := app.do(t, method, "/tasks/"+id, bob.AccessToken, map[string]string{"title": "pwned", "description": "pwned"})
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, missing.Body.String(), rec.Body.String())
		})
	}

	rec = app.do(t, http.MethodGet, "/tasks", bob.AccessToken, nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = app.do(t, http.MethodGet, "/tasks/"+id, alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret", decode[map[string]any](t, rec)["title"])
}

func TestTasks_Validation(t *testing.T) {
	app := newTestApp(t, Throttles{})
	alice := app.login(t, "alice")

	tests := []struct {
		name  string
		body  any
		field string
		msg   string
	}{
		{
			name:  "missing description",
			body:  map[string]string{"title": "a"},
			field: "description",
			msg:   model.MsgRequired,
		},
		{
			name:  "blank title",
			body:  map[string]string{"title": "  ", "description": "d"},
			field: "title",
			msg:   model.MsgBlank,
		},
		{
			name:  "title too long",
			body:  map[string]string{"title": strings.Repeat("x", 201), "description": "d"},
			field: "title",
			msg:   "Ensure this field has no more than 200 characters.",
		},
		{
			name:  "unknown status",
			body:  map[string]string{"title": "a", "description": "d", "status": "Done"},
			field: "status",
			msg:   `"Done" is not a valid choice.`,
		},
		{
			name:  "wrong type",
			body:  `{"title": 42, "description": "d"}`,
			field: "title",
			msg:   model.MsgInvalidValue,
		},
		{
			name:  "bad date",
			body:  map[string]string{"title": "a", "description": "d", "creation_date": "24/02/2025"},
			field: "creation_date",
			msg:   model.ErrInvalidDate.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, http.MethodPost, "/tasks", alice.AccessToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[map[string][]string](t, rec)[tt.field], tt.msg)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		rec := app.do(t, http.MethodPost, "/tasks", alice.AccessToken, `{"title":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"invalid request body"}`, rec.Body.String())
	})

	n, err := app.tasks.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestThrottles(t *testing.T) {
	anon := ratelimit.NewMiddleware(ratelimit.ScopeAnon,
		ratelimit.NewMemoryLimiter(ratelimit.Rate{Limit: 2, Window: time.Hour}),
		ratelimit.ByIP,
		ratelimit.WithLogger(quietLogger()),
	)
	app := newTestApp(t, Throttles{Anon: anon.Handler})

	body := map[string]string{"username": "nobody", "password": "whatever-pass"}
	assert.Equal(t, http.StatusUnauthorized, app.do(t, http.MethodPost, "/auth/login", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, app.do(t, http.MethodPost, "/auth/login", "", body).Code)

	rec := app.do(t, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestThrottles_ForwardedFor(t *testing.T) {
	newAnon := func() Throttles {
		anon := ratelimit.NewMiddleware(ratelimit.ScopeAnon,
			ratelimit.NewMemoryLimiter(ratelimit.Rate{Limit: 1, Window: time.Hour}),
			ratelimit.ByIP,
			ratelimit.WithLogger(quietLogger()),
		)
		return Throttles{Anon: anon.Handler}
	}
	body := map[string]string{"username": "nobody", "password": "whatever-pass"}

	loginFrom := func(app *testApp, forwardedFor string) int {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		app.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("headers ignored by default", func(t *testing.T) {
		app := newTestAppWith(t, func(cfg *RouterConfig) { cfg.Throttles = newAnon() })

		assert.Equal(t, http.StatusUnauthorized, loginFrom(app, "203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, loginFrom(app, "203.0.113.2"))
	})

	t.Run("headers honoured when trusted", func(t *testing.T) {
		app := newTestAppWith(t, func(cfg *RouterConfig) {
			cfg.Throttles = newAnon()
			cfg.TrustProxyHeaders = true
		})

		assert.Equal(t, http.StatusUnauthorized, loginFrom(app, "203.0.113.1"))
		assert.Equal(t, http.StatusUnauthorized, loginFrom(app, "203.0.113.2"))
		assert.Equal(t, http.StatusTooManyRequests, loginFrom(app, "203.0.113.1"))
	})
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, Throttles{})

	rec := app.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"database":"ok"}}`, rec.Body.String())
}
