package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hiroki-koketsu/planner/internal/auth"
	"github.com/hiroki-koketsu/planner/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/planner/internal/handler")

// TaskStore persists tasks scoped to their owner.
type TaskStore interface {
	Create(ctx context.Context, ownerID string, req *model.CreateTaskRequest) (*model.Task, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Task, error)
	GetByIDForOwner(ctx context.Context, id, ownerID string) (*model.Task, error)
	Update(ctx context.Context, id, ownerID string, req *model.UpdateTaskRequest, mode model.UpdateMode) (*model.Task, error)
	Delete(ctx context.Context, id, ownerID string) error
}

// TaskHandler handles HTTP requests for tasks.
type TaskHandler struct {
	repo   TaskStore
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(repo TaskStore, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		repo:   repo,
		logger: logger,
	}
}

// Routes returns the chi router with task routes. Every route expects
// RequireAuth to have run.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.GetByID)
	r.Patch("/{id}", h.PartialUpdate)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)

	return r
}

// List returns the caller's tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "TaskHandler.List")
	defer span.End()

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	tasks, err := h.repo.ListByOwner(ctx, caller.UserID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list tasks", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	h.logger.InfoContext(ctx, "tasks listed", slog.Int("count", len(tasks)))

	respondJSON(w, http.StatusOK, tasks)
}

// Create adds a new task owned by the caller.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "TaskHandler.Create")
	defer span.End()

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		respondDecodeError(w, err)
		return
	}

	task, err := h.repo.Create(ctx, caller.UserID, &req)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			h.logger.WarnContext(ctx, "validation failed", slog.Any("error", err))
			respondValidation(w, ve)
			return
		}
		h.logger.ErrorContext(ctx, "failed to create task", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	h.logger.InfoContext(ctx, "task created", slog.String("id", task.ID))

	respondJSON(w, http.StatusCreated, task)
}

// GetByID returns one of the caller's tasks.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "TaskHandler.GetByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	task, err := h.repo.GetByIDForOwner(ctx, id, caller.UserID)
	if err != nil {
		h.respondTaskError(ctx, w, id, "get", err)
		return
	}

	respondJSON(w, http.StatusOK, task)
}

// PartialUpdate changes the fields present in the body.
func (h *TaskHandler) PartialUpdate(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, model.UpdatePartial)
}

// Update replaces the task's editable fields.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, model.UpdateFull)
}

func (h *TaskHandler) update(w http.ResponseWriter, r *http.Request, mode model.UpdateMode) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "TaskHandler.Update",
		trace.WithAttributes(
			attribute.String("task.id", id),
			attribute.String("task.update_mode", mode.String()),
		),
	)
	defer span.End()

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req model.UpdateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		respondDecodeError(w, err)
		return
	}

	task, err := h.repo.Update(ctx, id, caller.UserID, &req, mode)
	if err != nil {
		h.respondTaskError(ctx, w, id, "update", err)
		return
	}

	h.logger.InfoContext(ctx, "task updated", slog.String("id", id), slog.String("mode", mode.String()))

	respondJSON(w, http.StatusOK, task)
}

// Delete removes one of the caller's tasks.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := tracer.Start(r.Context(), "TaskHandler.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(ctx, id, caller.UserID); err != nil {
		h.respondTaskError(ctx, w, id, "delete", err)
		return
	}

	h.logger.InfoContext(ctx, "task deleted", slog.String("id", id))

	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) caller(w http.ResponseWriter, r *http.Request) (*model.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w, msgNoCredentials)
		return nil, false
	}
	return identity, true
}

// respondTaskError maps store errors. Missing and foreign tasks share one
// response.
func (h *TaskHandler) respondTaskError(ctx context.Context, w http.ResponseWriter, id, action string, err error) {
	span := trace.SpanFromContext(ctx)

	var ve *model.ValidationError
	switch {
	case errors.Is(err, model.ErrTaskNotFound):
		span.SetAttributes(attribute.Bool("task.found", false))
		h.logger.WarnContext(ctx, "task not found", slog.String("id", id))
		respondError(w, http.StatusNotFound, model.ErrTaskNotFound.Error())
	case errors.As(err, &ve):
		h.logger.WarnContext(ctx, "validation failed", slog.Any("error", err))
		respondValidation(w, ve)
	default:
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "failed to "+action+" task", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "failed to "+action+" task")
	}
}
