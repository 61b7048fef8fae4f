package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hiroki-koketsu/planner/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/planner/internal/repository")

// ownedBy is the single predicate that scopes every lookup and mutation.
const ownedBy = "id = ? AND owner_id = ?"

// sequence hands out strictly increasing values seeded from the clock, so
// tasks created within one clock tick keep their insertion order.
type sequence struct {
	last atomic.Int64
}

func (s *sequence) next(now time.Time) int64 {
	for {
		last := s.last.Load()
		n := now.UnixNano()
		if n <= last {
			n = last + 1
		}
		if s.last.CompareAndSwap(last, n) {
			return n
		}
	}
}

var taskSeq sequence

// TaskRepository stores tasks and scopes every access to their owner.
type TaskRepository struct {
	db  *gorm.DB
	now func() time.Time
	loc *time.Location
}

// TaskOption configures a TaskRepository.
type TaskOption func(*TaskRepository)

// WithClock overrides the clock used to stamp creation dates.
func WithClock(now func() time.Time) TaskOption {
	return func(r *TaskRepository) {
		r.now = now
	}
}

// WithLocation sets the time zone that decides which calendar day "today" is.
func WithLocation(loc *time.Location) TaskOption {
	return func(r *TaskRepository) {
		r.loc = loc
	}
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *gorm.DB, opts ...TaskOption) *TaskRepository {
	r := &TaskRepository{
		db:  db,
		now: time.Now,
		loc: time.UTC,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates req and stores a new task owned by ownerID.
func (r *TaskRepository) Create(ctx context.Context, ownerID string, req *model.CreateTaskRequest) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskRepository.Create",
		trace.WithAttributes(attribute.String("task.owner", ownerID)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	task := &model.Task{
		ID:           uuid.New().String(),
		Title:        *req.Title,
		OwnerID:      ownerID,
		Description:  *req.Description,
		Status:       model.StatusUnset,
		CreationDate: model.NewDate(now.In(r.loc)),
		CreatedAt:    now.UTC(),
		Seq:          taskSeq.next(now),
	}
	if req.Status != nil {
		task.Status = *req.Status
	}
	if req.CreationDate != nil {
		task.CreationDate = *req.CreationDate
	}

	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	return task, nil
}

// ListByOwner returns every task owned by ownerID in insertion order.
func (r *TaskRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskRepository.ListByOwner",
		trace.WithAttributes(attribute.String("task.owner", ownerID)),
	)
	defer span.End()

	tasks := make([]*model.Task, 0)
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("seq, id").
		Find(&tasks).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// GetByIDForOwner retrieves a task by id, but only if ownerID owns it.
// A task owned by someone else is reported as model.ErrTaskNotFound.
func (r *TaskRepository) GetByIDForOwner(ctx context.Context, id, ownerID string) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskRepository.GetByIDForOwner",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	task, err := findOwned(r.db.WithContext(ctx), id, ownerID)
	span.SetAttributes(attribute.Bool("task.found", err == nil))
	return task, err
}

// Update applies req to the task under the given mode. Lookup happens
// first, so a missing or foreign task wins over a malformed payload.
func (r *TaskRepository) Update(ctx context.Context, id, ownerID string, req *model.UpdateTaskRequest, mode model.UpdateMode) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "TaskRepository.Update",
		trace.WithAttributes(
			attribute.String("task.id", id),
			attribute.String("task.update_mode", mode.String()),
		),
	)
	defer span.End()

	var task *model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := findOwned(tx, id, ownerID)
		if err != nil {
			return err
		}
		if err := req.Validate(mode); err != nil {
			return err
		}

		req.Apply(found)
		result := tx.Model(&model.Task{}).
			Where(ownedBy, id, ownerID).
			Updates(map[string]any{
				"title":       found.Title,
				"description": found.Description,
				"status":      found.Status,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update task: %w", result.Error)
		}
		task = found
		return nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("task.found", !errors.Is(err, model.ErrTaskNotFound)))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return task, nil
}

// Delete permanently removes the task if ownerID owns it.
func (r *TaskRepository) Delete(ctx context.Context, id, ownerID string) error {
	ctx, span := tracer.Start(ctx, "TaskRepository.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	result := r.db.WithContext(ctx).Where(ownedBy, id, ownerID).Delete(&model.Task{})
	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("failed to delete task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		span.SetAttributes(attribute.Bool("task.found", false))
		return model.ErrTaskNotFound
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return nil
}

// Count returns the current number of tasks across all owners.
func (r *TaskRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Task{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

func findOwned(db *gorm.DB, id, ownerID string) (*model.Task, error) {
	var task model.Task
	if err := db.Where(ownedBy, id, ownerID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}
