package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTitleLength bounds Task.Title in code points.
const MaxTitleLength = 200

// Status is the progress state of a task. The zero value means unset.
type Status string

const (
	StatusUnset      Status = ""
	StatusInQueue    Status = "In queue"
	StatusInProgress Status = "In progress"
	StatusCompleted  Status = "Completed"
	StatusPostponed  Status = "Postponed"
)

// Valid reports whether s is one of the known statuses, unset included.
func (s Status) Valid() bool {
	switch s {
	case StatusUnset, StatusInQueue, StatusInProgress, StatusCompleted, StatusPostponed:
		return true
	}
	return false
}

// Task represents a todo item owned by exactly one user.
type Task struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title        string    `gorm:"size:200;not null" json:"title"`
	OwnerID      string    `gorm:"column:owner_id;type:varchar(36);not null;index" json:"owner"`
	Description  string    `gorm:"type:text;not null" json:"description"`
	Status       Status    `gorm:"size:30;not null;default:''" json:"status"`
	CreationDate Date      `gorm:"type:date;not null" json:"creation_date"`
	CreatedAt    time.Time `gorm:"not null" json:"-"`
	// Seq orders tasks by insertion, ties on CreatedAt included.
	Seq int64 `gorm:"not null;index" json:"-"`
}

// TableName returns the table name for the Task entity.
func (Task) TableName() string {
	return "tasks"
}

// CreateTaskRequest represents the request body for creating a task.
// Any owner in the payload is ignored; ownership comes from the caller.
type CreateTaskRequest struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Status       *Status `json:"status"`
	CreationDate *Date   `json:"creation_date"`
}

// UpdateMode selects between PATCH and PUT semantics.
type UpdateMode int

const (
	UpdatePartial UpdateMode = iota
	UpdateFull
)

func (m UpdateMode) String() string {
	if m == UpdateFull {
		return "full"
	}
	return "partial"
}

// UpdateTaskRequest represents the request body for updating a task.
// owner and creation_date are read-only after creation and have no field here.
type UpdateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *Status `json:"status"`
}

// Validate checks if the CreateTaskRequest is valid.
func (r *CreateTaskRequest) Validate() error {
	ve := NewValidationError()
	validateText(ve, "title", r.Title, true)
	validateText(ve, "description", r.Description, true)
	validateStatus(ve, r.Status)
	return ve.OrNil()
}

// Validate checks the payload for the given mode. Full updates require
// title and description; partial updates only check what is present.
func (r *UpdateTaskRequest) Validate(mode UpdateMode) error {
	required := mode == UpdateFull
	ve := NewValidationError()
	validateText(ve, "title", r.Title, required)
	validateText(ve, "description", r.Description, required)
	validateStatus(ve, r.Status)
	return ve.OrNil()
}

// Apply copies the present fields onto t.
func (r *UpdateTaskRequest) Apply(t *Task) {
	if r.Title != nil {
		t.Title = *r.Title
	}
	if r.Description != nil {
		t.Description = *r.Description
	}
	if r.Status != nil {
		t.Status = *r.Status
	}
}

func validateText(ve *ValidationError, field string, value *string, required bool) {
	if value == nil {
		if required {
			ve.Add(field, MsgRequired)
		}
		return
	}
	if strings.TrimSpace(*value) == "" {
		ve.Add(field, MsgBlank)
		return
	}
	if field == "title" && utf8.RuneCountInString(*value) > MaxTitleLength {
		ve.Add(field, fmt.Sprintf("Ensure this field has no more than %d characters.", MaxTitleLength))
	}
}

func validateStatus(ve *ValidationError, s *Status) {
	if s != nil && !s.Valid() {
		ve.Add("status", fmt.Sprintf("%q is not a valid choice.", string(*s)))
	}
}

// TaskError represents a domain error for tasks.
type TaskError struct {
	Message string
}

func (e TaskError) Error() string {
	return e.Message
}

var (
	// ErrTaskNotFound covers both missing tasks and tasks owned by someone else.
	ErrTaskNotFound = TaskError{Message: "task not found"}
)
