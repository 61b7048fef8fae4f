package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/hiroki-koketsu/planner/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// UserRepository handles user persistence using GORM.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user. A duplicate username yields model.ErrUsernameTaken.
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	ctx, span := tracer.Start(ctx, "UserRepository.Create",
		trace.WithAttributes(attribute.String("user.id", user.ID)),
	)
	defer span.End()

	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.ErrUsernameTaken
		}
		span.RecordError(err)
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindByUsername finds a user by username.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	ctx, span := tracer.Start(ctx, "UserRepository.FindByUsername")
	defer span.End()

	return r.first(ctx, "username = ?", username)
}

// FindByID finds a user by id.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	ctx, span := tracer.Start(ctx, "UserRepository.FindByID",
		trace.WithAttributes(attribute.String("user.id", id)),
	)
	defer span.End()

	return r.first(ctx, "id = ?", id)
}

// UsernameExists checks if a user with the given username exists.
func (r *UserRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.User{}).Where("username = ?", username).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return count > 0, nil
}

func (r *UserRepository) first(ctx context.Context, query string, arg any) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}
