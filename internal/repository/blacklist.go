package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hiroki-koketsu/planner/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TokenBlacklistRepository keeps revoked refresh token ids in the database.
type TokenBlacklistRepository struct {
	db *gorm.DB
}

// NewTokenBlacklistRepository creates a new TokenBlacklistRepository.
func NewTokenBlacklistRepository(db *gorm.DB) *TokenBlacklistRepository {
	return &TokenBlacklistRepository{db: db}
}

// Revoke records jti as revoked. Revoking twice is not an error.
func (r *TokenBlacklistRepository) Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	ctx, span := tracer.Start(ctx, "TokenBlacklistRepository.Revoke",
		trace.WithAttributes(attribute.String("token.jti", jti)),
	)
	defer span.End()

	entry := &model.BlacklistedToken{
		JTI:           jti,
		UserID:        userID,
		ExpiresAt:     expiresAt.UTC(),
		BlacklistedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry).Error
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti has been revoked.
func (r *TokenBlacklistRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.BlacklistedToken{}).Where("jti = ?", jti).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return count > 0, nil
}

// PurgeExpired deletes entries whose token has expired anyway.
func (r *TokenBlacklistRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("expires_at < ?", now.UTC()).Delete(&model.BlacklistedToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge blacklist: %w", result.Error)
	}
	return result.RowsAffected, nil
}
