package model

import (
	"time"
)

// User represents a registered account.
type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username     string    `gorm:"size:150;uniqueIndex;not null" json:"username"`
	Email        string    `gorm:"size:254" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the table name for the User entity.
func (User) TableName() string {
	return "users"
}

// BlacklistedToken records a revoked refresh token by its jti.
type BlacklistedToken struct {
	JTI           string    `gorm:"primaryKey;type:varchar(36)"`
	UserID        string    `gorm:"type:varchar(36);not null;index"`
	ExpiresAt     time.Time `gorm:"not null;index"`
	BlacklistedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for the BlacklistedToken entity.
func (BlacklistedToken) TableName() string {
	return "blacklisted_tokens"
}

// RegisterRequest represents the request body for user registration.
type RegisterRequest struct {
	Username             string `json:"username"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// LoginRequest represents the request body for obtaining a token pair.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshTokenRequest carries a refresh token for refresh and logout.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenPair is returned by login.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AccessToken is returned by token refresh.
type AccessToken struct {
	AccessToken string `json:"accessToken"`
}

// Identity is the verified caller attached to an authenticated request.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

// UserError represents a domain error for accounts.
type UserError struct {
	Message string
}

func (e UserError) Error() string {
	return e.Message
}

var (
	ErrUserNotFound  = UserError{Message: "user not found"}
	ErrUsernameTaken = UserError{Message: "A user with this username already exists."}
)
