package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hiroki-koketsu/planner/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/planner/internal/auth")

var (
	// ErrInvalidCredentials is returned when login credentials are invalid.
	ErrInvalidCredentials = errors.New("Invalid username or password")
	// ErrRefreshTokenRequired is returned by logout without a refresh token.
	ErrRefreshTokenRequired = errors.New("Refresh token is required")
	// ErrTokenRevoked is returned for tokens of a logged out session.
	ErrTokenRevoked = errors.New("token has been revoked")
)

const (
	maxUsernameLength = 150
	msgPasswordsMatch = "Passwords must match"
)

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

// UserStore is the identity store used by Service.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// Blacklist is the set of revoked sessions, keyed by refresh token id.
type Blacklist interface {
	Revoke(ctx context.Context, jti, userID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Service handles registration, login and session lifecycle.
type Service struct {
	users     UserStore
	blacklist Blacklist
	hasher    *PasswordHasher
	tokens    *TokenManager
}

// NewService creates a new Service.
func NewService(users UserStore, blacklist Blacklist, hasher *PasswordHasher, tokens *TokenManager) *Service {
	return &Service{
		users:     users,
		blacklist: blacklist,
		hasher:    hasher,
		tokens:    tokens,
	}
}

// Register validates req and creates the account. Field problems are
// reported together in a *model.ValidationError.
func (s *Service) Register(ctx context.Context, req *model.RegisterRequest) (*model.User, error) {
	ctx, span := tracer.Start(ctx, "AuthService.Register")
	defer span.End()

	ve := model.NewValidationError()
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)

	switch {
	case username == "":
		ve.Add("username", model.MsgRequired)
	case utf8.RuneCountInString(username) > maxUsernameLength:
		ve.Add("username", fmt.Sprintf("Ensure this field has no more than %d characters.", maxUsernameLength))
	case !usernamePattern.MatchString(username):
		ve.Add("username", "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters.")
	}

	if email != "" {
		if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
			ve.Add("email", "Enter a valid email address.")
		}
	}

	if req.Password == "" {
		ve.Add("password", model.MsgRequired)
	}
	if req.PasswordConfirmation == "" {
		ve.Add("password_confirmation", model.MsgRequired)
	}
	if req.Password != "" && req.PasswordConfirmation != "" && req.Password != req.PasswordConfirmation {
		ve.Add(model.NonFieldErrorKey, msgPasswordsMatch)
	}
	if req.Password != "" {
		for _, problem := range ValidatePasswordStrength(req.Password, map[string]string{
			"username": username,
			"email":    email,
		}) {
			ve.Add("password", problem)
		}
	}

	if !ve.Has("username") {
		exists, err := s.users.UsernameExists(ctx, username)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to check username: %w", err)
		}
		if exists {
			ve.Add("username", model.ErrUsernameTaken.Message)
		}
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		// lost a race with a concurrent registration
		if errors.Is(err, model.ErrUsernameTaken) {
			ve.Add("username", model.ErrUsernameTaken.Message)
			return nil, ve
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("user.id", user.ID))
	return user, nil
}

// Login verifies the credentials and opens a new session.
func (s *Service) Login(ctx context.Context, req *model.LoginRequest) (*model.TokenPair, error) {
	ctx, span := tracer.Start(ctx, "AuthService.Login")
	defer span.End()

	user, err := s.users.FindByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			s.hasher.VerifyDummy(req.Password)
			return nil, ErrInvalidCredentials
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	span.SetAttributes(attribute.String("user.id", user.ID))
	return pair, nil
}

// Refresh issues a new access token for the session of refreshToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.AccessToken, error) {
	ctx, span := tracer.Start(ctx, "AuthService.Refresh")
	defer span.End()

	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	if err := s.checkSession(ctx, claims.SessionID); err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	access, err := s.tokens.IssueAccess(user.ID, user.Username, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	return &model.AccessToken{AccessToken: access}, nil
}

// Logout revokes the session of refreshToken. The token must belong to the
// caller.
func (s *Service) Logout(ctx context.Context, caller *model.Identity, refreshToken string) error {
	ctx, span := tracer.Start(ctx, "AuthService.Logout",
		trace.WithAttributes(attribute.String("user.id", caller.UserID)),
	)
	defer span.End()

	if strings.TrimSpace(refreshToken) == "" {
		return ErrRefreshTokenRequired
	}

	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil || claims.UserID() != caller.UserID {
		return ErrInvalidToken
	}
	if err := s.checkSession(ctx, claims.SessionID); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			return ErrInvalidToken
		}
		span.RecordError(err)
		return err
	}

	if err := s.blacklist.Revoke(ctx, claims.SessionID, claims.UserID(), claims.ExpiresAt.Time); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// Authenticate verifies an access token and returns the caller identity.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*model.Identity, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, err
	}
	if err := s.checkSession(ctx, claims.SessionID); err != nil {
		return nil, err
	}

	return &model.Identity{
		UserID:    claims.UserID(),
		Username:  claims.Username,
		SessionID: claims.SessionID,
	}, nil
}

// Profile returns the account of userID.
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	return s.users.FindByID(ctx, userID)
}

func (s *Service) checkSession(ctx context.Context, sessionID string) error {
	revoked, err := s.blacklist.IsRevoked(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}
