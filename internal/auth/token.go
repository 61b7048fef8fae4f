package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hiroki-koketsu/planner/internal/model"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenConfig holds JWT configuration.
type TokenConfig struct {
	SecretKey       string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Claims represents the custom claims of both token types.
// For refresh tokens the registered ID is the session id; access tokens
// carry it in SessionID so revoking the refresh token revokes them too.
type Claims struct {
	TokenType string `json:"token_type"`
	Username  string `json:"username"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// UserID returns the subject of the token.
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenManager issues and verifies signed tokens.
type TokenManager struct {
	config TokenConfig
	now    func() time.Time
}

// NewTokenManager creates a new TokenManager with the given configuration.
func NewTokenManager(config TokenConfig) *TokenManager {
	return &TokenManager{
		config: config,
		now:    time.Now,
	}
}

// IssuePair creates a refresh token opening a new session and an access
// token bound to it.
func (m *TokenManager) IssuePair(user *model.User) (*model.TokenPair, error) {
	sessionID := uuid.New().String()

	refresh, err := m.sign(&Claims{
		TokenType: tokenTypeRefresh,
		Username:  user.Username,
		SessionID: sessionID,
	}, user.ID, sessionID, m.config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	access, err := m.IssueAccess(user.ID, user.Username, sessionID)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// IssueAccess creates an access token inside an existing session.
func (m *TokenManager) IssueAccess(userID, username, sessionID string) (string, error) {
	return m.sign(&Claims{
		TokenType: tokenTypeAccess,
		Username:  username,
		SessionID: sessionID,
	}, userID, uuid.New().String(), m.config.AccessTokenTTL)
}

func (m *TokenManager) sign(claims *Claims, subject, jti string, ttl time.Duration) (string, error) {
	now := m.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.config.Issuer,
		Subject:   subject,
		ID:        jti,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// Parse validates the signature and registered claims of any token type.
func (m *TokenManager) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.config.SecretKey), nil
	},
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseAccess validates an access token.
func (m *TokenManager) ParseAccess(tokenString string) (*Claims, error) {
	return m.parseType(tokenString, tokenTypeAccess)
}

// ParseRefresh validates a refresh token.
func (m *TokenManager) ParseRefresh(tokenString string) (*Claims, error) {
	return m.parseType(tokenString, tokenTypeRefresh)
}

func (m *TokenManager) parseType(tokenString, tokenType string) (*Claims, error) {
	claims, err := m.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
