package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"apologize/internal/models"
)

// Token verification failures. Handlers collapse both to 401.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the signed payload of a bearer token: a point-in-time snapshot
// of the identity at issue. Legacy tokens carry Authenticated only, with
// no resolved identity.
type Claims struct {
	UserID        int64  `json:"user_id,omitempty"`
	Username      string `json:"username,omitempty"`
	Role          string `json:"role,omitempty"`
	Authenticated bool   `json:"authenticated"`
	jwt.RegisteredClaims
}

// HasIdentity reports whether the claims resolve to a user account.
func (c *Claims) HasIdentity() bool {
	return c != nil && c.UserID > 0
}

// Service issues and verifies signed, time-limited bearer tokens. It is
// stateless: the signing secret and lifetime are process-wide configuration.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService constructs a token service with the supplied lifetime.
func NewService(secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token embedding the user's id, username and role.
func (s *Service) Issue(user *models.User) (string, error) {
	if user == nil || user.ID <= 0 {
		return "", errors.New("invalid user")
	}
	now := time.Now()
	claims := &Claims{
		UserID:        user.ID,
		Username:      user.Username,
		Role:          user.Role,
		Authenticated: true,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// IssueLegacy mints an anonymous token for the shared-secret gate. It
// authenticates the caller without resolving an identity, so endpoints
// that need a user account must still reject it.
func (s *Service) IssueLegacy() (string, error) {
	now := time.Now()
	claims := &Claims{
		Authenticated: true,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign legacy token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a token, returning its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TTL reports the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}
