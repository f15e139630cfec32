// Package jwt validates the bearer tokens issued by the external identity
// provider. Tokens are HS256 signed with a secret shared with the provider;
// the display name travels in the user_metadata claim.
package jwt

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingUser  = errors.New("token has no user id")
)

// MetadataName is the user_metadata key holding the display name.
const MetadataName = "name"

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string         `json:"user_id"`
	Email    string         `json:"email,omitempty"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// DisplayName returns the trimmed display name from user_metadata, or "".
func (c *Claims) DisplayName() string {
	if c.Metadata == nil {
		return ""
	}
	name, _ := c.Metadata[MetadataName].(string)
	return strings.TrimSpace(name)
}

// Manager handles JWT operations.
type Manager struct {
	secret   []byte
	issuer   string
	duration time.Duration
	now      func() time.Time
}

// NewManager creates a new JWT manager. An empty issuer disables the issuer check.
func NewManager(secret, issuer string, duration time.Duration) (*Manager, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &Manager{
		secret:   []byte(secret),
		issuer:   issuer,
		duration: duration,
		now:      time.Now,
	}, nil
}

// Generate signs a token for userID. It exists for development tooling and
// tests; production tokens come from the identity provider.
func (m *Manager) Generate(userID, email string, metadata map[string]any) (string, error) {
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
		UserID:   userID,
		Email:    email,
		Metadata: metadata,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate validates a token and returns claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrMissingUser
	}

	return claims, nil
}
