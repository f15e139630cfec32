package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/duo-chat/pkg/jwt"
	"github.com/weiawesome/duo-chat/pkg/log"
	"github.com/weiawesome/duo-chat/pkg/response"
)

const (
	UserIDKey      = log.FieldUserID
	DisplayNameKey = log.FieldDisplayName
	EmailKey       = "email"
	AuthHeaderKey  = "Authorization"
	BearerPrefix   = "Bearer "
)

// CodeNameRequired is returned when a valid token carries no display name.
const CodeNameRequired = "NAME_REQUIRED"

// ErrNameRequired marks an identity without a display name.
var ErrNameRequired = errors.New("display name required")

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*jwt.Claims, error)
}

// AuthMiddleware validates JWT tokens locally with the shared secret.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Authenticate validates a raw token and requires a display name.
func Authenticate(v TokenValidator, token string) (*jwt.Claims, error) {
	claims, err := v.Validate(token)
	if err != nil {
		return nil, err
	}
	if claims.DisplayName() == "" {
		return claims, ErrNameRequired
	}
	return claims, nil
}

// RequireAuth returns a Gin middleware that validates JWT tokens.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			response.Unauthorized(c, "invalid authorization format")
			c.Abort()
			return
		}

		claims, err := Authenticate(m.validator, strings.TrimPrefix(authHeader, BearerPrefix))
		if errors.Is(err, ErrNameRequired) {
			response.NameRequired(c)
			c.Abort()
			return
		}
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(DisplayNameKey, claims.DisplayName())
		c.Set(EmailKey, claims.Email)

		c.Next()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetDisplayName extracts the display name from Gin context.
func GetDisplayName(c *gin.Context) string {
	return c.GetString(DisplayNameKey)
}

// GetEmail extracts email from Gin context.
func GetEmail(c *gin.Context) string {
	return c.GetString(EmailKey)
}
