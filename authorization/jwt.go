// Package authorization resolves caller identity from bearer tokens.
// Account creation and credential management live in a separate service;
// this package only validates the JWTs that service mints (shared
// JWT_SECRET) and exposes middleware for required and optional identity.
package authorization

import (
	"errors"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const (
	identityKey    = "user_id"
	defaultTimeout = time.Hour
)

// Identity is the caller resolved from a verified token.
type Identity struct {
	UserID   uint64
	Username string
}

// Module wraps the configured JWT middleware.
type Module struct {
	jwtMiddleware *jwt.GinJWTMiddleware
}

// NewFromEnv builds the JWT middleware from JWT_SECRET. Token lifetime
// follows the issuing service; AUTH_TOKEN_TTL_MINUTES overrides the
// default hour for refresh-window validation.
func NewFromEnv() (*Module, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	timeout := defaultTimeout
	if raw := strings.TrimSpace(os.Getenv("AUTH_TOKEN_TTL_MINUTES")); raw != "" {
		if minutes, err := time.ParseDuration(raw + "m"); err == nil && minutes > 0 {
			timeout = minutes
		}
	}

	middleware, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "cognita",
		Key:         []byte(secret),
		Timeout:     timeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return identityFromClaims(claims)
		},
		// Login is handled by the account service; no route here ever
		// calls LoginHandler, so authentication always refuses.
		Authenticator: func(c *gin.Context) (interface{}, error) {
			return nil, jwt.ErrFailedAuthentication
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			identity, ok := data.(*Identity)
			return ok && identity != nil && identity.UserID != 0
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message, "code": "unauthorized"})
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
	if err != nil {
		return nil, err
	}

	return &Module{jwtMiddleware: middleware}, nil
}

func identityFromClaims(claims jwt.MapClaims) *Identity {
	if len(claims) == 0 {
		return nil
	}

	var id uint64
	switch v := claims[identityKey].(type) {
	case float64:
		if v > 0 {
			id = uint64(v)
		}
	case int64:
		if v > 0 {
			id = uint64(v)
		}
	case uint64:
		id = v
	case int:
		if v > 0 {
			id = uint64(v)
		}
	}
	if id == 0 {
		return nil
	}

	username, _ := claims["username"].(string)
	return &Identity{UserID: id, Username: username}
}
