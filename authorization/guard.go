package authorization

import (
	"net/http"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard exposes the middleware helpers handlers attach to routes.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// Guard returns the guard helper backed by the module's middleware.
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return &Guard{jwt: m.jwtMiddleware}
}

// RequireAuthenticated ensures the request carries a valid token.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required", "code": "unauthorized"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// Optional resolves identity when a valid token is present and continues
// anonymously otherwise. Chat routes use this: anonymous visitors are
// legitimate callers there.
func (g *Guard) Optional() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		claims, err := g.jwt.GetClaimsFromJWT(c)
		if err == nil {
			if identity := identityFromClaims(claims); identity != nil {
				c.Set("JWT_PAYLOAD", claims)
				c.Set(identityKey, identity)
			}
		}
		c.Next()
	}
}

// SetIdentity attaches an identity directly to the request context.
// Handlers under test use this in place of the middleware.
func SetIdentity(c *gin.Context, identity *Identity) {
	c.Set(identityKey, identity)
}

// CurrentUser returns the resolved identity, or false for anonymous
// callers. Works after both RequireAuthenticated and Optional.
func CurrentUser(c *gin.Context) (*Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*Identity)
	if !ok || identity == nil || identity.UserID == 0 {
		return nil, false
	}
	return identity, true
}

// UserIDOrZero returns the caller's user id, zero for anonymous.
func UserIDOrZero(c *gin.Context) uint64 {
	if identity, ok := CurrentUser(c); ok {
		return identity.UserID
	}
	return 0
}
