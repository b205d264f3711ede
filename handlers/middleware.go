package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/meterable/meterable/authz"
)

// RequireAPIVersion rejects requests below the minimum protocol version
// before any other processing. Cheap early guard: no cache or storage access
// happens for outdated clients.
func RequireAPIVersion(min int) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Api-Version")
		version, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || version < min {
			c.JSON(http.StatusUpgradeRequired, gin.H{
				"error": gin.H{
					"code":    string(authz.CodeUpgradeRequired),
					"minimum": min,
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ServiceAuthMiddleware validates HMAC service tokens on administrative
// endpoints. Peers are other backend services, not end users.
type ServiceAuthMiddleware struct {
	secret []byte
}

// NewServiceAuthMiddleware creates a new ServiceAuthMiddleware
func NewServiceAuthMiddleware(secret string) *ServiceAuthMiddleware {
	return &ServiceAuthMiddleware{secret: []byte(secret)}
}

// RequireServiceToken validates the Authorization bearer token
func (m *ServiceAuthMiddleware) RequireServiceToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header format"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
			c.Abort()
			return
		}

		if sub, err := token.Claims.GetSubject(); err == nil {
			c.Set("service", sub)
		}
		c.Next()
	}
}
