package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys set by the auth middleware
const (
	MemberIDKey = "member_id"
	RoleKey     = "role"
)

// Roles carried in token claims
const (
	RoleMember    = "MEMBER"
	RoleLibrarian = "LIBRARIAN"
)

// Claims is the JWT claim set issued by the identity service
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth validates the bearer token and stores the caller's identity in the
// gin context. Websocket clients may pass the token as a query parameter
// since browsers cannot set headers on upgrade requests.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			abortUnauthorized(c, "Missing bearer token")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		memberID, err := uuid.Parse(claims.Subject)
		if err != nil {
			abortUnauthorized(c, "Invalid token subject")
			return
		}

		c.Set(MemberIDKey, memberID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// RequireStaff rejects callers whose token does not carry the librarian role
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != RoleLibrarian {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"code":    "FORBIDDEN",
					"message": "Staff role required",
				},
			})
			return
		}
		c.Next()
	}
}

// GetMemberID retrieves the authenticated caller's ID from the gin context
func GetMemberID(c *gin.Context) uuid.UUID {
	if id, exists := c.Get(MemberIDKey); exists {
		if memberID, ok := id.(uuid.UUID); ok {
			return memberID
		}
	}
	return uuid.Nil
}

// GetRole retrieves the authenticated caller's role from the gin context
func GetRole(c *gin.Context) string {
	if r, exists := c.Get(RoleKey); exists {
		if role, ok := r.(string); ok {
			return role
		}
	}
	return ""
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":    "UNAUTHORIZED",
			"message": message,
		},
	})
}
