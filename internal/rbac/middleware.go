package rbac

import (
	"net/http"

	"consult-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireParty enforces that the authenticated identity is a call party (or admin).
func RequireParty() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, err := auth.PartyID(c.Request.Context())
		if err != nil || pid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "party_id required"})
			return
		}
		role, _ := auth.Role(c.Request.Context())
		if !IsParty(role) && !IsAdmin(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// admin bypasses all checks.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
