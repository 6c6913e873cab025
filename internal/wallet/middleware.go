package wallet

import (
	"context"
	"errors"
	"net/http"

	"consult-platform/internal/auth"
	"consult-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// BalanceService is the minimal wallet service interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, partyID string) (Balance, error)
}

// RequireSufficientBalance blocks call initiation when the caller cannot cover
// minMinor. A zero minimum only requires that the wallet exists.
//
// Admins bypass the check.
func RequireSufficientBalance(svc BalanceService, minMinor int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		partyID, err := auth.PartyID(c.Request.Context())
		if err != nil || partyID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "party_id required"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), partyID)
		switch {
		case errors.Is(err, ErrNotFound):
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "no wallet for caller"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal.BalanceMinor < minMinor {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
			return
		}

		c.Next()
	}
}
