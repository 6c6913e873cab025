package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"consult-platform/internal/audit"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

func (h Handlers) GetWalletBalance(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok {
		return
	}
	if h.Wallet == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "wallet not configured"})
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), partyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"party_id":        bal.PartyID,
		"currency":        bal.Currency,
		"balance_minor":   bal.BalanceMinor,
		"reserved_minor":  bal.ReservedMinor,
		"available_minor": bal.AvailableMinor(),
		"updated_at":      bal.UpdatedAt,
	})
}

type adminCreditRequest struct {
	PartyID        string `json:"party_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	// SessionID, when set, tells that live call the caller has been topped up.
	SessionID string `json:"session_id,omitempty"`
}

// AdminCredit credits a party's wallet and records the top-up in the audit log.
// RBAC: admin.
func (h Handlers) AdminCredit(c *gin.Context) {
	adminID, adminRole, ok := identity(c)
	if !ok {
		return
	}
	if h.Wallet == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "wallet not configured"})
		return
	}

	var req adminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.PartyID = strings.TrimSpace(req.PartyID)
	if req.PartyID == "" || req.IdempotencyKey == "" || req.AmountMinor <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "party_id, positive amount_minor, idempotency_key required"})
		return
	}
	if req.Currency == "" {
		req.Currency = h.Currency
	}
	req.Currency = strings.ToUpper(req.Currency)

	ctx := c.Request.Context()
	bal, err := h.Wallet.Credit(ctx, req.PartyID, wallet.CreditRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		ExternalRef:    req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	log := logger.FromGin(c)
	if h.Audit != nil {
		if err := h.Audit.LogTopUp(ctx, req.PartyID, adminID, adminRole, c.ClientIP(), req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
			log.Error("audit top-up failed", "party_id", req.PartyID, "err", err)
		}
	}
	if req.SessionID != "" && h.Calls != nil {
		if _, err := h.Calls.TopUp(ctx, req.SessionID, req.PartyID); err != nil {
			log.Warn("top-up not applied to session", "session_id", req.SessionID, "party_id", req.PartyID, "err", err)
		}
	}
	c.JSON(http.StatusOK, bal)
}

// AdminAuditLog lists the newest audit events about a party (?limit=, max 500).
// RBAC: admin.
func (h Handlers) AdminAuditLog(c *gin.Context) {
	if _, _, ok := identity(c); !ok {
		return
	}
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	evs, err := h.Audit.Recent(c.Request.Context(), c.Param("party_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}
