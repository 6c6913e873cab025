package httpapi

import (
	"context"
	"net/http"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/auth"
	"consult-platform/internal/calls"
	"consult-platform/internal/events"
	"consult-platform/internal/presence"
	"consult-platform/internal/rbac"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"

	"github.com/gin-gonic/gin"
)

// CallService is the orchestrator façade plus its reads.
type CallService interface {
	events.Commands
	Terminate(ctx context.Context, sessionID, actorID, reason string) (calls.CallRequest, error)
	Get(ctx context.Context, sessionID string) (calls.CallRequest, error)
	Pending(calleeID string) []calls.PendingCall
}

// WalletService is the part of the ledger the HTTP surface touches.
type WalletService interface {
	GetBalance(ctx context.Context, partyID string) (wallet.Balance, error)
	Credit(ctx context.Context, partyID string, req wallet.CreditRequest) (wallet.Balance, error)
}

// Outbox exposes undelivered notifications to polling parties.
type Outbox interface {
	Unacked(partyID string) []events.Outbound
	Ack(partyID string, seq uint64)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Calls     CallService
	Wallet    WalletService
	Audit     *audit.Service
	Reporting *reporting.Service
	Presence  presence.Cache
	Outbox    Outbox

	// Currency is used when an admin credit omits one.
	Currency string
}

// identity reads what auth.RequireAccessToken put on the request.
func identity(c *gin.Context) (partyID, role string, ok bool) {
	partyID, err := auth.PartyID(c.Request.Context())
	if err != nil || partyID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "party_id required"})
		return "", "", false
	}
	role, _ = auth.Role(c.Request.Context())
	return partyID, role, true
}

// --- Auth ---

type loginRequest struct {
	PartyID string `json:"party_id"`
	Role    string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: development only; it is not routed in production and performs no
// credential check.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.PartyID == "" || (!rbac.IsParty(req.Role) && !rbac.IsAdmin(req.Role)) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "party_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.PartyID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(time.Now(), req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	partyID, role, ok := identity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"party_id": partyID, "role": role})
}

// --- Presence ---

type heartbeatRequest struct {
	// AckSeq acknowledges every notification up to and including it.
	AckSeq uint64 `json:"ack_seq"`
}

// Heartbeat keeps a polling party reachable and hands back what the event
// channel could not push.
func (h Handlers) Heartbeat(c *gin.Context) {
	partyID, role, ok := identity(c)
	if !ok {
		return
	}
	if h.Presence == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence not configured"})
		return
	}
	var req heartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if err := h.Presence.Touch(c.Request.Context(), partyID, role, presence.PollConnectionID); err != nil {
		writeError(c, err)
		return
	}

	out := gin.H{"notifications": []events.Outbound{}}
	if h.Outbox != nil {
		if req.AckSeq > 0 {
			h.Outbox.Ack(partyID, req.AckSeq)
		}
		if n := h.Outbox.Unacked(partyID); n != nil {
			out["notifications"] = n
		}
	}
	if role == rbac.RoleProvider && h.Calls != nil {
		out["pending"] = pendingBody(h.Calls.Pending(partyID))
	}
	c.JSON(http.StatusOK, out)
}

func pendingBody(p []calls.PendingCall) calls.PendingData {
	if p == nil {
		p = []calls.PendingCall{}
	}
	return calls.PendingData{Count: len(p), Calls: p}
}
