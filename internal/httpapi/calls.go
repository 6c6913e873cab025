package httpapi

import (
	"net/http"
	"strings"
	"time"

	"consult-platform/internal/rbac"
	"consult-platform/internal/reporting"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

type initiateRequest struct {
	CalleeID string `json:"callee_id"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) callsReady(c *gin.Context) bool {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return false
	}
	return true
}

// InitiateCall starts a call from the authenticated user to callee_id. The
// response is the session as of ringing (or its failure).
func (h Handlers) InitiateCall(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "invalid_command"})
		return
	}
	call, err := h.Calls.Initiate(c.Request.Context(), partyID, req.CalleeID)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if call.Status.IsTerminal() {
		status = http.StatusOK
	}
	c.JSON(status, call)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	res, err := h.Calls.Accept(c.Request.Context(), c.Param("id"), partyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) RejectCall(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	call, err := h.Calls.Reject(c.Request.Context(), c.Param("id"), partyID, optionalReason(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) CancelCall(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	call, err := h.Calls.Cancel(c.Request.Context(), c.Param("id"), partyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) EndCall(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	call, err := h.Calls.End(c.Request.Context(), c.Param("id"), partyID, optionalReason(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// PartyJoined and PartyLeft let a client report its own transport leg when
// the media webhook is not configured.
func (h Handlers) PartyJoined(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	if err := h.Calls.PartyJoined(c.Request.Context(), c.Param("id"), partyID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) PartyLeft(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	if err := h.Calls.PartyLeft(c.Request.Context(), c.Param("id"), partyID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TopUpCall tells the session the caller has added funds.
func (h Handlers) TopUpCall(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	call, err := h.Calls.TopUp(c.Request.Context(), c.Param("id"), partyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) GetCall(c *gin.Context) {
	partyID, role, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	call, err := h.Calls.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	// Non-parties get the same answer as for a missing session.
	if !rbac.IsAdmin(role) && !call.IsParty(partyID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found", "code": "session_not_found"})
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) PendingCalls(c *gin.Context) {
	partyID, _, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	c.JSON(http.StatusOK, pendingBody(h.Calls.Pending(partyID)))
}

// AdminTerminateCall ends any live call and records who did it.
// RBAC: admin.
func (h Handlers) AdminTerminateCall(c *gin.Context) {
	adminID, adminRole, ok := identity(c)
	if !ok || !h.callsReady(c) {
		return
	}
	reason := optionalReason(c)
	call, err := h.Calls.Terminate(c.Request.Context(), c.Param("id"), adminID, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		action := "call terminated"
		if reason != "" {
			action += ": " + reason
		}
		if err := h.Audit.LogAdminAction(c.Request.Context(), call, adminID, adminRole, c.ClientIP(), action); err != nil {
			logger.FromGin(c).Error("audit admin action failed", "session_id", call.ID, "err", err)
		}
	}
	c.JSON(http.StatusOK, call)
}

// --- Reporting ---

func (h Handlers) CallInvoice(c *gin.Context) {
	partyID, role, ok := identity(c)
	if !ok {
		return
	}
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	if rbac.IsAdmin(role) {
		partyID = ""
	}
	inv, err := h.Reporting.Invoice(c.Request.Context(), c.Param("id"), partyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

const defaultSummaryWindow = 30 * 24 * time.Hour

// CallsSummary reports outcomes for the caller's own party over ?from=&to=
// (RFC 3339, default the last 30 days). Admins may pass ?party_id=.
func (h Handlers) CallsSummary(c *gin.Context) {
	partyID, role, ok := identity(c)
	if !ok {
		return
	}
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	if q := strings.TrimSpace(c.Query("party_id")); q != "" && rbac.IsAdmin(role) {
		partyID = q
	}

	to := time.Now().UTC()
	from := to.Add(-defaultSummaryWindow)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}

	sum, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		PartyID: partyID,
		Range:   reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// optionalReason reads {"reason": "..."} if a body was sent.
func optionalReason(c *gin.Context) string {
	if c.Request.ContentLength == 0 {
		return ""
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.Reason)
}
