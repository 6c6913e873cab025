package httpapi

import (
	"errors"
	"net/http"

	"consult-platform/internal/audit"
	"consult-platform/internal/orchestrator"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError is the single place façade and service errors become HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	body := gin.H{"error": err.Error(), "code": code}

	var se *orchestrator.StaleRequestError
	if errors.As(err, &se) {
		body["status"] = se.Status
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "err", err)
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, wallet.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest), errors.Is(err, audit.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, wallet.ErrNotFound), errors.Is(err, reporting.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, reporting.ErrForbidden):
		return http.StatusForbidden, "not_participant"
	}

	code := orchestrator.ErrorCode(err)
	switch code {
	case "invalid_command":
		return http.StatusBadRequest, code
	case "not_participant":
		return http.StatusForbidden, code
	case "session_not_found":
		return http.StatusNotFound, code
	case "deadline_expired":
		return http.StatusGone, code
	case "stale_request", "session_not_pending", "caller_already_in_session", "callee_busy", "callee_unreachable":
		return http.StatusConflict, code
	case "transport_unavailable", "unavailable":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}
