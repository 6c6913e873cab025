package main

import (
	"database/sql"
	"net/http"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/auth"
	"consult-platform/internal/config"
	"consult-platform/internal/events"
	"consult-platform/internal/httpapi"
	"consult-platform/internal/media"
	"consult-platform/internal/orchestrator"
	"consult-platform/internal/presence"
	"consult-platform/internal/rbac"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type routeDeps struct {
	cfg      config.Config
	auth     *auth.Manager
	orch     *orchestrator.Orchestrator
	hub      *events.Hub
	ledger   *wallet.Service
	audit    *audit.Service
	reports  *reporting.Service
	presence presence.Cache
	limiter  *httpapi.PartyRateLimiter
	registry *prometheus.Registry
	db       *sql.DB
}

func newInitiateLimiter(c config.CallsConfig) *httpapi.PartyRateLimiter {
	return httpapi.NewPartyRateLimiter(httpapi.RateLimitConfig{
		Rate:  rate.Limit(c.InitiateRate),
		Burst: c.InitiateBurst,
	})
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "live_sessions": d.orch.Registry().Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	// Media server webhooks (public, signed with the media API secret).
	webhook := media.WebhookHandler{
		APIKey:    d.cfg.Media.APIKey,
		APISecret: d.cfg.Media.APISecret,
		Sink:      d.orch,
	}
	r.POST("/webhooks/media", webhook.Handle)

	h := httpapi.Handlers{
		Auth:      d.auth,
		Calls:     d.orch,
		Wallet:    d.ledger,
		Audit:     d.audit,
		Reporting: d.reports,
		Presence:  d.presence,
		Outbox:    d.hub,
		Currency:  d.cfg.Calls.Currency,
	}

	r.POST("/auth/refresh", h.Refresh)
	// Token issuance without credentials is for local and dev only.
	if !d.cfg.IsProduction() && d.cfg.App.Env != "staging" {
		r.POST("/auth/token", h.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	v1.Use(rbac.RequireParty())
	{
		v1.GET("/me", h.Me)
		v1.GET("/ws", d.hub.ServeWS)
		v1.POST("/presence/heartbeat", h.Heartbeat)

		// CALLS routes
		callsGroup := v1.Group("/calls")
		{
			callsGroup.POST("",
				rbac.RequireAnyRole(rbac.RoleUser),
				httpapi.RateLimit(d.limiter),
				wallet.RequireSufficientBalance(d.ledger, d.cfg.Calls.MinStartBalanceMinor),
				h.InitiateCall,
			)
			callsGroup.GET("/pending", rbac.RequireAnyRole(rbac.RoleProvider), h.PendingCalls)
			callsGroup.GET("/summary", h.CallsSummary)

			callsGroup.GET("/:id", h.GetCall)
			callsGroup.GET("/:id/invoice", h.CallInvoice)
			callsGroup.POST("/:id/accept", rbac.RequireAnyRole(rbac.RoleProvider), h.AcceptCall)
			callsGroup.POST("/:id/reject", rbac.RequireAnyRole(rbac.RoleProvider), h.RejectCall)
			callsGroup.POST("/:id/cancel", rbac.RequireAnyRole(rbac.RoleUser), h.CancelCall)
			callsGroup.POST("/:id/end", h.EndCall)
			callsGroup.POST("/:id/joined", h.PartyJoined)
			callsGroup.POST("/:id/left", h.PartyLeft)
			callsGroup.POST("/:id/topup", h.TopUpCall)
		}

		// WALLET routes
		v1.GET("/wallet/balance", h.GetWalletBalance)

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/wallets/credit", h.AdminCredit)
			admin.POST("/calls/:id/terminate", h.AdminTerminateCall)
			admin.GET("/parties/:party_id/audit", h.AdminAuditLog)
		}
	}
}
