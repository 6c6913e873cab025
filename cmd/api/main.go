package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/auth"
	"consult-platform/internal/calls"
	"consult-platform/internal/config"
	"consult-platform/internal/events"
	"consult-platform/internal/media"
	"consult-platform/internal/metrics"
	"consult-platform/internal/orchestrator"
	"consult-platform/internal/presence"
	"consult-platform/internal/pricing"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/migrations"
	"consult-platform/pkg/logger"
	"consult-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.NewWithFile(cfg.App.Env, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := migrations.Apply(rootCtx, db, log); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	presenceCache, err := presence.NewRedisCache(rdb, cfg.Calls.PresenceTTL)
	if err != nil {
		log.Error("presence init failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	tokens, err := media.NewTokenGateway(cfg.Media)
	if err != nil {
		log.Error("media gateway init failed", "err", err)
		os.Exit(1)
	}
	gateway := &media.Retrying{
		Next:    tokens,
		Timeout: cfg.Media.Timeout,
		Retries: cfg.Media.Retries,
		Backoff: cfg.Media.RetryBackoff,
		Log:     log,
		OnError: recorder.GatewayError,
	}

	store := calls.NewPostgresStore(db)
	ledger := wallet.NewService(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	orch, err := orchestrator.New(orchestrator.ConfigFrom(cfg.Calls), orchestrator.Deps{
		Store:    store,
		Ledger:   ledger,
		Pricing:  pricing.NewService(pricing.NewPostgresRepo(db), cfg.Calls.FreeAllowance),
		Gateway:  gateway,
		Guard:    orchestrator.NewRedisGuard(rdb, cfg.Calls.GuardTTL),
		Audit:    auditSvc,
		Observer: recorder,
		Log:      log,
	})
	if err != nil {
		log.Error("orchestrator init failed", "err", err)
		os.Exit(1)
	}

	hub := events.NewHub(events.Config{
		PresenceTTL:    cfg.Calls.PresenceTTL,
		AllowedOrigins: cfg.App.AllowedOrigins,
	}, orch, presenceCache, log)
	orch.SetNotifier(hub)
	reg.MustRegister(metrics.NewCollector(orch.Registry(), hub))

	limiter := newInitiateLimiter(cfg.Calls)
	defer limiter.Stop()

	orch.Start()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		auth:     authManager,
		orch:     orch,
		hub:      hub,
		ledger:   ledger,
		audit:    auditSvc,
		reports:  reporting.NewService(store),
		presence: presenceCache,
		limiter:  limiter,
		registry: reg,
		db:       db,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Hijacked websocket connections are not covered by srv.Shutdown.
	hub.Close()
	if err := orch.Stop(shutdownCtx); err != nil {
		log.Error("orchestrator shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
