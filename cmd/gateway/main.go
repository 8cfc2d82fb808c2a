package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/echoedit/edge-gateway/internal/attest"
	"github.com/echoedit/edge-gateway/internal/config"
	"github.com/echoedit/edge-gateway/internal/entitlement"
	"github.com/echoedit/edge-gateway/internal/genlog"
	"github.com/echoedit/edge-gateway/internal/ledger"
	"github.com/echoedit/edge-gateway/internal/metrics"
	"github.com/echoedit/edge-gateway/internal/ratelimit"
	"github.com/echoedit/edge-gateway/internal/server"
	"github.com/echoedit/edge-gateway/internal/upstream"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Trust and ledger components ───────────────────────────────────────────
	authority, err := attest.NewAuthority(rdb, cfg.Attestation.AppID(), cfg.Attestation.RootCAPEM, log)
	if err != nil {
		log.Fatal("attestation authority init failed", zap.Error(err))
	}

	ldg := ledger.New(rdb, cfg.Credits.Starting, log)

	validator, err := entitlement.NewValidator(rdb, ldg, cfg.Entitlement, cfg.Attestation.BundleID, log)
	if err != nil {
		log.Fatal("entitlement validator init failed", zap.Error(err))
	}

	limiter := ratelimit.New(rdb, cfg.RateLimit.Limit, cfg.RateLimit.WindowSeconds)
	provider := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.PollHosts)
	gl := genlog.New(rdb)

	handler := server.NewHandler(authority, validator, ldg, limiter, provider, gl, cfg.Credits, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery(), server.CORS(), metrics.Middleware())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/", server.AppTokenGate(cfg.Server.AppToken))
	handler.Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
