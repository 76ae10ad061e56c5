// Command messengerd runs the message lifecycle engine with its operational
// HTTP sidecar: SQLite-backed message store, in-memory registry, expiration
// scheduler, receipt reconciliation, and a small Gin API for status and
// debugging.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tasset/go-messenger-core/internal/config"
	"github.com/tasset/go-messenger-core/internal/core"
	"github.com/tasset/go-messenger-core/internal/expiry"
	httpapi "github.com/tasset/go-messenger-core/internal/http"
	"github.com/tasset/go-messenger-core/internal/observability"
	"github.com/tasset/go-messenger-core/internal/registry"
	"github.com/tasset/go-messenger-core/internal/repo"
	"github.com/tasset/go-messenger-core/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	// Logging
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().Str("version", version).Msg("messengerd starting")

	// Tracing
	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open sqlite failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("automigrate failed")
	}

	// Lifecycle engine. The host application replaces the nil sink/policy
	// with its UI bridge; the nil values degrade to no-ops.
	engine := core.New(db, cfg.SelfID, nil, nil,
		core.WithSweepCadence(cfg.Core.RegistrySweepCadence),
		core.WithNotifyWindow(cfg.Core.NotifyWindow),
		core.WithEnvelopeTTL(cfg.Core.EnvelopeTTL),
		core.WithRegistryOptions(registry.WithIdleThreshold(cfg.Core.RegistryIdleThreshold)),
		core.WithSchedulerOptions(
			expiry.WithBatchSize(cfg.Core.ExpiryBatchSize),
			expiry.WithSlowBatchThreshold(cfg.Core.SlowBatchThreshold),
		),
	)
	engine.Start()
	defer engine.Close()

	// HTTP ops API
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, engine, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("ops api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
