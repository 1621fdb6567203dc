package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medpractice/billing/internal/config"
	"github.com/medpractice/billing/internal/domain/billing"
	"github.com/medpractice/billing/internal/platform/auth"
	"github.com/medpractice/billing/internal/platform/db"
	"github.com/medpractice/billing/internal/platform/events"
	"github.com/medpractice/billing/internal/platform/middleware"
	"github.com/medpractice/billing/internal/platform/refgen"
	"github.com/medpractice/billing/internal/platform/validator"
)

const maxBodySize = "1M"

// newBillingService wires the billing service to Postgres and the in-process
// event bus. The returned func closes the bus.
func newBillingService(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*billing.Service, func(), error) {
	refs, err := refgen.NewSet(uint8(os.Getpid() % 32))
	if err != nil {
		return nil, nil, err
	}

	publisher := events.NewGoChannel(cfg.EventTopic, logger)
	if err := events.AuditLog(ctx, publisher, logger); err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}

	svc := billing.NewService(billing.Deps{
		Invoices:  billing.NewInvoiceRepoPG(pool),
		Payments:  billing.NewPaymentRepoPG(pool),
		Claims:    billing.NewClaimRepoPG(pool),
		Ledger:    billing.NewInsuranceLedgerPG(pool),
		Tx:        db.NewTxManager(pool, logger),
		Publisher: publisher,
		Refs:      refs,
		Logger:    logger,
	}, billingOptions(cfg))

	return svc, func() { _ = publisher.Close() }, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSecret),
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// newRouter builds the echo server. tenant binds a tenant connection to each
// API request.
func newRouter(cfg *config.Config, logger zerolog.Logger, h *billing.Handler, pinger db.Pinger, tenant echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validator.Echo{}

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(maxBodySize))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.TenantHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	apiV1 := e.Group("/api/v1", middleware.RequestTimeout(timeout), authMiddleware(cfg), tenant)
	h.RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc, closeEvents, err := newBillingService(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	if cfg.OverdueSweepSchedule != "" {
		sweeper := billing.NewOverdueSweeper(svc, db.NewTenants(pool), cfg.OverdueSweepConcurrency, logger)
		scheduler, err := sweeper.Schedule(cfg.OverdueSweepSchedule)
		if err != nil {
			return err
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	e := newRouter(cfg, logger, billing.NewHandler(svc), pool, db.TenantMiddleware(pool, cfg.DefaultTenant, logger))

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
