package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/auth"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/config"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/etf"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/network"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/telemetry"
	"github.com/sheetal-kulkarni/finblocker-etf/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// configureLogging sets up the application logging based on configuration
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via the DEBUG environment variable
func configureLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main starts the ledger network and serves its HTTP API with graceful
// shutdown support
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	configureLogging(cfg)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "finblocker-etf", cfg.OTELEndpoint)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize the parties, the notary and the message channel
	net, err := network.New(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize ledger network")
	}
	if err := net.Start(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start ledger network")
	}

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	for _, p := range net.Parties() {
		authService.RegisterParty(p.Name, cfg.APISecret)
		zlog.Info().Str("party", p.Name).Str("api_key", auth.APIKey(p.Name)).Msg("Party credentials registered")
	}
	etfHandlers := etf.NewGinHandlers(net.Services()...)
	notaryHandlers := notary.NewGinHandlers(net.Notary())

	limiter := middleware.NewRateLimiter(middleware.DefaultLimits())
	defer limiter.Stop()

	router := gin.Default()
	setupRoutes(router, cfg, limiter, authHandlers, etfHandlers, notaryHandlers)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Int("port", cfg.Port).Msg("Server listening")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding flows the receive timeout to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ReceiveTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := net.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to close ledger network")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Failed to flush traces")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: Public endpoint issuing party tokens
// - ETF routes: Protected by JWT authentication, served as the token's party
// - Notary routes: Protected by JWT authentication, read-only commit log audit
// - Metrics: Prometheus scrape endpoint when enabled
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	limiter *middleware.RateLimiter,
	authHandlers *auth.GinHandlers,
	etfHandlers *etf.GinHandlers,
	notaryHandlers *notary.GinHandlers,
) {
	if cfg.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		auth.Use(limiter.Handler())
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// ETF routes
		trades := v1.Group("/etf")
		trades.Use(middleware.JWTAuth(cfg.JWTSecret), limiter.Handler())
		etfHandlers.Register(trades)

		// Notary audit routes
		audit := v1.Group("/notary")
		audit.Use(middleware.JWTAuth(cfg.JWTSecret), limiter.Handler())
		notaryHandlers.Register(audit)
	}
}
