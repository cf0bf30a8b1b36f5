package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/OpenNSW/accessportal/internal/auth"
	"github.com/OpenNSW/accessportal/internal/config"
	"github.com/OpenNSW/accessportal/internal/database"
	"github.com/OpenNSW/accessportal/internal/definition"
	"github.com/OpenNSW/accessportal/internal/form"
	"github.com/OpenNSW/accessportal/internal/notification"
	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/uploads"
	"github.com/OpenNSW/accessportal/internal/workflow"
	"github.com/OpenNSW/accessportal/internal/workflow/router"
	"github.com/OpenNSW/accessportal/internal/workflow/service"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	slog.Info("configuration loaded successfully",
		"db_host", cfg.Database.Host,
		"db_port", cfg.Database.Port,
		"db_name", cfg.Database.Name,
		"db_sslmode", cfg.Database.SSLMode,
		"storage", cfg.Storage.Type,
		"notification", cfg.Notification.Type,
	)

	slog.Info("CORS configuration",
		"allowed_origins", cfg.CORS.AllowedOrigins,
		"allowed_methods", cfg.CORS.AllowedMethods,
		"allowed_headers", cfg.CORS.AllowedHeaders,
		"allow_credentials", cfg.CORS.AllowCredentials,
		"max_age", cfg.CORS.MaxAge,
	)

	// Background workers stop when this context is cancelled
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	steps := step.NewDefaultRegistry(form.NewStoreProvider(db))

	up, err := uploads.NewServiceFromConfig(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}

	notifier, err := notification.NewNotifierFromConfig(cfg.Notification)
	if err != nil {
		log.Fatalf("failed to initialize notifier: %v", err)
	}

	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		log.Fatalf("failed to initialize token verification: %v", err)
	}

	manager := workflow.NewManager(workflow.Config{
		DB:         db,
		Registry:   steps,
		Authorizer: newAuthorizer(cfg.Auth),
		URLs:       up,
		Notifier:   notifier,
		Metrics:    metrics,
	})
	defs := service.NewDefinitionService(db, steps, manager.StateMachine())

	if cfg.Definitions.Dir != "" {
		if _, err := definition.NewApplier(defs, metrics).LoadDir(ctx, cfg.Definitions.Dir); err != nil {
			log.Fatalf("failed to apply definition bundles: %v", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	health := func(ctx context.Context) error { return database.HealthCheck(ctx, db) }
	engine := router.NewRouter(manager, defs, up, verifier, metrics, health).Engine(cfg.CORS)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "port", cfg.Server.Port, "serviceURL", cfg.Server.ServiceURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	slog.Info("shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	} else {
		slog.Info("server gracefully stopped")
	}
	slog.Info("server stopped")
}

// newVerifier prefers the identity provider's JWKS over a shared secret.
// Keys are fetched once at boot, then refreshed in the background.
func newVerifier(ctx context.Context, cfg config.AuthConfig) (*auth.Verifier, error) {
	if cfg.JWKSURL == "" {
		return auth.NewVerifier(auth.StaticKey(cfg.JWTSecret), cfg.Issuer, cfg.Audience), nil
	}
	keys := auth.NewJWKSCache(cfg.JWKSURL)
	if err := keys.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch signing keys: %w", err)
	}
	go keys.RefreshEvery(ctx, cfg.KeysRefresh)
	return auth.NewVerifier(keys, cfg.Issuer, cfg.Audience), nil
}

func newAuthorizer(cfg config.AuthConfig) auth.Authorizer {
	if cfg.AuthorizerURL != "" {
		slog.Info("using remote authorizer", "url", cfg.AuthorizerURL)
		return auth.NewRemoteAuthorizer(cfg.AuthorizerURL, cfg.AuthorizerCache)
	}
	return auth.ClaimsAuthorizer{AdminRole: cfg.AdminRole}
}

