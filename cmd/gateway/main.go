// Package main is the entry point for the creditgate HTTP gateway.
//
// Startup:
//  1. Load configuration (SSM-backed secrets outside local mode).
//  2. Build the upstream clients, the quota store and the purchase notifier.
//  3. Build the engine registry and mount the API on the core chassis.
//  4. Serve until SIGINT/SIGTERM, then drain requests and stop the engines.
//
// With APP_ENV=local every upstream is stubbed, the quota store may be the
// in-memory one and no AWS credentials are needed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"creditgate/internal/api/handlers"
	"creditgate/internal/catalog"
	"creditgate/internal/config"
	"creditgate/internal/core"
	"creditgate/internal/db"
	"creditgate/internal/engine"
	"creditgate/internal/entitlement"
	"creditgate/internal/external"
	"creditgate/internal/metrics"
	"creditgate/internal/purchase"
	"creditgate/internal/queue"
	"creditgate/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	provider := config.NewSecretProvider()
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("creditgate gateway starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"quota_store", cfg.Store.Driver,
		"notifier", cfg.Queue.Notifier,
	)

	ctx := context.Background()
	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires every dependency and mounts the routes. Resources that
// need releasing are registered with srv.OnShutdown.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	clients := external.NewClientRegistry(cfg, logger)

	quota, probes, err := newQuotaStore(ctx, cfg, srv, logger)
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = probes

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg = &c
		return c, nil
	}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Observability.EnableMetrics && !cfg.UsesStubs() {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		recorder = metrics.NewCloudWatchMetrics(
			cloudwatch.NewFromConfig(c),
			cfg.Observability.MetricNamespace,
			types.NewSlogAdapter(logger),
		)
	}
	srv.Metrics = recorder

	var notifier purchase.Notifier = clients.Ledger
	if cfg.Queue.Notifier == config.NotifierSQS {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		notifier = queue.NewPurchasePublisher(sqs.NewFromConfig(c), cfg.Queue.PurchaseQueueURL, types.NewSlogAdapter(logger))
	}

	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, err
	}
	tiers, err := cfg.Products.Tiers()
	if err != nil {
		return nil, err
	}

	products := purchase.DefaultProductIDs()
	products.Monthly = cfg.Products.MonthlyID
	products.Yearly = cfg.Products.YearlyID

	loader := catalog.NewLoader(clients.Platform, catalog.Config{
		OfferingID: cfg.Catalog.OfferingID,
		Retry: catalog.RetryPolicy{
			MaxAttempts: cfg.Catalog.MaxAttempts,
			BaseWait:    cfg.Catalog.BaseWait,
		},
		Logger: logger,
	})

	registry := engine.NewRegistry(engine.Dependencies{
		Platform: clients.Platform,
		Ledger:   clients.Ledger,
		Catalog:  loader,
		Notifier: notifier,
		Quota:    quota,
	}, engine.Config{
		Location:         loc,
		RefreshTimeout:   cfg.Quota.RefreshTimeout,
		FetchTimeout:     cfg.Quota.FetchTimeout,
		NotifyTimeout:    cfg.Quota.NotifyTimeout,
		IdleTTL:          cfg.Quota.EngineIdleTTL,
		EntitlementTiers: tiers,
		Products:         products,
		Clock:            types.RealClock{},
		Metrics:          recorder,
		Logger:           logger,
	})
	srv.OnShutdown(func(context.Context) error {
		registry.Close()
		return nil
	})

	auth, err := core.NewAPIKeyAuthenticator(cfg.Auth.APIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("API_KEY_HASH is not a bcrypt hash: %w", err)
	}
	srv.Authenticator = auth

	entitlements := handlers.NewEntitlementHandler(handlers.RegistryEngines(registry), clients.Ledger, srv.Validator, logger)
	webhooks := handlers.NewPlatformWebhookHandler(clients.Verifier, registry, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, entitlements.RegisterRoutes)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhooks.RegisterRoutes)
	srv.MountRoutes()

	return srv, nil
}

// newQuotaStore opens the configured quota store and returns the health
// probes that cover it.
func newQuotaStore(ctx context.Context, cfg *config.Config, srv *core.Server, logger *slog.Logger) (entitlement.QuotaStore, []core.HealthProbe, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.Store)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		srv.OnShutdown(func(context.Context) error {
			pool.Close()
			return nil
		})
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
		probe := core.HealthProbeFunc{ProbeName: "database", Fn: pool.Ping}
		return db.NewPostgresQuotaStore(pool, logger), []core.HealthProbe{probe}, nil

	case config.StoreRedis:
		client, err := db.NewRedisClient(ctx, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		srv.OnShutdown(func(context.Context) error { return client.Close() })
		probe := core.HealthProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}}
		return db.NewRedisQuotaStore(client, cfg.Store.RedisPrefix), []core.HealthProbe{probe}, nil

	case config.StoreMemory:
		logger.Warn("using in-memory quota store; free-use state is lost on restart")
		return db.NewMemoryQuotaStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown QUOTA_STORE %q", cfg.Store.Driver)
}

// loadAWSConfig loads the SDK config, pointing every client at
// AWS_ENDPOINT_URL when set (LocalStack).
func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(c.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// runHTTPServer serves until a shutdown signal, then drains in-flight
// requests before releasing server resources.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
