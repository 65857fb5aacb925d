package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/kiln/pkg/api"
	"github.com/platinummonkey/kiln/pkg/authz"
	"github.com/platinummonkey/kiln/pkg/blobstore"
	"github.com/platinummonkey/kiln/pkg/config"
	"github.com/platinummonkey/kiln/pkg/identity"
	"github.com/platinummonkey/kiln/pkg/invites"
	"github.com/platinummonkey/kiln/pkg/membership"
	"github.com/platinummonkey/kiln/pkg/middleware"
	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/ratelimit"
	"github.com/platinummonkey/kiln/pkg/storage/postgres"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiln: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiln: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Fatal("kiln stopped with an error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, migrateOnly bool) error {
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	// Storage
	conns, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfigFromStorage(cfg.Storage), logger)
	if err != nil {
		return err
	}
	if cfg.Storage.AutoMigrate || migrateOnly {
		if err := postgres.Migrate(ctx, conns.Primary(), logger); err != nil {
			conns.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	if migrateOnly {
		logger.Info("Migrations applied")
		return conns.Close()
	}

	queryMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		conns.Close()
		return err
	}
	store := postgres.NewStore(conns.Primary(),
		postgres.WithReader(conns.Replica()),
		postgres.WithQueryRecorder(queryMetrics),
	)

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			conns.Close()
			return err
		}
	}

	blobs, err := blobstore.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		conns.Close()
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.WithError(err).Warn("Photo bucket is not ready")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Studio components share the one store handle
	inv := invites.NewManager(store, logger,
		invites.WithPath(cfg.Studio.InvitePath),
		invites.WithMetrics(metrics),
	)
	limiter := ratelimit.NewJoinLimiter(store, ratelimit.Config{
		DailyLimit: cfg.Studio.JoinDailyLimit,
		Window:     cfg.Studio.JoinWindow,
	})
	engine := membership.NewEngine(store, limiter, inv, logger, membership.WithMetrics(metrics))
	gate := authz.NewGate(store, logger,
		authz.WithMetrics(metrics),
		authz.WithSiteAdminEmails(cfg.Studio.SiteAdminEmails),
	)

	provider, err := identity.NewOIDCProvider(ctx, identity.Config{
		IssuerURL:     cfg.Identity.IssuerURL,
		ClientID:      cfg.Identity.ClientID,
		ClientSecret:  cfg.Identity.ClientSecret,
		RedirectURL:   cfg.Identity.RedirectURL,
		CookieSecure:  cfg.Identity.CookieSecure,
		PostLoginPath: "/studio",
	}, logger)
	if err != nil {
		conns.Close()
		return fmt.Errorf("failed to initialize identity provider: %w", err)
	}

	rateLimit := middleware.NewRateLimitMiddleware(logger)
	if redisClient != nil {
		rateLimit = middleware.NewDistributedRateLimitMiddleware(redisClient, logger)
	}

	server := api.NewServer(api.Dependencies{
		Engine:    engine,
		Invites:   inv,
		Limiter:   limiter,
		Gate:      gate,
		Blobs:     blobs,
		Provider:  provider,
		Sessions:  provider,
		RateLimit: rateLimit,
		Metrics:   metrics,
	}, api.Options{
		BaseURL:           cfg.Studio.BaseURL,
		AllowedHosts:      cfg.Studio.AllowedHosts,
		SignInPath:        cfg.Studio.SignInPath,
		RequestAccessPath: cfg.Studio.RequestAccessPath,
		CORSOrigins:       cfg.Server.CORSOrigins,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
	}, logger)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(conns.Primary(), redisClient,
		observability.WithBlobStore(blobs),
		observability.WithHealthMetrics(metrics),
		observability.WithVersion(version),
	)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc(func(context.Context) error { return conns.Close() })
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rateLimit.StartCleanup(ctx)
	apiLog := logger.WithField("server", "api")
	healthLog := logger.WithField("server", "health")
	dbStats := func(ctx context.Context) error {
		defer observability.RecoverPanic(logger, "db stats")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.UpdateDBStats(conns.Primary().Stats())
			case <-ctx.Done():
				return nil
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"addr":    apiServer.Addr,
		"health":  healthServer.Addr,
	}).Info("kiln started")

	return supervise(ctx, shutdown.WaitForShutdown,
		func(context.Context) error { return serve(apiServer, apiLog) },
		func(context.Context) error { return serve(healthServer, healthLog) },
		dbStats,
	)
}

// supervise runs tasks until stop returns, then cancels their context. A
// failing task cancels the context seen by stop and the other tasks.
func supervise(ctx context.Context, stop func(context.Context) error, tasks ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return stop(gctx)
	})
	return g.Wait()
}

func serve(srv *http.Server, log logrus.FieldLogger) error {
	log.WithField("addr", srv.Addr).Info("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s failed: %w", srv.Addr, err)
	}
	return nil
}
