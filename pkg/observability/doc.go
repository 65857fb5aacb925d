// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks and graceful shutdown.
//
// # Structured Logging
//
// Loggers are logrus JSON loggers:
//
//	logger, err := observability.NewLogger("info", os.Stdout)
//	logger.WithFields(logrus.Fields{"studio_id": id}).Info("invite rotated")
//
// Request-scoped logging picks up request, user and trace ids:
//
//	observability.FromContext(ctx).Warn("join request rejected")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordJoinRequest(err)
//
// The Record methods accept a nil *Metrics, so components can run without
// metrics in tests.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, observability.WithBlobStore(blobs))
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// OTelMetrics records store query metrics when passed to postgres.WithQueryRecorder.
package observability
