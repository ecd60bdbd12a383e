// Package observability provides structured logging, Prometheus metrics,
// health checks, panic recovery, and graceful shutdown for the session
// gateway.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler and field chaining:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithComponent("resolver").WithField("step", "fetch_user").Info("resolving")
//
// Request-scoped loggers are carried through context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Warn("cache write failed")
//
// # Metrics
//
// Metrics covers HTTP traffic, session resolution outcomes and step counts,
// login outcomes, cache tier hits/misses/corruption, safety timeouts, and
// directory stored-procedure calls. All families carry the mortar_ prefix.
//
//	metrics, registry := observability.DefaultMetrics()
//	mux.Handle("/metrics", observability.Handler(registry))
//
// # Health
//
// HealthChecker probes the directory database and the backup cache tier.
// A dead backup tier degrades readiness but does not fail it: sessions still
// resolve, they only lose cross-restart cache durability.
//
// # Shutdown
//
// ShutdownManager drains the API and health servers, then runs registered
// cleanup functions (store disposal, cache flush, DB close) under a shared
// deadline.
package observability
