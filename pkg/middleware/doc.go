// Package middleware provides HTTP middleware for caller identification and
// request rate limiting.
//
// IdentityMiddleware resolves the caller through an identity.Provider and
// stores the identity in the request context:
//
//	router.Use(middleware.IdentityMiddleware(provider, logger))
//
// RateLimitMiddleware limits requests per identity, or per client IP for
// anonymous callers. The Redis-backed variant shares limits across replicas
// and falls back to in-process token buckets when Redis is unreachable:
//
//	limits := middleware.NewDistributedRateLimitMiddleware(redisClient, logger)
//	writes.Use(limits.Handler)
//
// # Rate Limiting
//
// Anonymous: 60 req/min, 10 burst
// Per identity: 120 req/min, 20 burst
//
// These limits protect the HTTP surface. The per-studio daily budget for
// join requests is enforced separately by pkg/ratelimit.
package middleware
