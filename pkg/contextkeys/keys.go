// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that
// setters and readers agree on one key per value.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/kiln/pkg/contextkeys"
//	ctx = contextkeys.WithIdentity(ctx, id)
//	id, _ := ctx.Value(contextkeys.IdentityKey).(*identity.Identity)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *identity.Identity
	// Set by: middleware.IdentityMiddleware (pkg/middleware/identity.go)
	// Required by: every /api/v1 handler
	IdentityKey Key = "identity"

	// AuthorizationKey contains *authz.Result
	// Set by: authz.RequireStudioMembership
	// Required by: studio-scoped page handlers
	AuthorizationKey Key = "authorization"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, error responses
	RequestIDKey Key = "request_id"

	// UserIDKey contains the caller's external identity id
	// Set by: middleware.IdentityMiddleware
	// Used by: logger, request rate limiting
	UserIDKey Key = "user_id"

	// LoggerKey contains logrus.FieldLogger
	// Set by: httputil.LoggingMiddleware
	// Used by: handlers that log with request context
	LoggerKey Key = "logger"
)

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, id interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// WithAuthorization adds an authorization result to the context
func WithAuthorization(ctx context.Context, result interface{}) context.Context {
	return context.WithValue(ctx, AuthorizationKey, result)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID returns the request ID, or "" if unset
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetUserID returns the user ID, or "" if unset
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}
