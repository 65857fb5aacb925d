// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteBadRequest(w, "invalid input")
//
// Studio operation failures go through one mapping so every endpoint
// answers the same way for the same error kind:
//
//	if err != nil {
//		httputil.WriteStudioError(w, err)
//		return
//	}
//
// The body is {"error": message, "kind": kind}. Conflicts add the existing
// membership "status"; rate limits add "limit" and a Retry-After header.
// Internal failures never expose their cause.
//
// # Request Parsing
//
//	var req JoinRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
