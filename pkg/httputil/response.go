package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/kiln/pkg/studio"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// StudioErrorResponse is the body written for a studio.Error
type StudioErrorResponse struct {
	Error  string                  `json:"error"`
	Kind   string                  `json:"kind"`
	Status studio.Status           `json:"status,omitempty"`
	Limit  *studio.JoinLimitStatus `json:"limit,omitempty"`
}

var kindStatus = map[studio.Kind]int{
	studio.KindInternal:           http.StatusInternalServerError,
	studio.KindUnauthenticated:    http.StatusUnauthorized,
	studio.KindServiceUnavailable: http.StatusServiceUnavailable,
	studio.KindProfileNotFound:    http.StatusNotFound,
	studio.KindNotFound:           http.StatusNotFound,
	studio.KindForbidden:          http.StatusForbidden,
	studio.KindInvalidInvite:      http.StatusBadRequest,
	studio.KindRateLimited:        http.StatusTooManyRequests,
	studio.KindConflict:           http.StatusConflict,
	studio.KindInvalidState:       http.StatusBadRequest,
	studio.KindExhaustedRetries:   http.StatusInternalServerError,
	studio.KindInvalidBaseURL:     http.StatusBadRequest,
	studio.KindInvalidArgument:    http.StatusBadRequest,
}

// StatusForKind returns the HTTP status code for an error kind
func StatusForKind(kind studio.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// retryAfterSeconds rounds the time until a join slot frees up to whole
// seconds, falling back to the full window when it is unknown.
func retryAfterSeconds(limit studio.JoinLimitStatus) int64 {
	ms := limit.RetryAfterMs
	if ms <= 0 {
		ms = limit.WindowMs
	}
	return (ms + 999) / 1000
}

// WriteStudioError writes err using the studio error taxonomy. Errors that
// are not a *studio.Error are written as internal errors without detail.
func WriteStudioError(w http.ResponseWriter, err error) {
	kind := studio.KindOf(err)
	resp := StudioErrorResponse{
		Error: studio.PublicMessage(err),
		Kind:  kind.String(),
	}

	var se *studio.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case studio.KindConflict:
			resp.Status = se.Status
		case studio.KindRateLimited:
			resp.Limit = se.Limit
			if se.Limit != nil {
				if secs := retryAfterSeconds(*se.Limit); secs > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				}
			}
		}
	}

	WriteJSON(w, StatusForKind(kind), resp)
}
