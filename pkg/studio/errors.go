package studio

import (
	"errors"
	"fmt"
)

// Kind classifies an expected failure of a studio operation
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindServiceUnavailable
	KindProfileNotFound
	KindNotFound
	KindForbidden
	KindInvalidInvite
	KindRateLimited
	KindConflict
	KindInvalidState
	KindExhaustedRetries
	KindInvalidBaseURL
	KindInvalidArgument
)

var kindNames = map[Kind]string{
	KindInternal:           "internal",
	KindUnauthenticated:    "unauthenticated",
	KindServiceUnavailable: "service_unavailable",
	KindProfileNotFound:    "profile_not_found",
	KindNotFound:           "not_found",
	KindForbidden:          "forbidden",
	KindInvalidInvite:      "invalid_invite",
	KindRateLimited:        "rate_limited",
	KindConflict:           "conflict",
	KindInvalidState:       "invalid_state",
	KindExhaustedRetries:   "exhausted_retries",
	KindInvalidBaseURL:     "invalid_base_url",
	KindInvalidArgument:    "invalid_argument",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Messages shared between the engine, the gate and their callers
const (
	MsgInvalidInvite       = "invite link is invalid or has expired"
	MsgAlreadyPending      = "your request to join this studio is already pending"
	MsgAlreadyMember       = "you are already a member of this studio"
	MsgAskForNewInvite     = "your previous request was not accepted; ask for a new invite"
	MsgLeaveCurrentStudio  = "you must leave your current studio first"
	MsgApprovedRequired    = "approved membership required"
	MsgAdminRequired       = "admin required"
	MsgSiteAdminRequired   = "site admin required"
	MsgStoreUnavailable    = "studio storage is unavailable"
	MsgRateLimited         = "this studio has reached its daily limit of join requests"
	MsgRoleRequiresApprove = "role can only be changed on an approved membership"
)

// Error is the typed outcome returned by studio operations
type Error struct {
	Kind    Kind
	Message string

	// Status is the conflicting membership's status for KindConflict
	Status Status
	// Limit is the limiter snapshot for KindRateLimited
	Limit *JoinLimitStatus

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error with a formatted message
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// ConflictError reports an existing membership in the given status
func ConflictError(status Status, message string) *Error {
	return &Error{Kind: KindConflict, Message: message, Status: status}
}

// RateLimitedError reports an exhausted daily join budget
func RateLimitedError(limit JoinLimitStatus) *Error {
	return &Error{Kind: KindRateLimited, Message: MsgRateLimited, Limit: &limit}
}

// KindOf returns the Kind carried by err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// PublicMessage returns the message that is safe to show to a caller.
// Internal failures never expose their cause.
func PublicMessage(err error) string {
	var se *Error
	if !errors.As(err, &se) || se.Kind == KindInternal {
		return "internal server error"
	}
	if se.Message != "" {
		return se.Message
	}
	return se.Kind.String()
}
