// Package identity resolves the caller of an HTTP request to an external
// identity issued by an OpenID Connect provider.
package identity

import (
	"context"
	"net/http"

	"github.com/platinummonkey/kiln/pkg/contextkeys"
)

// Identity is the caller as known to the identity provider
type Identity struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

// Provider identifies callers and starts the sign-in flow
type Provider interface {
	// Identify returns the request's identity, or nil when the request
	// carries no credentials. An error means credentials were present but
	// could not be verified.
	Identify(r *http.Request) (*Identity, error)

	// SignInURL returns the provider's sign-in URL for the given state
	SignInURL(state string) string
}

// WithIdentity stores id in the context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	ctx = contextkeys.WithIdentity(ctx, id)
	if id != nil {
		ctx = contextkeys.WithUserID(ctx, id.ExternalID)
	}
	return ctx
}

// FromContext returns the identity stored by WithIdentity, or nil
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return id
}

// ID returns the identity's external id, or "" for a nil identity
func (i *Identity) ID() string {
	if i == nil {
		return ""
	}
	return i.ExternalID
}
