package authz

import (
	"context"
	"net/http"
	"net/url"

	"github.com/platinummonkey/kiln/pkg/contextkeys"
	"github.com/platinummonkey/kiln/pkg/httputil"
	"github.com/platinummonkey/kiln/pkg/identity"
	"github.com/platinummonkey/kiln/pkg/studio"
)

// Redirects are the pages RequireStudioMembership sends callers to
type Redirects struct {
	// SignInPath starts the identity provider's sign-in flow
	SignInPath string
	// RequestAccessPath lets a signed-in caller ask to join a studio
	RequestAccessPath string
}

// RequireStudioMembership guards browser entry points. Unauthenticated
// callers are sent to sign in and callers without the required membership
// are sent to request access. Other failures are written as JSON errors.
// On success the Result is available through FromContext.
func (g *Gate) RequireStudioMembership(requiredRole *studio.Role, redirects Redirects) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := g.AuthorizeStudioMember(r.Context(), Request{
				IdentityID:   identity.FromContext(r.Context()).ID(),
				RequiredRole: requiredRole,
			})

			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
				return
			}

			switch studio.KindOf(err) {
			case studio.KindUnauthenticated:
				target := redirects.SignInPath + "?return_to=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusFound)
			case studio.KindForbidden, studio.KindProfileNotFound:
				http.Redirect(w, r, redirects.RequestAccessPath, http.StatusFound)
			default:
				httputil.WriteStudioError(w, err)
			}
		})
	}
}

// WithResult stores an authorization result in the context
func WithResult(ctx context.Context, res *Result) context.Context {
	return contextkeys.WithAuthorization(ctx, res)
}

// FromContext returns the result stored by RequireStudioMembership, or nil
func FromContext(ctx context.Context) *Result {
	res, _ := ctx.Value(contextkeys.AuthorizationKey).(*Result)
	return res
}
