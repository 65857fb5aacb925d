package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/kiln/pkg/identity"
)

// IdentityMiddleware resolves the caller through the identity provider and
// stores the identity in the request context. Requests whose credentials do
// not verify continue anonymously; the authorization gate rejects them
// where an identity is required.
func IdentityMiddleware(provider identity.Provider, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := provider.Identify(r)
			if err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Debug("ignoring unverifiable credentials")
				id = nil
			}
			if id == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := identity.WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
