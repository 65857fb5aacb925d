package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/kiln/pkg/httputil"
)

const (
	// DefaultCookieName holds the verified ID token between requests
	DefaultCookieName = "kiln_id_token"

	stateCookieName    = "kiln_oauth_state"
	returnToCookieName = "kiln_return_to"
	stateTTL           = 10 * time.Minute
)

// ErrInvalidToken is returned when a presented ID token fails verification
var ErrInvalidToken = errors.New("invalid identity token")

// Config configures the OpenID Connect provider
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	CookieName   string
	CookieSecure bool

	// PostLoginPath is where the callback redirects when no return path was kept
	PostLoginPath string
}

func (c *Config) setDefaults() {
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	if c.PostLoginPath == "" {
		c.PostLoginPath = "/"
	}
}

// OIDCProvider verifies ID tokens from an OpenID Connect issuer and runs the
// authorization code flow that obtains them.
type OIDCProvider struct {
	cfg          Config
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
	logger       logrus.FieldLogger
}

// NewOIDCProvider discovers the issuer and creates a provider
func NewOIDCProvider(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC issuer URL and client ID are required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newOIDCProvider(cfg, verifier, provider.Endpoint(), logger), nil
}

func newOIDCProvider(cfg Config, verifier *oidc.IDTokenVerifier, endpoint oauth2.Endpoint, logger logrus.FieldLogger) *OIDCProvider {
	cfg.setDefaults()
	return &OIDCProvider{
		cfg:      cfg,
		verifier: verifier,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		logger: logger,
	}
}

// Identify verifies the ID token from the Authorization header or the
// identity cookie.
func (p *OIDCProvider) Identify(r *http.Request) (*Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		if c, err := r.Cookie(p.cfg.CookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return nil, nil
	}

	id, _, err := p.verify(r.Context(), raw)
	return id, err
}

func (p *OIDCProvider) verify(ctx context.Context, raw string) (*Identity, *oidc.IDToken, error) {
	token, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to parse claims: %v", ErrInvalidToken, err)
	}
	if token.Subject == "" {
		return nil, nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &Identity{
		ExternalID: token.Subject,
		Email:      claims.Email,
		Name:       claims.Name,
	}, token, nil
}

// SignInURL returns the issuer's authorization URL
func (p *OIDCProvider) SignInURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// SignInHandler starts the authorization code flow. A relative return_to
// query parameter is kept and honoured by the callback.
func (p *OIDCProvider) SignInHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, err := randomState()
		if err != nil {
			p.logger.WithError(err).Error("failed to generate sign-in state")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}

		http.SetCookie(w, p.shortCookie(stateCookieName, state))
		if returnTo := safeReturnTo(r.URL.Query().Get("return_to")); returnTo != "" {
			http.SetCookie(w, p.shortCookie(returnToCookieName, returnTo))
		}
		http.Redirect(w, r, p.SignInURL(state), http.StatusFound)
	})
}

// CallbackHandler exchanges the authorization code, verifies the ID token
// and stores it in the identity cookie.
func (p *OIDCProvider) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		query := r.URL.Query()

		stateCookie, err := r.Cookie(stateCookieName)
		if err != nil || stateCookie.Value == "" || stateCookie.Value != query.Get("state") {
			httputil.WriteBadRequest(w, "invalid sign-in state")
			return
		}
		code := query.Get("code")
		if code == "" {
			httputil.WriteBadRequest(w, "missing authorization code")
			return
		}

		token, err := p.oauth2Config.Exchange(ctx, code)
		if err != nil {
			p.logger.WithError(err).Warn("failed to exchange authorization code")
			httputil.WriteUnauthorized(w, "sign-in failed")
			return
		}
		raw, ok := token.Extra("id_token").(string)
		if !ok || raw == "" {
			p.logger.Warn("token response carried no id_token")
			httputil.WriteUnauthorized(w, "sign-in failed")
			return
		}

		id, idToken, err := p.verify(ctx, raw)
		if err != nil {
			p.logger.WithError(err).Warn("failed to verify ID token")
			httputil.WriteUnauthorized(w, "sign-in failed")
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     p.cfg.CookieName,
			Value:    raw,
			Path:     "/",
			Expires:  idToken.Expiry,
			HttpOnly: true,
			Secure:   p.cfg.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
		http.SetCookie(w, p.expiredCookie(stateCookieName))

		target := p.cfg.PostLoginPath
		if c, err := r.Cookie(returnToCookieName); err == nil {
			if returnTo := safeReturnTo(c.Value); returnTo != "" {
				target = returnTo
			}
			http.SetCookie(w, p.expiredCookie(returnToCookieName))
		}

		p.logger.WithField("user_id", id.ExternalID).Info("signed in")
		http.Redirect(w, r, target, http.StatusFound)
	})
}

// SignOutHandler clears the identity cookie
func (p *OIDCProvider) SignOutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := p.expiredCookie(p.cfg.CookieName)
		c.Path = "/"
		http.SetCookie(w, c)
		http.Redirect(w, r, "/", http.StatusFound)
	})
}

func (p *OIDCProvider) shortCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   p.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (p *OIDCProvider) expiredCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// safeReturnTo accepts only same-origin relative paths
func safeReturnTo(path string) string {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.Contains(path, `\`) {
		return ""
	}
	return path
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
