package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/kiln/pkg/authz"
	"github.com/platinummonkey/kiln/pkg/blobstore"
	"github.com/platinummonkey/kiln/pkg/httputil"
	"github.com/platinummonkey/kiln/pkg/identity"
	"github.com/platinummonkey/kiln/pkg/invites"
	"github.com/platinummonkey/kiln/pkg/membership"
	"github.com/platinummonkey/kiln/pkg/middleware"
	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/ratelimit"
)

// SessionHandlers serve the browser sign-in flow
type SessionHandlers interface {
	SignInHandler() http.Handler
	CallbackHandler() http.Handler
	SignOutHandler() http.Handler
}

// Dependencies are the components the server routes to
type Dependencies struct {
	Engine   *membership.Engine
	Invites  *invites.Manager
	Limiter  *ratelimit.JoinLimiter
	Gate     *authz.Gate
	Blobs    blobstore.Store
	Provider identity.Provider

	// Optional
	Sessions  SessionHandlers
	RateLimit *middleware.RateLimitMiddleware
	Metrics   *observability.Metrics
}

// Options tune the HTTP surface
type Options struct {
	// BaseURL prefixes invite links. Empty derives it from the request,
	// but only for hosts listed in AllowedHosts.
	BaseURL           string
	AllowedHosts      []string
	SignInPath        string
	RequestAccessPath string
	CORSOrigins       []string
	MaxBodyBytes      int64
}

// Server represents our API server
type Server struct {
	router *mux.Router
	deps   Dependencies
	opts   Options
	logger logrus.FieldLogger
}

// NewServer creates a new API server
func NewServer(deps Dependencies, opts Options, logger logrus.FieldLogger) *Server {
	if opts.SignInPath == "" {
		opts.SignInPath = "/auth/signin"
	}
	if opts.RequestAccessPath == "" {
		opts.RequestAccessPath = "/request-access"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Self service
	api.Handle("/studios", s.write(s.createStudio)).Methods(http.MethodPost)
	api.Handle("/join", s.write(s.submitJoinRequest)).Methods(http.MethodPost)
	api.HandleFunc("/me/membership", s.getMyMembership).Methods(http.MethodGet)
	api.Handle("/me/membership", s.write(s.leaveStudio)).Methods(http.MethodDelete)

	// Studio admin
	api.HandleFunc("/studio/invite", s.getInvite).Methods(http.MethodGet)
	api.Handle("/studio/invite/rotate", s.write(s.rotateInvite)).Methods(http.MethodPost)
	api.HandleFunc("/studio/join-limit", s.getJoinLimit).Methods(http.MethodGet)
	api.HandleFunc("/studio/members", s.listStudioMembers).Methods(http.MethodGet)
	api.Handle("/studio/members/{id}/decision", s.write(s.decideStudioMembership)).Methods(http.MethodPost)
	api.Handle("/studio/join-password", s.write(s.resetJoinPassword)).Methods(http.MethodPost)

	// Studio members
	api.Handle("/studio/photos", s.write(s.uploadPhoto)).Methods(http.MethodPost)

	// Site admin
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/studios", s.listStudios).Methods(http.MethodGet)
	admin.HandleFunc("/studios/{id}/members", s.adminListMembers).Methods(http.MethodGet)
	admin.Handle("/memberships/{id}/decision", s.write(s.adminDecideMembership)).Methods(http.MethodPost)
	admin.Handle("/memberships/{id}/role", s.write(s.changeRole)).Methods(http.MethodPut)

	// Browser entry points
	page := s.deps.Gate.RequireStudioMembership(nil, authz.Redirects{
		SignInPath:        s.opts.SignInPath,
		RequestAccessPath: s.opts.RequestAccessPath,
	})
	s.router.Handle("/studio", page(http.HandlerFunc(s.studioPage))).Methods(http.MethodGet)

	if s.deps.Sessions != nil {
		s.router.Handle("/auth/signin", s.deps.Sessions.SignInHandler()).Methods(http.MethodGet)
		s.router.Handle("/auth/callback", s.deps.Sessions.CallbackHandler()).Methods(http.MethodGet)
		s.router.Handle("/auth/signout", s.deps.Sessions.SignOutHandler()).Methods(http.MethodGet, http.MethodPost)
	}
}

// write applies request rate limiting to state-changing endpoints
func (s *Server) write(h http.HandlerFunc) http.Handler {
	if s.deps.RateLimit == nil {
		return h
	}
	return s.deps.RateLimit.Handler(h)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in the full middleware stack
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RecoveryMiddleware(s.logger),
		httputil.RequestIDMiddleware,
		middleware.IdentityMiddleware(s.deps.Provider, s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.CORSMiddleware(s.opts.CORSOrigins),
		httputil.MaxBytesMiddleware(s.opts.MaxBodyBytes),
	)
	return otelhttp.NewHandler(chain(s.router), "kiln-api")
}

// baseURL is the configured base URL, or the one the request arrived on when
// its host is allowed. An empty result fails invite link building.
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.BaseURL != "" {
		return s.opts.BaseURL
	}
	if !s.hostAllowed(r.Host) {
		s.logger.WithField("host", r.Host).Warn("refusing to build invite links for unlisted host")
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host
}

func (s *Server) hostAllowed(host string) bool {
	for _, allowed := range s.opts.AllowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}
