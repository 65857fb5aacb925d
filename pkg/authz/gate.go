// Package authz resolves callers to profiles and memberships and decides
// whether they may use studio-scoped and site-wide operations.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/kiln/pkg/identity"
	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/studio"
)

const (
	// DefaultProfileCacheSize bounds the profile cache
	DefaultProfileCacheSize = 1024
	// DefaultProfileCacheTTL is how long a cached profile is trusted
	DefaultProfileCacheTTL = 30 * time.Second

	profileCacheName = "profiles"
)

// Request describes the caller and the role an operation needs
type Request struct {
	IdentityID   string
	RequiredRole *studio.Role
}

// Result is a successful studio authorization
type Result struct {
	Profile    *studio.Profile    `json:"profile"`
	Membership *studio.Membership `json:"membership"`
	Studio     *studio.Studio     `json:"studio"`
}

// Gate authorizes studio members and site admins
type Gate struct {
	store   storage.Store
	logger  logrus.FieldLogger
	metrics *observability.Metrics

	profiles        *expirable.LRU[string, *studio.Profile]
	creating        singleflight.Group
	siteAdminEmails map[string]struct{}
}

// Option configures a Gate
type Option func(*Gate)

// WithMetrics records denials and cache lookups
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithSiteAdminEmails marks profiles created for these emails as site admins
func WithSiteAdminEmails(emails []string) Option {
	return func(g *Gate) {
		for _, e := range emails {
			if e = normalizeEmail(e); e != "" {
				g.siteAdminEmails[e] = struct{}{}
			}
		}
	}
}

// WithProfileCache sizes the profile cache. A size below 1 disables it.
func WithProfileCache(size int, ttl time.Duration) Option {
	return func(g *Gate) {
		if size < 1 {
			g.profiles = nil
			return
		}
		g.profiles = expirable.NewLRU[string, *studio.Profile](size, nil, ttl)
	}
}

// NewGate creates a gate. A nil store makes every check fail with
// KindServiceUnavailable.
func NewGate(store storage.Store, logger logrus.FieldLogger, opts ...Option) *Gate {
	g := &Gate{
		store:           store,
		logger:          logger,
		profiles:        expirable.NewLRU[string, *studio.Profile](DefaultProfileCacheSize, nil, DefaultProfileCacheTTL),
		siteAdminEmails: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AuthorizeStudioMember requires an approved membership, and admin rights
// when req.RequiredRole is RoleAdmin. The studio owner always has admin rights.
func (g *Gate) AuthorizeStudioMember(ctx context.Context, req Request) (res *Result, err error) {
	defer func() { g.metrics.RecordAuthzDenial(err) }()

	profile, err := g.resolve(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	log := g.logger.WithField("profile_id", profile.ID)

	m, err := g.store.GetMembershipByUser(ctx, profile.ID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && m.Status != studio.StatusApproved) {
		return nil, studio.NewError(studio.KindForbidden, studio.MsgApprovedRequired)
	}
	if err != nil {
		log.WithError(err).Error("failed to load membership")
		return nil, studio.Internal(fmt.Errorf("failed to load membership: %w", err))
	}

	s, err := g.store.GetStudio(ctx, m.StudioID)
	if err != nil {
		log.WithError(err).Error("failed to load studio")
		return nil, studio.Internal(fmt.Errorf("failed to load studio: %w", err))
	}

	if req.RequiredRole != nil {
		switch *req.RequiredRole {
		case studio.RoleAdmin:
			if !studio.HasAdminRights(s, profile.ID, m) {
				return nil, studio.NewError(studio.KindForbidden, studio.MsgAdminRequired)
			}
		case studio.RoleMember:
			if m.Role != studio.RoleMember {
				return nil, studio.NewError(studio.KindForbidden, "member role required")
			}
		default:
			return nil, studio.Errorf(studio.KindInvalidArgument, "unknown role %q", string(*req.RequiredRole))
		}
	}

	return &Result{Profile: profile, Membership: m, Studio: s}, nil
}

// AuthorizeSiteAdmin requires the profile's site-admin flag. Studio
// membership plays no part.
func (g *Gate) AuthorizeSiteAdmin(ctx context.Context, identityID string) (p *studio.Profile, err error) {
	defer func() { g.metrics.RecordAuthzDenial(err) }()

	profile, err := g.resolve(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !profile.IsSiteAdmin {
		return nil, studio.NewError(studio.KindForbidden, studio.MsgSiteAdminRequired)
	}
	return profile, nil
}

// EnsureProfile returns the identity's profile, creating it on first sight.
// Concurrent calls for one identity share a single lookup and insert.
func (g *Gate) EnsureProfile(ctx context.Context, id *identity.Identity) (*studio.Profile, error) {
	if id == nil || id.ExternalID == "" {
		return nil, studio.NewError(studio.KindUnauthenticated, "sign in required")
	}
	if err := g.available(ctx); err != nil {
		return nil, err
	}
	if p, ok := g.cached(id.ExternalID); ok {
		return p, nil
	}

	v, err, _ := g.creating.Do(id.ExternalID, func() (interface{}, error) {
		return g.findOrCreate(ctx, id)
	})
	if err != nil {
		g.logger.WithError(err).WithField("user_id", id.ExternalID).Error("failed to ensure profile")
		return nil, studio.Internal(err)
	}

	p := v.(*studio.Profile)
	g.cache(p)
	return p, nil
}

func (g *Gate) findOrCreate(ctx context.Context, id *identity.Identity) (*studio.Profile, error) {
	p, err := g.store.GetProfileByExternalID(ctx, id.ExternalID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	_, siteAdmin := g.siteAdminEmails[normalizeEmail(id.Email)]
	p = &studio.Profile{
		ExternalID:  id.ExternalID,
		DisplayName: id.Name,
		Email:       id.Email,
		IsSiteAdmin: siteAdmin,
	}
	err = g.store.CreateProfile(ctx, p)
	if errors.Is(err, storage.ErrDuplicateProfile) {
		// Another replica created it first
		return g.store.GetProfileByExternalID(ctx, id.ExternalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"profile_id":    p.ID,
		"user_id":       p.ExternalID,
		"is_site_admin": p.IsSiteAdmin,
	}).Info("profile created")
	return p, nil
}

// resolve covers the checks shared by every gate: identity present, store
// reachable, profile exists.
func (g *Gate) resolve(ctx context.Context, identityID string) (*studio.Profile, error) {
	if identityID == "" {
		return nil, studio.NewError(studio.KindUnauthenticated, "sign in required")
	}
	if err := g.available(ctx); err != nil {
		return nil, err
	}
	if p, ok := g.cached(identityID); ok {
		return p, nil
	}

	p, err := g.store.GetProfileByExternalID(ctx, identityID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, studio.NewError(studio.KindProfileNotFound, "profile not found")
	}
	if err != nil {
		g.logger.WithError(err).WithField("user_id", identityID).Error("failed to load profile")
		return nil, studio.Internal(fmt.Errorf("failed to load profile: %w", err))
	}

	g.cache(p)
	return p, nil
}

func (g *Gate) available(ctx context.Context) error {
	if g.store == nil {
		return studio.NewError(studio.KindServiceUnavailable, studio.MsgStoreUnavailable)
	}
	if err := g.store.Ping(ctx); err != nil {
		g.logger.WithError(err).Warn("store unreachable")
		return &studio.Error{Kind: studio.KindServiceUnavailable, Message: studio.MsgStoreUnavailable, Err: err}
	}
	return nil
}

func (g *Gate) cached(externalID string) (*studio.Profile, bool) {
	if g.profiles == nil {
		return nil, false
	}
	p, ok := g.profiles.Get(externalID)
	g.metrics.RecordCacheLookup(profileCacheName, ok)
	return p, ok
}

func (g *Gate) cache(p *studio.Profile) {
	if g.profiles != nil && p != nil {
		g.profiles.Add(p.ExternalID, p)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
