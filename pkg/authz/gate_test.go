package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/kiln/pkg/identity"
	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/storage/postgres"
	"github.com/platinummonkey/kiln/pkg/storage/storetest"
	"github.com/platinummonkey/kiln/pkg/studio"
)

func roleRef(r studio.Role) *studio.Role { return &r }

func requireKind(t *testing.T, err error, kind studio.Kind) *studio.Error {
	t.Helper()
	require.Error(t, err)
	var se *studio.Error
	require.True(t, errors.As(err, &se), "expected *studio.Error, got %T: %v", err, err)
	require.Equal(t, kind, se.Kind, "unexpected kind for %v", err)
	return se
}

type gateHarness struct {
	store   *postgres.Store
	fixture *storetest.Fixture
	gate    *Gate
	metrics *observability.Metrics
	hook    *test.Hook
}

func newGateHarness(t *testing.T, opts ...Option) *gateHarness {
	t.Helper()
	store := storetest.New(t)
	logger, hook := test.NewNullLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts = append([]Option{WithMetrics(metrics)}, opts...)
	return &gateHarness{
		store:   store,
		fixture: storetest.NewFixture(t, store),
		gate:    NewGate(store, logger, opts...),
		metrics: metrics,
		hook:    hook,
	}
}

func TestAuthorizeStudioMember(t *testing.T) {
	h := newGateHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	member := h.fixture.Profile(false)
	h.fixture.Membership(s, member, studio.RoleMember, studio.StatusApproved, now)
	pending := h.fixture.Profile(false)
	h.fixture.Membership(s, pending, studio.RoleMember, studio.StatusPending, now)
	loner := h.fixture.Profile(false)

	t.Run("no identity", func(t *testing.T) {
		_, err := h.gate.AuthorizeStudioMember(ctx, Request{})
		requireKind(t, err, studio.KindUnauthenticated)
	})

	t.Run("unknown identity", func(t *testing.T) {
		_, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: "nobody"})
		requireKind(t, err, studio.KindProfileNotFound)
	})

	t.Run("no membership", func(t *testing.T) {
		_, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: loner.ExternalID})
		se := requireKind(t, err, studio.KindForbidden)
		assert.Equal(t, studio.MsgApprovedRequired, se.Message)
	})

	t.Run("pending membership", func(t *testing.T) {
		_, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: pending.ExternalID})
		se := requireKind(t, err, studio.KindForbidden)
		assert.Equal(t, studio.MsgApprovedRequired, se.Message)
	})

	t.Run("approved member", func(t *testing.T) {
		res, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: member.ExternalID})
		require.NoError(t, err)
		assert.Equal(t, member.ID, res.Profile.ID)
		assert.Equal(t, s.ID, res.Studio.ID)
		assert.Equal(t, studio.StatusApproved, res.Membership.Status)

		res, err = h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: member.ExternalID, RequiredRole: roleRef(studio.RoleMember)})
		require.NoError(t, err)
		assert.Equal(t, studio.RoleMember, res.Membership.Role)
	})

	t.Run("member without admin role", func(t *testing.T) {
		_, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: member.ExternalID, RequiredRole: roleRef(studio.RoleAdmin)})
		se := requireKind(t, err, studio.KindForbidden)
		assert.Equal(t, studio.MsgAdminRequired, se.Message)
	})

	t.Run("admin", func(t *testing.T) {
		res, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: owner.ExternalID, RequiredRole: roleRef(studio.RoleAdmin)})
		require.NoError(t, err)
		assert.Equal(t, studio.RoleAdmin, res.Membership.Role)
	})

	t.Run("demoted owner keeps admin rights", func(t *testing.T) {
		ownerMembership, err := h.store.GetMembershipByUser(ctx, owner.ID)
		require.NoError(t, err)
		require.NoError(t, h.store.UpdateMembershipRole(ctx, ownerMembership.ID, studio.RoleMember, now))

		res, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: owner.ExternalID, RequiredRole: roleRef(studio.RoleAdmin)})
		require.NoError(t, err)
		assert.Equal(t, studio.RoleMember, res.Membership.Role)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := h.gate.AuthorizeStudioMember(ctx, Request{IdentityID: member.ExternalID, RequiredRole: roleRef("owner")})
		requireKind(t, err, studio.KindInvalidArgument)
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.AuthzDenialsTotal.WithLabelValues("forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AuthzDenialsTotal.WithLabelValues("unauthenticated")))
	assert.Greater(t, testutil.ToFloat64(h.metrics.CacheHitsTotal.WithLabelValues(profileCacheName)), 0.0)
}

func TestAuthorizeSiteAdmin(t *testing.T) {
	h := newGateHarness(t)
	ctx := context.Background()

	admin := h.fixture.Profile(true)
	plain := h.fixture.Profile(false)

	p, err := h.gate.AuthorizeSiteAdmin(ctx, admin.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, p.ID)

	_, err = h.gate.AuthorizeSiteAdmin(ctx, plain.ExternalID)
	se := requireKind(t, err, studio.KindForbidden)
	assert.Equal(t, studio.MsgSiteAdminRequired, se.Message)

	_, err = h.gate.AuthorizeSiteAdmin(ctx, "nobody")
	requireKind(t, err, studio.KindProfileNotFound)

	_, err = h.gate.AuthorizeSiteAdmin(ctx, "")
	requireKind(t, err, studio.KindUnauthenticated)
}

type unreachableStore struct {
	*postgres.Store
}

func (unreachableStore) Ping(ctx context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func TestGateStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()

	t.Run("no store", func(t *testing.T) {
		g := NewGate(nil, logger)
		_, err := g.AuthorizeStudioMember(ctx, Request{IdentityID: "someone"})
		requireKind(t, err, studio.KindServiceUnavailable)
		_, err = g.AuthorizeSiteAdmin(ctx, "someone")
		requireKind(t, err, studio.KindServiceUnavailable)
		_, err = g.EnsureProfile(ctx, &identity.Identity{ExternalID: "someone"})
		requireKind(t, err, studio.KindServiceUnavailable)
	})

	t.Run("ping fails", func(t *testing.T) {
		g := NewGate(unreachableStore{storetest.New(t)}, logger)
		_, err := g.AuthorizeStudioMember(ctx, Request{IdentityID: "someone"})
		se := requireKind(t, err, studio.KindServiceUnavailable)
		assert.Equal(t, studio.MsgStoreUnavailable, se.Message)
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})

	t.Run("identity checked first", func(t *testing.T) {
		g := NewGate(nil, logger)
		_, err := g.AuthorizeStudioMember(ctx, Request{})
		requireKind(t, err, studio.KindUnauthenticated)
	})
}

func TestEnsureProfile(t *testing.T) {
	h := newGateHarness(t, WithSiteAdminEmails([]string{" Root@Kiln.Example "}))
	ctx := context.Background()

	p, err := h.gate.EnsureProfile(ctx, &identity.Identity{ExternalID: "sub-1", Email: "root@kiln.example", Name: "Root"})
	require.NoError(t, err)
	assert.True(t, p.IsSiteAdmin)
	assert.Equal(t, "Root", p.DisplayName)

	again, err := h.gate.EnsureProfile(ctx, &identity.Identity{ExternalID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	plain, err := h.gate.EnsureProfile(ctx, &identity.Identity{ExternalID: "sub-2", Email: "potter@kiln.example"})
	require.NoError(t, err)
	assert.False(t, plain.IsSiteAdmin)

	_, err = h.gate.EnsureProfile(ctx, nil)
	requireKind(t, err, studio.KindUnauthenticated)
}

func TestEnsureProfile_Concurrent(t *testing.T) {
	h := newGateHarness(t, WithProfileCache(0, 0))
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.gate.EnsureProfile(ctx, &identity.Identity{ExternalID: "sub-race"})
			errs[i] = err
			if err == nil {
				ids[i] = p.ID.String()
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

// staleLookupStore misses on the first profile lookup, as if another
// replica inserted the profile just after it.
type staleLookupStore struct {
	*postgres.Store
	lookups atomic.Int32
}

func (s *staleLookupStore) GetProfileByExternalID(ctx context.Context, externalID string) (*studio.Profile, error) {
	if s.lookups.Add(1) == 1 {
		return nil, storage.ErrNotFound
	}
	return s.Store.GetProfileByExternalID(ctx, externalID)
}

func TestEnsureProfile_LostInsertRace(t *testing.T) {
	store := storetest.New(t)
	existing := storetest.NewFixture(t, store).Profile(false)
	logger, _ := test.NewNullLogger()

	stale := &staleLookupStore{Store: store}
	g := NewGate(stale, logger)

	p, err := g.EnsureProfile(context.Background(), &identity.Identity{ExternalID: existing.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, p.ID)
	assert.Equal(t, int32(2), stale.lookups.Load())
}

func TestRequireStudioMembership(t *testing.T) {
	h := newGateHarness(t)
	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	member := h.fixture.Profile(false)
	h.fixture.Membership(s, member, studio.RoleMember, studio.StatusApproved, time.Now().UTC())

	redirects := Redirects{SignInPath: "/auth/signin", RequestAccessPath: "/request-access"}
	var got *Result
	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	serve := func(handler http.Handler, id *identity.Identity) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/studio?tab=members", nil)
		r = r.WithContext(identity.WithIdentity(r.Context(), id))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	memberOnly := h.gate.RequireStudioMembership(nil, redirects)(page)
	adminOnly := h.gate.RequireStudioMembership(roleRef(studio.RoleAdmin), redirects)(page)

	t.Run("anonymous goes to sign in", func(t *testing.T) {
		w := serve(memberOnly, nil)
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/auth/signin?return_to=%2Fstudio%3Ftab%3Dmembers", w.Header().Get("Location"))
	})

	t.Run("unknown profile goes to request access", func(t *testing.T) {
		w := serve(memberOnly, &identity.Identity{ExternalID: "stranger"})
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/request-access", w.Header().Get("Location"))
	})

	t.Run("member without admin goes to request access", func(t *testing.T) {
		w := serve(adminOnly, &identity.Identity{ExternalID: member.ExternalID})
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/request-access", w.Header().Get("Location"))
	})

	t.Run("member passes", func(t *testing.T) {
		got = nil
		w := serve(memberOnly, &identity.Identity{ExternalID: member.ExternalID})
		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, got)
		assert.Equal(t, s.ID, got.Studio.ID)
	})

	t.Run("store down is an error, not a redirect", func(t *testing.T) {
		logger, _ := test.NewNullLogger()
		down := NewGate(nil, logger).RequireStudioMembership(nil, redirects)(page)
		w := serve(down, &identity.Identity{ExternalID: member.ExternalID})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "service_unavailable")
	})
}
