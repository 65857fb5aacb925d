package membership

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/kiln/pkg/invites"
	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/ratelimit"
	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/storage/postgres"
	"github.com/platinummonkey/kiln/pkg/storage/storetest"
	"github.com/platinummonkey/kiln/pkg/studio"
)

const baseURL = "https://kiln.example"

type harness struct {
	store   storage.Store
	fixture *storetest.Fixture
	engine  *Engine
	invites *invites.Manager
	metrics *observability.Metrics
	hook    *test.Hook
	now     time.Time
}

func newHarness(t *testing.T, inviteOpts ...invites.Option) *harness {
	t.Helper()
	store := storetest.New(t)
	return newHarnessWithStore(t, store, storetest.NewFixture(t, store), inviteOpts...)
}

func newHarnessWithStore(t *testing.T, store storage.Store, fixture *storetest.Fixture, inviteOpts ...invites.Option) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()

	// Fixture studios seed the owner's membership at the real time; running
	// two days ahead keeps it outside the join window.
	h := &harness{
		store:   store,
		fixture: fixture,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		hook:    hook,
		now:     time.Now().UTC().Add(48 * time.Hour),
	}
	clock := func() time.Time { return h.now }

	inviteOpts = append([]invites.Option{invites.WithClock(clock), invites.WithMetrics(h.metrics)}, inviteOpts...)
	h.invites = invites.NewManager(store, logger, inviteOpts...)
	limiter := ratelimit.NewJoinLimiter(store, ratelimit.DefaultConfig()).WithClock(clock)
	h.engine = NewEngine(store, limiter, h.invites, logger, WithClock(clock), WithMetrics(h.metrics))
	return h
}

func requireKind(t *testing.T, err error, kind studio.Kind) *studio.Error {
	t.Helper()
	require.Error(t, err)
	var se *studio.Error
	require.True(t, errors.As(err, &se), "expected *studio.Error, got %T: %v", err, err)
	require.Equal(t, kind, se.Kind, "unexpected kind for %v", err)
	return se
}

func TestSubmitJoinRequest_PendingThenConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	u := h.fixture.Profile(false)

	m, err := h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, m.StudioID)
	assert.Equal(t, u.ID, m.UserID)
	assert.Equal(t, studio.StatusPending, m.Status)
	assert.Equal(t, studio.RoleMember, m.Role)
	assert.True(t, m.CreatedAt.Equal(h.now))

	limit, err := ratelimit.NewJoinLimiter(h.store, ratelimit.DefaultConfig()).
		WithClock(func() time.Time { return h.now }).Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, limit.RecentCount)

	_, err = h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
	se := requireKind(t, err, studio.KindConflict)
	assert.Equal(t, studio.StatusPending, se.Status)
	assert.Equal(t, studio.MsgAlreadyPending, se.Message)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JoinRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JoinRequestsTotal.WithLabelValues("conflict")))
}

func TestSubmitJoinRequest_InvalidInvite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	h.fixture.Studio(owner, "tok-a")
	u := h.fixture.Profile(false)

	for _, token := range []string{"", "not-a-token"} {
		_, err := h.engine.SubmitJoinRequest(ctx, token, u.ID)
		se := requireKind(t, err, studio.KindInvalidInvite)
		assert.Equal(t, studio.MsgInvalidInvite, se.Message)
	}

	_, err := h.store.GetMembershipByUser(ctx, u.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitJoinRequest_ExistingMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	otherOwner := h.fixture.Profile(false)
	other := h.fixture.Studio(otherOwner, "tok-b")

	tests := []struct {
		name    string
		studio  *studio.Studio
		status  studio.Status
		message string
	}{
		{"approved here", s, studio.StatusApproved, studio.MsgAlreadyMember},
		{"denied here", s, studio.StatusDenied, studio.MsgAskForNewInvite},
		{"removed here", s, studio.StatusRemoved, studio.MsgAskForNewInvite},
		{"pending elsewhere", other, studio.StatusPending, studio.MsgLeaveCurrentStudio},
		{"approved elsewhere", other, studio.StatusApproved, studio.MsgLeaveCurrentStudio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := h.fixture.Profile(false)
			h.fixture.Membership(tt.studio, u, studio.RoleMember, tt.status, h.now.Add(-72*time.Hour))

			_, err := h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
			se := requireKind(t, err, studio.KindConflict)
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, tt.message, se.Message)
		})
	}
}

func TestSubmitJoinRequest_RateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")

	for i := 0; i < ratelimit.DefaultDailyLimit; i++ {
		u := h.fixture.Profile(false)
		_, err := h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
		require.NoError(t, err, "submission %d", i+1)
		h.now = h.now.Add(5 * time.Minute)
	}

	late := h.fixture.Profile(false)
	_, err := h.engine.SubmitJoinRequest(ctx, "tok-a", late.ID)
	se := requireKind(t, err, studio.KindRateLimited)
	require.NotNil(t, se.Limit)
	assert.Equal(t, 10, se.Limit.RecentCount)
	assert.Equal(t, 10, se.Limit.DailyLimit)
	assert.True(t, se.Limit.LimitReached)
	// The first request ages out 24h after it was made, 50 minutes ago
	assert.InDelta(t, (24*time.Hour - 50*time.Minute).Milliseconds(), se.Limit.RetryAfterMs, 1000)

	_, err = h.store.GetMembershipByUser(ctx, late.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The window slides past the earlier requests
	h.now = h.now.Add(24 * time.Hour)
	m, err := h.engine.SubmitJoinRequest(ctx, "tok-a", late.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, m.StudioID)
}

func TestSubmitJoinRequest_ConcurrentSameProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	h.fixture.Studio(owner, "tok-a")
	u := h.fixture.Profile(false)

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		se := requireKind(t, err, studio.KindConflict)
		assert.Equal(t, studio.MsgAlreadyPending, se.Message)
	}
	assert.Equal(t, 1, succeeded)
}

// lookupMissStore hides existing memberships from the pre-insert lookup, as
// if a concurrent request inserted between the lookup and the insert.
type lookupMissStore struct {
	*postgres.Store
}

func (s lookupMissStore) GetMembershipByUser(ctx context.Context, userID uuid.UUID) (*studio.Membership, error) {
	return nil, storage.ErrNotFound
}

func TestSubmitJoinRequest_InsertRaceIsConflict(t *testing.T) {
	store := storetest.New(t)
	fixture := storetest.NewFixture(t, store)
	h := newHarnessWithStore(t, lookupMissStore{store}, fixture)
	ctx := context.Background()

	owner := fixture.Profile(false)
	s := fixture.Studio(owner, "tok-a")
	u := fixture.Profile(false)
	fixture.Membership(s, u, studio.RoleMember, studio.StatusPending, h.now)

	_, err := h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
	se := requireKind(t, err, studio.KindConflict)
	assert.Equal(t, studio.StatusPending, se.Status)
	assert.Equal(t, studio.MsgAlreadyPending, se.Message)
}

// brokenStore fails every studio lookup
type brokenStore struct {
	*postgres.Store
}

func (brokenStore) GetStudioByInviteToken(ctx context.Context, token string) (*studio.Studio, error) {
	return nil, errors.New("connection reset by peer")
}

func TestSubmitJoinRequest_StoreFailureIsInternal(t *testing.T) {
	store := storetest.New(t)
	fixture := storetest.NewFixture(t, store)
	h := newHarnessWithStore(t, brokenStore{store}, fixture)

	_, err := h.engine.SubmitJoinRequest(context.Background(), "tok-a", uuid.New())
	requireKind(t, err, studio.KindInternal)
	assert.Equal(t, "internal server error", studio.PublicMessage(err))

	entry := h.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "failed to resolve invite", entry.Message)
}

func TestChangeRole_PromoteDemotesExistingAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	siteAdmin := h.fixture.Profile(true)
	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	u := h.fixture.Profile(false)

	m, err := h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
	require.NoError(t, err)
	m, err = h.engine.DecideMembership(ctx, owner.ID, m.ID, studio.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, studio.StatusApproved, m.Status)

	promoted, err := h.engine.ChangeRole(ctx, siteAdmin.ID, m.ID, studio.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, studio.RoleAdmin, promoted.Role)

	ownerMembership, err := h.store.GetMembershipByUser(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.RoleMember, ownerMembership.Role)
	assert.Equal(t, studio.StatusApproved, ownerMembership.Status)

	members, err := h.engine.ListMembers(ctx, s.ID)
	require.NoError(t, err)
	var admins int
	for _, mv := range members {
		if mv.Role == studio.RoleAdmin && mv.Status == studio.StatusApproved {
			admins++
			assert.Equal(t, u.ID, mv.UserID)
		}
	}
	assert.Equal(t, 1, admins)

	// The demoted owner keeps admin rights
	v := h.fixture.Profile(false)
	pending, err := h.engine.SubmitJoinRequest(ctx, "tok-a", v.ID)
	require.NoError(t, err)
	_, err = h.engine.DecideMembership(ctx, owner.ID, pending.ID, studio.DecisionDeny)
	require.NoError(t, err)

	// Promoting the owner back swaps again
	_, err = h.engine.ChangeRole(ctx, siteAdmin.ID, ownerMembership.ID, studio.RoleAdmin)
	require.NoError(t, err)
	got, err := h.store.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.RoleMember, got.Role)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RoleChangesTotal.WithLabelValues("success")))
}

func TestChangeRole_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	siteAdmin := h.fixture.Profile(true)
	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	pendingUser := h.fixture.Profile(false)
	pending := h.fixture.Membership(s, pendingUser, studio.RoleMember, studio.StatusPending, h.now)
	memberUser := h.fixture.Profile(false)
	member := h.fixture.Membership(s, memberUser, studio.RoleMember, studio.StatusApproved, h.now)

	t.Run("caller is not a site admin", func(t *testing.T) {
		_, err := h.engine.ChangeRole(ctx, owner.ID, member.ID, studio.RoleAdmin)
		se := requireKind(t, err, studio.KindForbidden)
		assert.Equal(t, studio.MsgSiteAdminRequired, se.Message)
	})

	t.Run("unknown caller", func(t *testing.T) {
		_, err := h.engine.ChangeRole(ctx, uuid.New(), member.ID, studio.RoleAdmin)
		requireKind(t, err, studio.KindProfileNotFound)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := h.engine.ChangeRole(ctx, siteAdmin.ID, member.ID, studio.Role("owner"))
		requireKind(t, err, studio.KindInvalidArgument)
	})

	t.Run("pending membership", func(t *testing.T) {
		_, err := h.engine.ChangeRole(ctx, siteAdmin.ID, pending.ID, studio.RoleAdmin)
		se := requireKind(t, err, studio.KindInvalidState)
		assert.Equal(t, studio.MsgRoleRequiresApprove, se.Message)

		got, err := h.store.GetMembershipByUser(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, studio.RoleAdmin, got.Role)
	})

	t.Run("unknown membership", func(t *testing.T) {
		_, err := h.engine.ChangeRole(ctx, siteAdmin.ID, uuid.New(), studio.RoleAdmin)
		requireKind(t, err, studio.KindNotFound)
	})

	t.Run("same role is a no-op", func(t *testing.T) {
		got, err := h.engine.ChangeRole(ctx, siteAdmin.ID, member.ID, studio.RoleMember)
		require.NoError(t, err)
		assert.Equal(t, studio.RoleMember, got.Role)
	})
}

func TestChangeRole_SameRoleLeavesStudioUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	siteAdmin := h.fixture.Profile(true)
	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	memberUser := h.fixture.Profile(false)
	h.fixture.Membership(s, memberUser, studio.RoleMember, studio.StatusApproved, h.now.Add(-time.Hour))
	pendingUser := h.fixture.Profile(false)
	h.fixture.Membership(s, pendingUser, studio.RoleMember, studio.StatusPending, h.now.Add(-time.Hour))

	admin, err := h.store.GetMembershipByUser(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, studio.RoleAdmin, admin.Role)

	before, err := h.store.ListMembers(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, before, 3)

	// Any write would carry this later timestamp
	h.now = h.now.Add(time.Hour)

	got, err := h.engine.ChangeRole(ctx, siteAdmin.ID, admin.ID, studio.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, studio.RoleAdmin, got.Role)
	assert.True(t, got.UpdatedAt.Equal(admin.UpdatedAt))

	after, err := h.store.ListMembers(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Role, after[i].Role, "role of %s", before[i].ID)
		assert.Equal(t, before[i].Status, after[i].Status, "status of %s", before[i].ID)
		assert.True(t, before[i].UpdatedAt.Equal(after[i].UpdatedAt), "updated_at of %s", before[i].ID)
	}
}

func TestDecideMembership_Transitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")

	tests := []struct {
		name     string
		from     studio.Status
		decision studio.Decision
		want     studio.Status
		kind     studio.Kind
		wantErr  bool
	}{
		{"approve pending", studio.StatusPending, studio.DecisionApprove, studio.StatusApproved, 0, false},
		{"deny pending", studio.StatusPending, studio.DecisionDeny, studio.StatusDenied, 0, false},
		{"remove approved", studio.StatusApproved, studio.DecisionRemove, studio.StatusRemoved, 0, false},
		{"approve approved is a no-op", studio.StatusApproved, studio.DecisionApprove, studio.StatusApproved, 0, false},
		{"remove pending", studio.StatusPending, studio.DecisionRemove, "", studio.KindInvalidState, true},
		{"approve denied", studio.StatusDenied, studio.DecisionApprove, "", studio.KindInvalidState, true},
		{"deny removed", studio.StatusRemoved, studio.DecisionDeny, "", studio.KindInvalidState, true},
		{"unknown decision", studio.StatusPending, studio.Decision("ban"), "", studio.KindInvalidArgument, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := h.fixture.Profile(false)
			m := h.fixture.Membership(s, u, studio.RoleMember, tt.from, h.now)

			got, err := h.engine.DecideMembership(ctx, owner.ID, m.ID, tt.decision)
			if tt.wantErr {
				requireKind(t, err, tt.kind)
				stored, err := h.store.GetMembership(ctx, m.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.from, stored.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)

			stored, err := h.store.GetMembership(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
		})
	}
}

// interleavingStore runs between once after the next membership read returns,
// standing in for a second admin acting on the same row.
type interleavingStore struct {
	*postgres.Store
	between func()
}

func (s *interleavingStore) GetMembership(ctx context.Context, id uuid.UUID) (*studio.Membership, error) {
	m, err := s.Store.GetMembership(ctx, id)
	if fn := s.between; fn != nil {
		s.between = nil
		fn()
	}
	return m, err
}

func TestDecideMembership_ConcurrentDecisions(t *testing.T) {
	store := storetest.New(t)
	fixture := storetest.NewFixture(t, store)
	racing := &interleavingStore{Store: store}
	h := newHarnessWithStore(t, racing, fixture)
	ctx := context.Background()

	owner := fixture.Profile(false)
	s := fixture.Studio(owner, "tok-a")
	siteAdmin := fixture.Profile(true)

	t.Run("approve after a concurrent deny", func(t *testing.T) {
		u := fixture.Profile(false)
		m := fixture.Membership(s, u, studio.RoleMember, studio.StatusPending, h.now)

		racing.between = func() {
			denied, err := h.engine.DecideMembership(ctx, siteAdmin.ID, m.ID, studio.DecisionDeny)
			require.NoError(t, err)
			require.Equal(t, studio.StatusDenied, denied.Status)
		}

		_, err := h.engine.DecideMembership(ctx, owner.ID, m.ID, studio.DecisionApprove)
		requireKind(t, err, studio.KindInvalidState)

		stored, err := store.GetMembership(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, studio.StatusDenied, stored.Status)
	})

	t.Run("same decision made concurrently", func(t *testing.T) {
		u := fixture.Profile(false)
		m := fixture.Membership(s, u, studio.RoleMember, studio.StatusPending, h.now)

		racing.between = func() {
			_, err := h.engine.DecideMembership(ctx, siteAdmin.ID, m.ID, studio.DecisionDeny)
			require.NoError(t, err)
		}

		got, err := h.engine.DecideMembership(ctx, owner.ID, m.ID, studio.DecisionDeny)
		require.NoError(t, err)
		assert.Equal(t, studio.StatusDenied, got.Status)
	})

	t.Run("row deleted concurrently", func(t *testing.T) {
		u := fixture.Profile(false)
		m := fixture.Membership(s, u, studio.RoleMember, studio.StatusPending, h.now)

		racing.between = func() {
			require.NoError(t, store.DeleteMembership(ctx, m.ID))
		}

		_, err := h.engine.DecideMembership(ctx, owner.ID, m.ID, studio.DecisionApprove)
		requireKind(t, err, studio.KindNotFound)
	})
}

func TestDecideMembership_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	siteAdmin := h.fixture.Profile(true)
	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	memberUser := h.fixture.Profile(false)
	h.fixture.Membership(s, memberUser, studio.RoleMember, studio.StatusApproved, h.now)
	outsiderOwner := h.fixture.Profile(false)
	h.fixture.Studio(outsiderOwner, "tok-b")
	stranger := h.fixture.Profile(false)

	newPending := func() *studio.Membership {
		u := h.fixture.Profile(false)
		return h.fixture.Membership(s, u, studio.RoleMember, studio.StatusPending, h.now)
	}

	t.Run("plain member is forbidden", func(t *testing.T) {
		_, err := h.engine.DecideMembership(ctx, memberUser.ID, newPending().ID, studio.DecisionApprove)
		se := requireKind(t, err, studio.KindForbidden)
		assert.Equal(t, studio.MsgAdminRequired, se.Message)
	})

	t.Run("admin of another studio sees not found", func(t *testing.T) {
		_, err := h.engine.DecideMembership(ctx, outsiderOwner.ID, newPending().ID, studio.DecisionApprove)
		requireKind(t, err, studio.KindNotFound)
	})

	t.Run("profile without membership sees not found", func(t *testing.T) {
		_, err := h.engine.DecideMembership(ctx, stranger.ID, newPending().ID, studio.DecisionApprove)
		requireKind(t, err, studio.KindNotFound)
	})

	t.Run("site admin may decide", func(t *testing.T) {
		m, err := h.engine.DecideMembership(ctx, siteAdmin.ID, newPending().ID, studio.DecisionDeny)
		require.NoError(t, err)
		assert.Equal(t, studio.StatusDenied, m.Status)
	})

	t.Run("unknown caller", func(t *testing.T) {
		_, err := h.engine.DecideMembership(ctx, uuid.New(), newPending().ID, studio.DecisionApprove)
		requireKind(t, err, studio.KindProfileNotFound)
	})

	t.Run("unknown membership", func(t *testing.T) {
		_, err := h.engine.DecideMembership(ctx, owner.ID, uuid.New(), studio.DecisionApprove)
		requireKind(t, err, studio.KindNotFound)
	})

	t.Run("owner cannot be removed", func(t *testing.T) {
		ownerMembership, err := h.store.GetMembershipByUser(ctx, owner.ID)
		require.NoError(t, err)
		_, err = h.engine.DecideMembership(ctx, siteAdmin.ID, ownerMembership.ID, studio.DecisionRemove)
		requireKind(t, err, studio.KindForbidden)
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MembershipDecisionsTotal.WithLabelValues("deny", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MembershipDecisionsTotal.WithLabelValues("approve", "forbidden")))
}

func TestRotateInvite_PurgesDeniedAndAllowsRejoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	u := h.fixture.Profile(false)

	m, err := h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
	require.NoError(t, err)
	_, err = h.engine.DecideMembership(ctx, owner.ID, m.ID, studio.DecisionDeny)
	require.NoError(t, err)

	_, err = h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
	se := requireKind(t, err, studio.KindConflict)
	assert.Equal(t, studio.StatusDenied, se.Status)

	rotated, err := h.invites.RotateInvite(ctx, s.ID, baseURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rotated.Purged)

	_, err = h.engine.SubmitJoinRequest(ctx, "tok-a", u.ID)
	requireKind(t, err, studio.KindInvalidInvite)

	fresh, err := h.engine.SubmitJoinRequest(ctx, rotated.Token, u.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.StatusPending, fresh.Status)
	assert.NotEqual(t, m.ID, fresh.ID)
}

func TestCreateStudio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	creator := h.fixture.Profile(false)
	s, err := h.engine.CreateStudio(ctx, creator.ID, "  Mud Room  ")
	require.NoError(t, err)
	assert.Equal(t, "Mud Room", s.Name)
	assert.Equal(t, creator.ID, s.OwnerID)
	assert.Len(t, s.InviteToken, invites.DefaultTokenBytes*2)

	details, err := h.engine.GetMembershipForProfile(ctx, creator.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, details.Studio.ID)
	assert.Equal(t, studio.RoleAdmin, details.Membership.Role)
	assert.Equal(t, studio.StatusApproved, details.Membership.Status)

	t.Run("already a member", func(t *testing.T) {
		_, err := h.engine.CreateStudio(ctx, creator.ID, "Second")
		se := requireKind(t, err, studio.KindConflict)
		assert.Equal(t, studio.MsgLeaveCurrentStudio, se.Message)
	})

	t.Run("name validation", func(t *testing.T) {
		p := h.fixture.Profile(false)
		_, err := h.engine.CreateStudio(ctx, p.ID, "   ")
		requireKind(t, err, studio.KindInvalidArgument)
		_, err = h.engine.CreateStudio(ctx, p.ID, strings.Repeat("x", MaxStudioNameLength+1))
		requireKind(t, err, studio.KindInvalidArgument)
	})

	t.Run("unknown creator", func(t *testing.T) {
		_, err := h.engine.CreateStudio(ctx, uuid.New(), "Ghost")
		requireKind(t, err, studio.KindProfileNotFound)
	})
}

func TestCreateStudio_TokenCollision(t *testing.T) {
	tokens := []string{"taken", "taken", "fresh"}
	var calls int
	h := newHarness(t, invites.WithTokenGenerator(func() (string, error) {
		tok := tokens[calls%len(tokens)]
		calls++
		return tok, nil
	}))
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	h.fixture.Studio(owner, "taken")

	creator := h.fixture.Profile(false)
	s, err := h.engine.CreateStudio(ctx, creator.ID, "Wheel House")
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.InviteToken)
	assert.Equal(t, 3, calls)

	_, err = h.store.GetMembershipByUser(ctx, creator.ID)
	require.NoError(t, err)
}

func TestCreateStudio_ExhaustedRetries(t *testing.T) {
	h := newHarness(t, invites.WithTokenGenerator(func() (string, error) { return "taken", nil }))
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	h.fixture.Studio(owner, "taken")

	creator := h.fixture.Profile(false)
	_, err := h.engine.CreateStudio(ctx, creator.ID, "Wheel House")
	requireKind(t, err, studio.KindExhaustedRetries)

	_, err = h.store.GetMembershipByUser(ctx, creator.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLeaveStudio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.fixture.Profile(false)
	s := h.fixture.Studio(owner, "tok-a")
	u := h.fixture.Profile(false)
	h.fixture.Membership(s, u, studio.RoleMember, studio.StatusApproved, h.now)

	require.NoError(t, h.engine.LeaveStudio(ctx, u.ID))
	_, err := h.engine.GetMembershipForProfile(ctx, u.ID)
	requireKind(t, err, studio.KindNotFound)

	err = h.engine.LeaveStudio(ctx, u.ID)
	requireKind(t, err, studio.KindNotFound)

	err = h.engine.LeaveStudio(ctx, owner.ID)
	requireKind(t, err, studio.KindForbidden)
}

func TestListStudiosAndMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.fixture.Studio(h.fixture.Profile(false), "tok-a")
	h.fixture.Studio(h.fixture.Profile(false), "tok-b")
	h.fixture.Membership(a, h.fixture.Profile(false), studio.RoleMember, studio.StatusPending, h.now)

	studios, err := h.engine.ListStudios(ctx)
	require.NoError(t, err)
	assert.Len(t, studios, 2)

	members, err := h.engine.ListMembers(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = h.engine.ListMembers(ctx, uuid.New())
	requireKind(t, err, studio.KindNotFound)
}

func TestResetJoinPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.fixture.Studio(h.fixture.Profile(false), "tok-a")

	password, err := h.engine.ResetJoinPassword(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, password, JoinPasswordLength)

	got, err := h.store.GetStudio(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.JoinPasswordHash)
	assert.NotEmpty(t, got.JoinPasswordSalt)
	assert.NotContains(t, got.JoinPasswordHash, password)
	require.NotNil(t, got.JoinPasswordUpdated)

	_, err = h.engine.ResetJoinPassword(ctx, uuid.New())
	requireKind(t, err, studio.KindNotFound)
}
