package invites

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/storage/storetest"
	"github.com/platinummonkey/kiln/pkg/studio"
)

const baseURL = "https://kiln.example.com"

func sequence(tokens ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		t := tokens[i]
		if i < len(tokens)-1 {
			i++
		}
		return t, nil
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(DefaultTokenBytes)
	require.NoError(t, err)
	assert.Len(t, tok, 96)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]+$`), tok)

	other, err := GenerateToken(DefaultTokenBytes)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)

	_, err = GenerateToken(0)
	assert.Error(t, err)
}

func TestBuildInviteURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		token   string
		path    string
		want    string
		wantErr bool
	}{
		{name: "default path", base: baseURL, token: "abc", want: baseURL + "/invite?inviteToken=abc"},
		{name: "custom path", base: baseURL, token: "abc", path: "/join", want: baseURL + "/join?inviteToken=abc"},
		{name: "path without slash", base: baseURL, token: "abc", path: "join", want: baseURL + "/join?inviteToken=abc"},
		{name: "trailing slash trimmed", base: baseURL + "/", token: "abc", want: baseURL + "/invite?inviteToken=abc"},
		{name: "base with prefix", base: baseURL + "/app", token: "abc", want: baseURL + "/app/invite?inviteToken=abc"},
		{name: "token escaped", base: baseURL, token: "a b&c", want: baseURL + "/invite?inviteToken=a+b%26c"},
		{name: "empty base", base: "", token: "abc", wantErr: true},
		{name: "blank base", base: "   ", token: "abc", wantErr: true},
		{name: "no scheme", base: "kiln.example.com", token: "abc", wantErr: true},
		{name: "unparsable", base: "http://[::1", token: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildInviteURL(tt.base, tt.token, tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, studio.IsKind(err, studio.KindInvalidBaseURL))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newManager(t *testing.T, store storage.Store, opts ...Option) (*Manager, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return NewManager(store, logger, opts...), hook
}

func TestGetInviteDetails(t *testing.T) {
	store := storetest.New(t)
	f := storetest.NewFixture(t, store)
	ctx := context.Background()

	s := f.Studio(f.Profile(false), "current-token")
	m, _ := newManager(t, store)

	t.Run("found", func(t *testing.T) {
		details, err := m.GetInviteDetails(ctx, s.ID, baseURL)
		require.NoError(t, err)
		assert.Equal(t, s.ID, details.StudioID)
		assert.Equal(t, "current-token", details.Token)
		assert.Equal(t, baseURL+"/invite?inviteToken=current-token", details.URL)
		assert.False(t, details.CreatedAt.IsZero())
	})

	t.Run("missing studio", func(t *testing.T) {
		_, err := m.GetInviteDetails(ctx, uuid.New(), baseURL)
		assert.True(t, studio.IsKind(err, studio.KindNotFound))
	})

	t.Run("bad base URL", func(t *testing.T) {
		_, err := m.GetInviteDetails(ctx, s.ID, "")
		assert.True(t, studio.IsKind(err, studio.KindInvalidBaseURL))
	})
}

func TestRotateInvite_PurgesStaleMemberships(t *testing.T) {
	store := storetest.New(t)
	f := storetest.NewFixture(t, store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	owner := f.Profile(false)
	s := f.Studio(owner, "old-token")
	denied := f.Membership(s, f.Profile(false), studio.RoleMember, studio.StatusDenied, now.Add(-time.Hour))
	removed := f.Membership(s, f.Profile(false), studio.RoleMember, studio.StatusRemoved, now.Add(-time.Hour))
	pending := f.Membership(s, f.Profile(false), studio.RoleMember, studio.StatusPending, now.Add(-time.Hour))

	// A denied row in another studio survives
	other := f.Studio(f.Profile(false), "other-token")
	elsewhere := f.Membership(other, f.Profile(false), studio.RoleMember, studio.StatusDenied, now)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m, _ := newManager(t, store,
		WithClock(func() time.Time { return now }),
		WithTokenGenerator(sequence("new-token")),
		WithMetrics(metrics),
	)

	result, err := m.RotateInvite(ctx, s.ID, baseURL)
	require.NoError(t, err)
	assert.Equal(t, "new-token", result.Token)
	assert.Equal(t, int64(2), result.Purged)
	assert.Equal(t, baseURL+"/invite?inviteToken=new-token", result.URL)
	assert.True(t, now.Equal(result.CreatedAt))

	for _, id := range []uuid.UUID{denied.ID, removed.ID} {
		_, err := store.GetMembership(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	for _, id := range []uuid.UUID{pending.ID, elsewhere.ID} {
		_, err := store.GetMembership(ctx, id)
		assert.NoError(t, err)
	}

	_, err = store.GetStudioByInviteToken(ctx, "old-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := store.GetStudioByInviteToken(ctx, "new-token")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InviteRotationsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.InvitePurgedTotal))
}

func TestRotateInvite_RetriesCollisions(t *testing.T) {
	store := storetest.New(t)
	f := storetest.NewFixture(t, store)
	ctx := context.Background()

	s := f.Studio(f.Profile(false), "mine")
	f.Studio(f.Profile(false), "taken")

	m, _ := newManager(t, store, WithTokenGenerator(sequence("taken", "taken", "fresh")))

	result, err := m.RotateInvite(ctx, s.ID, baseURL)
	require.NoError(t, err)
	assert.Equal(t, "fresh", result.Token)
}

func TestRotateInvite_ExhaustedRetries(t *testing.T) {
	store := storetest.New(t)
	f := storetest.NewFixture(t, store)
	ctx := context.Background()

	s := f.Studio(f.Profile(false), "mine")
	f.Studio(f.Profile(false), "taken")
	denied := f.Membership(s, f.Profile(false), studio.RoleMember, studio.StatusDenied, time.Now().UTC())

	calls := 0
	gen := func() (string, error) {
		calls++
		return "taken", nil
	}
	m, hook := newManager(t, store, WithTokenGenerator(gen))

	_, err := m.RotateInvite(ctx, s.ID, baseURL)
	require.Error(t, err)
	assert.True(t, studio.IsKind(err, studio.KindExhaustedRetries))
	assert.Equal(t, MaxAttempts, calls)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)

	// Every attempt rolled back
	got, err := store.GetStudio(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.InviteToken)
	_, err = store.GetMembership(ctx, denied.ID)
	assert.NoError(t, err)
}

func TestRotateInvite_Errors(t *testing.T) {
	store := storetest.New(t)
	f := storetest.NewFixture(t, store)
	ctx := context.Background()
	s := f.Studio(f.Profile(false), "mine")

	m, _ := newManager(t, store)

	t.Run("missing studio", func(t *testing.T) {
		_, err := m.RotateInvite(ctx, uuid.New(), baseURL)
		assert.True(t, studio.IsKind(err, studio.KindNotFound))
	})

	t.Run("bad base URL leaves token alone", func(t *testing.T) {
		_, err := m.RotateInvite(ctx, s.ID, "not a url")
		assert.True(t, studio.IsKind(err, studio.KindInvalidBaseURL))

		got, err := store.GetStudio(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "mine", got.InviteToken)
	})
}
