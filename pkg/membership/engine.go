// Package membership implements the studio membership lifecycle: join
// requests, admin decisions, role changes and the studio surface around them.
//
// Memberships move Pending → Approved or Denied, and Approved → Removed.
// Nothing leaves Denied or Removed; those rows are deleted when the studio's
// invite is rotated.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/kiln/pkg/credentials"
	"github.com/platinummonkey/kiln/pkg/invites"
	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/ratelimit"
	"github.com/platinummonkey/kiln/pkg/retry"
	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/studio"
)

const (
	// MaxStudioNameLength bounds studio names in characters
	MaxStudioNameLength = 120
	// JoinPasswordLength is the length of an issued legacy join password
	JoinPasswordLength = 12
)

// Engine applies membership operations against the store
type Engine struct {
	store   storage.Store
	limiter *ratelimit.JoinLimiter
	invites *invites.Manager
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics records operation outcomes
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a membership engine
func NewEngine(store storage.Store, limiter *ratelimit.JoinLimiter, inv *invites.Manager, logger logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		limiter: limiter,
		invites: inv,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Details is a profile's current membership and its studio
type Details struct {
	Membership *studio.Membership `json:"membership"`
	Studio     *studio.Studio     `json:"studio"`
}

// internal logs an unexpected failure and hides it behind KindInternal
func internal(log logrus.FieldLogger, msg string, err error) error {
	log.WithError(err).Error(msg)
	return studio.Internal(fmt.Errorf("%s: %w", msg, err))
}

// SubmitJoinRequest creates a pending membership for profileID in the studio
// that owns inviteToken.
func (e *Engine) SubmitJoinRequest(ctx context.Context, inviteToken string, profileID uuid.UUID) (m *studio.Membership, err error) {
	defer func() { e.metrics.RecordJoinRequest(err) }()

	log := e.logger.WithFields(logrus.Fields{
		"profile_id": profileID,
		"action":     "join",
	})

	if inviteToken == "" {
		return nil, studio.NewError(studio.KindInvalidInvite, studio.MsgInvalidInvite)
	}
	s, err := e.store.GetStudioByInviteToken(ctx, inviteToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, studio.NewError(studio.KindInvalidInvite, studio.MsgInvalidInvite)
	}
	if err != nil {
		return nil, internal(log, "failed to resolve invite", err)
	}
	log = log.WithField("studio_id", s.ID)

	limit, err := e.limiter.Status(ctx, s.ID)
	if err != nil {
		return nil, internal(log, "failed to check join limit", err)
	}
	if limit.LimitReached {
		log.WithField("recent_count", limit.RecentCount).Info("join request rate limited")
		return nil, studio.RateLimitedError(limit)
	}

	existing, err := e.store.GetMembershipByUser(ctx, profileID)
	switch {
	case err == nil:
		return nil, studio.ExistingMembershipConflict(existing, s.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, internal(log, "failed to look up existing membership", err)
	}

	now := e.now()
	m = &studio.Membership{
		StudioID:  s.ID,
		UserID:    profileID,
		Role:      studio.RoleMember,
		Status:    studio.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateMembership(ctx, m); err != nil {
		// A concurrent request for the same profile won the insert
		if errors.Is(err, storage.ErrDuplicateMembership) {
			return nil, studio.ConflictError(studio.StatusPending, studio.MsgAlreadyPending)
		}
		return nil, internal(log, "failed to create membership", err)
	}

	log.WithField("membership_id", m.ID).Info("join request submitted")
	return m, nil
}

// authorizeStudioAdmin returns nil when caller may manage memberships of s.
// Callers outside s get NotFound so membership ids do not leak across studios.
func (e *Engine) authorizeStudioAdmin(ctx context.Context, caller *studio.Profile, s *studio.Studio) error {
	if caller.IsSiteAdmin {
		return nil
	}

	callerMembership, err := e.store.GetMembershipByUser(ctx, caller.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load caller membership: %w", err)
	}
	if studio.HasAdminRights(s, caller.ID, callerMembership) {
		return nil
	}
	if callerMembership != nil && callerMembership.StudioID == s.ID && callerMembership.Status == studio.StatusApproved {
		return studio.NewError(studio.KindForbidden, studio.MsgAdminRequired)
	}
	return studio.NewError(studio.KindNotFound, "membership not found")
}

func (e *Engine) loadCaller(ctx context.Context, log logrus.FieldLogger, callerID uuid.UUID) (*studio.Profile, error) {
	caller, err := e.store.GetProfile(ctx, callerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, studio.NewError(studio.KindProfileNotFound, "profile not found")
	}
	if err != nil {
		return nil, internal(log, "failed to load caller profile", err)
	}
	return caller, nil
}

// DecideMembership applies an admin decision to a membership. The caller
// must be a site admin or hold admin rights in the membership's studio.
func (e *Engine) DecideMembership(ctx context.Context, callerID, membershipID uuid.UUID, decision studio.Decision) (m *studio.Membership, err error) {
	defer func() { e.metrics.RecordDecision(string(decision), err) }()

	log := e.logger.WithFields(logrus.Fields{
		"profile_id":    callerID,
		"membership_id": membershipID,
		"action":        string(decision),
	})

	if decision.TargetStatus() == "" {
		return nil, studio.Errorf(studio.KindInvalidArgument, "unknown decision %q", string(decision))
	}

	caller, err := e.loadCaller(ctx, log, callerID)
	if err != nil {
		return nil, err
	}

	target, err := e.store.GetMembership(ctx, membershipID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, studio.NewError(studio.KindNotFound, "membership not found")
	}
	if err != nil {
		return nil, internal(log, "failed to load membership", err)
	}

	s, err := e.store.GetStudio(ctx, target.StudioID)
	if err != nil {
		return nil, internal(log, "failed to load studio", err)
	}
	log = log.WithField("studio_id", s.ID)

	if err := e.authorizeStudioAdmin(ctx, caller, s); err != nil {
		if studio.KindOf(err) == studio.KindInternal {
			return nil, internal(log, "failed to authorize decision", err)
		}
		return nil, err
	}

	if studio.IsOwner(s, target.UserID) && decision != studio.DecisionApprove {
		return nil, studio.NewError(studio.KindForbidden, "the studio owner's membership cannot be denied or removed")
	}

	next, noop, err := studio.NextStatus(target.Status, decision)
	if err != nil {
		return nil, err
	}
	if noop {
		return target, nil
	}

	now := e.now()
	if err := e.store.UpdateMembershipStatus(ctx, target.ID, target.Status, next, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return e.decisionRaced(ctx, log, target.ID, decision)
		case errors.Is(err, storage.ErrDuplicateAdmin):
			return nil, studio.ConflictError(target.Status, "studio already has an approved admin")
		default:
			return nil, internal(log, "failed to update membership status", err)
		}
	}

	target.Status = next
	target.UpdatedAt = now
	log.WithField("status", next).Info("membership decided")
	return target, nil
}

// decisionRaced handles a status update that found the row changed since it
// was read. The decision is judged again against the current status; it is
// never applied over a concurrent one.
func (e *Engine) decisionRaced(ctx context.Context, log logrus.FieldLogger, membershipID uuid.UUID, decision studio.Decision) (*studio.Membership, error) {
	current, err := e.store.GetMembership(ctx, membershipID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, studio.NewError(studio.KindNotFound, "membership not found")
	}
	if err != nil {
		return nil, internal(log, "failed to reload membership", err)
	}

	_, noop, err := studio.NextStatus(current.Status, decision)
	if err != nil {
		return nil, err
	}
	if noop {
		return current, nil
	}
	log.WithField("status", current.Status).Warn("membership changed during decision")
	return nil, studio.Errorf(studio.KindInvalidState, "membership is now %s; review it again", current.Status)
}

// ChangeRole sets an approved membership's role. Only site admins may call
// it. Promoting demotes the studio's other approved admins in the same
// transaction.
func (e *Engine) ChangeRole(ctx context.Context, callerID, membershipID uuid.UUID, role studio.Role) (m *studio.Membership, err error) {
	defer func() { e.metrics.RecordRoleChange(err) }()

	log := e.logger.WithFields(logrus.Fields{
		"profile_id":    callerID,
		"membership_id": membershipID,
		"action":        "change_role",
		"role":          string(role),
	})

	if !role.Valid() {
		return nil, studio.Errorf(studio.KindInvalidArgument, "unknown role %q", string(role))
	}

	caller, err := e.loadCaller(ctx, log, callerID)
	if err != nil {
		return nil, err
	}
	if !caller.IsSiteAdmin {
		return nil, studio.NewError(studio.KindForbidden, studio.MsgSiteAdminRequired)
	}

	var demoted int64
	var noop bool
	now := e.now()
	err = e.store.WithTx(ctx, func(q storage.Queries) error {
		target, err := q.GetMembership(ctx, membershipID)
		if err != nil {
			return err
		}
		m = target
		if target.Status != studio.StatusApproved {
			return studio.NewError(studio.KindInvalidState, studio.MsgRoleRequiresApprove)
		}
		if target.Role == role {
			noop = true
			return nil
		}

		switch role {
		case studio.RoleAdmin:
			demoted, err = q.DemoteStudioAdmins(ctx, target.StudioID, target.ID, now)
			if err != nil {
				return err
			}
		case studio.RoleMember:
		}
		return q.UpdateMembershipRole(ctx, target.ID, role, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil, studio.NewError(studio.KindNotFound, "membership not found")
	case errors.Is(err, storage.ErrDuplicateAdmin):
		return nil, studio.ConflictError(studio.StatusApproved, "another admin was promoted at the same time; try again")
	case studio.KindOf(err) != studio.KindInternal:
		return nil, err
	default:
		return nil, internal(log, "failed to change role", err)
	}

	if noop {
		return m, nil
	}

	m.Role = role
	m.UpdatedAt = now
	log.WithFields(logrus.Fields{
		"studio_id": m.StudioID,
		"demoted":   demoted,
	}).Info("membership role changed")
	return m, nil
}

// CreateStudio creates a studio owned by creatorID together with the
// creator's approved admin membership.
func (e *Engine) CreateStudio(ctx context.Context, creatorID uuid.UUID, name string) (*studio.Studio, error) {
	log := e.logger.WithFields(logrus.Fields{
		"profile_id": creatorID,
		"action":     "create_studio",
	})

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, studio.NewError(studio.KindInvalidArgument, "studio name is required")
	}
	if len([]rune(name)) > MaxStudioNameLength {
		return nil, studio.Errorf(studio.KindInvalidArgument, "studio name must be at most %d characters", MaxStudioNameLength)
	}

	if _, err := e.loadCaller(ctx, log, creatorID); err != nil {
		return nil, err
	}

	existing, err := e.store.GetMembershipByUser(ctx, creatorID)
	switch {
	case err == nil:
		return nil, studio.ConflictError(existing.Status, studio.MsgLeaveCurrentStudio)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, internal(log, "failed to look up existing membership", err)
	}

	now := e.now()
	var created *studio.Studio
	_, err = retry.Unique(ctx, invites.MaxAttempts, isTokenCollision, e.invites.NewToken, func(ctx context.Context, token string) error {
		s := &studio.Studio{
			ID:                   uuid.New(),
			Name:                 name,
			OwnerID:              creatorID,
			InviteToken:          token,
			InviteTokenCreatedAt: now,
			CreatedAt:            now,
		}
		err := e.store.WithTx(ctx, func(q storage.Queries) error {
			if err := q.CreateStudio(ctx, s); err != nil {
				return err
			}
			return q.CreateMembership(ctx, &studio.Membership{
				StudioID:  s.ID,
				UserID:    creatorID,
				Role:      studio.RoleAdmin,
				Status:    studio.StatusApproved,
				CreatedAt: now,
				UpdatedAt: now,
			})
		})
		if err == nil {
			created = s
		}
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicateMembership):
		return nil, studio.ConflictError(studio.StatusApproved, studio.MsgLeaveCurrentStudio)
	case errors.Is(err, retry.ErrExhausted):
		log.WithError(err).Error("invite token retries exhausted")
		return nil, &studio.Error{Kind: studio.KindExhaustedRetries, Message: "could not allocate a unique invite token", Err: err}
	default:
		return nil, internal(log, "failed to create studio", err)
	}

	log.WithField("studio_id", created.ID).Info("studio created")
	return created, nil
}

// GetMembershipForProfile returns the profile's membership and its studio
func (e *Engine) GetMembershipForProfile(ctx context.Context, profileID uuid.UUID) (*Details, error) {
	log := e.logger.WithField("profile_id", profileID)

	m, err := e.store.GetMembershipByUser(ctx, profileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, studio.NewError(studio.KindNotFound, "no studio membership")
	}
	if err != nil {
		return nil, internal(log, "failed to load membership", err)
	}

	s, err := e.store.GetStudio(ctx, m.StudioID)
	if err != nil {
		return nil, internal(log, "failed to load studio", err)
	}
	return &Details{Membership: m, Studio: s}, nil
}

// LeaveStudio deletes the profile's own membership. The owner cannot leave.
func (e *Engine) LeaveStudio(ctx context.Context, profileID uuid.UUID) error {
	log := e.logger.WithFields(logrus.Fields{
		"profile_id": profileID,
		"action":     "leave",
	})

	m, err := e.store.GetMembershipByUser(ctx, profileID)
	if errors.Is(err, storage.ErrNotFound) {
		return studio.NewError(studio.KindNotFound, "no studio membership")
	}
	if err != nil {
		return internal(log, "failed to load membership", err)
	}

	s, err := e.store.GetStudio(ctx, m.StudioID)
	if err != nil {
		return internal(log, "failed to load studio", err)
	}
	if studio.IsOwner(s, profileID) {
		return studio.NewError(studio.KindForbidden, "the studio owner cannot leave the studio")
	}

	if err := e.store.DeleteMembership(ctx, m.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return internal(log, "failed to delete membership", err)
	}

	log.WithFields(logrus.Fields{
		"studio_id":     s.ID,
		"membership_id": m.ID,
	}).Info("left studio")
	return nil
}

// ListMembers returns the studio's memberships with profile details
func (e *Engine) ListMembers(ctx context.Context, studioID uuid.UUID) ([]*studio.MemberView, error) {
	log := e.logger.WithField("studio_id", studioID)

	if _, err := e.store.GetStudio(ctx, studioID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, studio.NewError(studio.KindNotFound, "studio not found")
		}
		return nil, internal(log, "failed to load studio", err)
	}

	members, err := e.store.ListMembers(ctx, studioID)
	if err != nil {
		return nil, internal(log, "failed to list members", err)
	}
	return members, nil
}

// ListStudios returns every studio
func (e *Engine) ListStudios(ctx context.Context) ([]*studio.Studio, error) {
	studios, err := e.store.ListStudios(ctx)
	if err != nil {
		return nil, internal(e.logger, "failed to list studios", err)
	}
	return studios, nil
}

// ResetJoinPassword issues a new legacy join password for the studio and
// returns the plaintext. Only the hash is stored.
//
// Deprecated: invite links replace join passwords.
func (e *Engine) ResetJoinPassword(ctx context.Context, studioID uuid.UUID) (string, error) {
	log := e.logger.WithFields(logrus.Fields{
		"studio_id": studioID,
		"action":    "reset_join_password",
	})

	password, err := credentials.Generate(JoinPasswordLength)
	if err != nil {
		return "", internal(log, "failed to generate join password", err)
	}
	pw, err := credentials.Hash(password)
	if err != nil {
		return "", internal(log, "failed to hash join password", err)
	}

	if err := e.store.UpdateJoinPassword(ctx, studioID, pw); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", studio.NewError(studio.KindNotFound, "studio not found")
		}
		return "", internal(log, "failed to store join password", err)
	}

	log.Info("join password reset")
	return password, nil
}

func isTokenCollision(err error) bool {
	return errors.Is(err, storage.ErrDuplicateInviteToken)
}
