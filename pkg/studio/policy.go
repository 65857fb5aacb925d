package studio

import (
	"fmt"

	"github.com/google/uuid"
)

// IsOwner reports whether the profile created the studio
func IsOwner(s *Studio, profileID uuid.UUID) bool {
	return s != nil && profileID != uuid.Nil && s.OwnerID == profileID
}

// HasAdminRights is the single predicate for admin-equivalent rights in a
// studio. The owner always qualifies, even after being demoted or without a
// membership row; everyone else needs an approved admin membership in s.
func HasAdminRights(s *Studio, profileID uuid.UUID, m *Membership) bool {
	if IsOwner(s, profileID) {
		return true
	}
	if s == nil || m == nil {
		return false
	}
	return m.StudioID == s.ID && m.UserID == profileID &&
		m.Status == StatusApproved && m.Role == RoleAdmin
}

// Decision is an admin action applied to a membership
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionRemove  Decision = "remove"
)

// ParseDecision converts a string into a Decision
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	switch d {
	case DecisionApprove, DecisionDeny, DecisionRemove:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// TargetStatus maps the decision to the status it produces
func (d Decision) TargetStatus() Status {
	switch d {
	case DecisionApprove:
		return StatusApproved
	case DecisionDeny:
		return StatusDenied
	case DecisionRemove:
		return StatusRemoved
	default:
		return ""
	}
}

// NextStatus validates applying d to a membership in status current.
// Re-applying a decision that already holds returns noop=true.
func NextStatus(current Status, d Decision) (next Status, noop bool, err error) {
	target := d.TargetStatus()
	if target == "" {
		return "", false, Errorf(KindInvalidArgument, "unknown decision %q", string(d))
	}
	if current == target {
		return target, true, nil
	}

	var allowed bool
	switch current {
	case StatusPending:
		allowed = target == StatusApproved || target == StatusDenied
	case StatusApproved:
		allowed = target == StatusRemoved
	case StatusDenied, StatusRemoved:
		allowed = false
	}
	if !allowed {
		return "", false, Errorf(KindInvalidState, "cannot %s a %s membership", d, current)
	}
	return target, false, nil
}

// ExistingMembershipConflict builds the conflict returned when a profile that
// already holds existing asks to join studioID.
func ExistingMembershipConflict(existing *Membership, studioID uuid.UUID) *Error {
	if existing.StudioID != studioID {
		return ConflictError(existing.Status, MsgLeaveCurrentStudio)
	}
	switch existing.Status {
	case StatusPending:
		return ConflictError(existing.Status, MsgAlreadyPending)
	case StatusApproved:
		return ConflictError(existing.Status, MsgAlreadyMember)
	case StatusDenied, StatusRemoved:
		return ConflictError(existing.Status, MsgAskForNewInvite)
	default:
		return ConflictError(existing.Status, MsgAlreadyPending)
	}
}
