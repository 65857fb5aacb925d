package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/kiln/pkg/storage"
)

const uniqueViolation = "23505"

// Constraint names declared by the migrations
const (
	ConstraintInviteToken    = "studios_invite_token_key"
	ConstraintUserMembership = "studio_memberships_user_id_key"
	ConstraintOneAdmin       = "studio_memberships_one_admin_idx"
	ConstraintExternalID     = "profiles_external_id_key"
)

var constraintErrors = map[string]error{
	ConstraintInviteToken:    storage.ErrDuplicateInviteToken,
	ConstraintUserMembership: storage.ErrDuplicateMembership,
	ConstraintOneAdmin:       storage.ErrDuplicateAdmin,
	ConstraintExternalID:     storage.ErrDuplicateProfile,
}

// ConstraintError maps a constraint name onto its storage sentinel
func ConstraintError(constraint string) error {
	if sentinel, ok := constraintErrors[constraint]; ok {
		return sentinel
	}
	return storage.ErrUniqueViolation
}

// ClassifyError translates lib/pq unique violations into storage sentinels.
// Other errors are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
		return err
	}
	return fmt.Errorf("%w: %s", ConstraintError(pqErr.Constraint), pqErr.Message)
}
