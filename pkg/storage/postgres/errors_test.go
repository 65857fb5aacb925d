package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/kiln/pkg/storage"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invite token", &pq.Error{Code: "23505", Constraint: ConstraintInviteToken}, storage.ErrDuplicateInviteToken},
		{"user membership", &pq.Error{Code: "23505", Constraint: ConstraintUserMembership}, storage.ErrDuplicateMembership},
		{"one admin", &pq.Error{Code: "23505", Constraint: ConstraintOneAdmin}, storage.ErrDuplicateAdmin},
		{"external id", &pq.Error{Code: "23505", Constraint: ConstraintExternalID}, storage.ErrDuplicateProfile},
		{"unknown constraint", &pq.Error{Code: "23505", Constraint: "something_else"}, storage.ErrUniqueViolation},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: ConstraintInviteToken}), storage.ErrDuplicateInviteToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ClassifyError(tt.err), tt.want)
		})
	}

	t.Run("other pq errors pass through", func(t *testing.T) {
		err := &pq.Error{Code: "23503", Constraint: "studios_owner_id_fkey"}
		assert.Same(t, err, ClassifyError(err))
		assert.False(t, storage.IsUniqueViolation(ClassifyError(err)))
	})

	t.Run("plain errors pass through", func(t *testing.T) {
		err := errors.New("boom")
		assert.Equal(t, err, ClassifyError(err))
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, ClassifyError(nil))
	})
}
