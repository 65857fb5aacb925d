// Package storage defines the persistence contract for studios, profiles and
// memberships.
//
// # Overview
//
// Components never talk to a database directly. They receive a Store, which
// exposes the query methods plus WithTx for the operations that must be
// atomic (studio creation, invite rotation, admin promotion):
//
//	err := store.WithTx(ctx, func(q storage.Queries) error {
//		if _, err := q.DemoteStudioAdmins(ctx, studioID, targetID, now); err != nil {
//			return err
//		}
//		return q.UpdateMembershipRole(ctx, targetID, studio.RoleAdmin, now)
//	})
//
// # Errors
//
// Implementations translate driver errors into the sentinels declared here:
// ErrNotFound for missing rows and one ErrDuplicate* value per unique
// constraint. Callers compare with errors.Is.
//
// # Implementations
//
//   - pkg/storage/postgres: PostgreSQL via lib/pq
//   - pkg/storage/storetest: in-memory SQLite for tests
package storage
