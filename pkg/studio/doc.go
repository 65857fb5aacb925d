// Package studio defines the studio membership domain: profiles, studios,
// memberships, their closed role and status enumerations, and the typed
// error returned by every studio operation.
//
// # Lifecycle
//
// A membership moves through a small state machine:
//
//	pending  -> approved | denied
//	approved -> removed
//
// Denied and removed memberships never transition again. They are deleted when
// the studio rotates its invite token so the profile may request again.
//
// # Admin rights
//
// HasAdminRights is the only place that decides whether a profile may act as
// a studio admin. The studio owner always qualifies.
//
// # Errors
//
// Operations return *Error with a Kind. Callers branch with KindOf or IsKind:
//
//	if studio.IsKind(err, studio.KindConflict) {
//		...
//	}
package studio
