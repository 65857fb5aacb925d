// Package api serves the studio membership HTTP surface.
//
// Self-service routes need only a signed-in identity; a profile is created
// on first use. Studio routes go through the authorization gate and act on
// the caller's own studio, so no studio id appears in their paths. Admin
// routes require the site-admin flag.
//
//	POST   /api/v1/studios
//	POST   /api/v1/join
//	GET    /api/v1/me/membership
//	DELETE /api/v1/me/membership
//	GET    /api/v1/studio/invite
//	POST   /api/v1/studio/invite/rotate
//	GET    /api/v1/studio/join-limit
//	GET    /api/v1/studio/members?status=pending
//	POST   /api/v1/studio/members/{id}/decision
//	POST   /api/v1/studio/join-password
//	POST   /api/v1/studio/photos
//	GET    /api/v1/admin/studios
//	GET    /api/v1/admin/studios/{id}/members?status=pending
//	POST   /api/v1/admin/memberships/{id}/decision
//	PUT    /api/v1/admin/memberships/{id}/role
//
// Errors are JSON bodies written by httputil.WriteStudioError.
package api
