package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/kiln/pkg/authz"
	"github.com/platinummonkey/kiln/pkg/httputil"
	"github.com/platinummonkey/kiln/pkg/studio"
)

var photoExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

func (s *Server) getInvite(w http.ResponseWriter, r *http.Request) {
	res, ok := s.studioMember(w, r, &adminRole)
	if !ok {
		return
	}

	details, err := s.deps.Invites.GetInviteDetails(r.Context(), res.Studio.ID, s.baseURL(r))
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteSuccess(w, details)
}

func (s *Server) rotateInvite(w http.ResponseWriter, r *http.Request) {
	res, ok := s.studioMember(w, r, &adminRole)
	if !ok {
		return
	}

	rotated, err := s.deps.Invites.RotateInvite(r.Context(), res.Studio.ID, s.baseURL(r))
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteSuccess(w, rotated)
}

func (s *Server) getJoinLimit(w http.ResponseWriter, r *http.Request) {
	res, ok := s.studioMember(w, r, &adminRole)
	if !ok {
		return
	}

	status, err := s.deps.Limiter.Status(r.Context(), res.Studio.ID)
	if err != nil {
		s.logger.WithError(err).WithField("studio_id", res.Studio.ID).Error("failed to compute join limit")
		httputil.WriteStudioError(w, studio.Internal(err))
		return
	}
	httputil.WriteSuccess(w, status)
}

func (s *Server) listStudioMembers(w http.ResponseWriter, r *http.Request) {
	res, ok := s.studioMember(w, r, &adminRole)
	if !ok {
		return
	}

	members, err := s.deps.Engine.ListMembers(r.Context(), res.Studio.ID)
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	members, ok = membersWithStatus(w, r, members)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, members)
}

func (s *Server) decideStudioMembership(w http.ResponseWriter, r *http.Request) {
	res, ok := s.studioMember(w, r, &adminRole)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	decision, ok := parseDecision(w, r)
	if !ok {
		return
	}

	m, err := s.deps.Engine.DecideMembership(r.Context(), res.Profile.ID, id, decision)
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// resetJoinPassword issues a new legacy join password for the caller's studio
func (s *Server) resetJoinPassword(w http.ResponseWriter, r *http.Request) {
	res, ok := s.studioMember(w, r, &adminRole)
	if !ok {
		return
	}

	password, err := s.deps.Engine.ResetJoinPassword(r.Context(), res.Studio.ID) //nolint:staticcheck
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteSuccess(w, JoinPasswordResponse{Password: password})
}

// uploadPhoto stores the request body as a studio photo
func (s *Server) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	res, ok := s.studioMember(w, r, nil)
	if !ok {
		return
	}

	contentType, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	ext, ok := photoExtensions[contentType]
	if !ok {
		httputil.WriteStudioError(w, studio.Errorf(studio.KindInvalidArgument, "unsupported photo type %q", contentType))
		return
	}

	key := "studios/" + res.Studio.ID.String() + "/photos/" + uuid.New().String() + ext
	if err := s.deps.Blobs.Put(r.Context(), key, r.Body, contentType); err != nil {
		s.logger.WithError(err).WithField("studio_id", res.Studio.ID).Error("failed to store photo")
		httputil.WriteStudioError(w, studio.Internal(err))
		return
	}

	httputil.WriteCreated(w, PhotoResponse{Key: key, URL: s.deps.Blobs.PublicURL(key)})
}

// studioPage is the browser entry point behind RequireStudioMembership
func (s *Server) studioPage(w http.ResponseWriter, r *http.Request) {
	res := authz.FromContext(r.Context())
	httputil.WriteSuccess(w, StudioPage{
		Studio:     res.Studio,
		Membership: res.Membership,
		IsAdmin:    studio.HasAdminRights(res.Studio, res.Profile.ID, res.Membership),
	})
}
