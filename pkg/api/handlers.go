package api

import (
	"net/http"

	"github.com/platinummonkey/kiln/pkg/authz"
	"github.com/platinummonkey/kiln/pkg/httputil"
	"github.com/platinummonkey/kiln/pkg/identity"
	"github.com/platinummonkey/kiln/pkg/studio"
)

var adminRole = studio.RoleAdmin

// profile resolves the caller's profile, creating it on first use
func (s *Server) profile(w http.ResponseWriter, r *http.Request) (*studio.Profile, bool) {
	p, err := s.deps.Gate.EnsureProfile(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		httputil.WriteStudioError(w, err)
		return nil, false
	}
	return p, true
}

// studioMember requires an approved membership, and admin rights when role is set
func (s *Server) studioMember(w http.ResponseWriter, r *http.Request, role *studio.Role) (*authz.Result, bool) {
	res, err := s.deps.Gate.AuthorizeStudioMember(r.Context(), authz.Request{
		IdentityID:   identity.FromContext(r.Context()).ID(),
		RequiredRole: role,
	})
	if err != nil {
		httputil.WriteStudioError(w, err)
		return nil, false
	}
	return res, true
}

func (s *Server) siteAdmin(w http.ResponseWriter, r *http.Request) (*studio.Profile, bool) {
	p, err := s.deps.Gate.AuthorizeSiteAdmin(r.Context(), identity.FromContext(r.Context()).ID())
	if err != nil {
		httputil.WriteStudioError(w, err)
		return nil, false
	}
	return p, true
}

func parseDecision(w http.ResponseWriter, r *http.Request) (studio.Decision, bool) {
	var req DecisionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return "", false
	}
	d, err := studio.ParseDecision(req.Decision)
	if err != nil {
		httputil.WriteStudioError(w, studio.NewError(studio.KindInvalidArgument, err.Error()))
		return "", false
	}
	return d, true
}

// membersWithStatus applies the optional ?status= filter to a member listing
func membersWithStatus(w http.ResponseWriter, r *http.Request, members []*studio.MemberView) ([]*studio.MemberView, bool) {
	raw := httputil.ParseQueryString(r, "status", "")
	if raw == "" {
		return members, true
	}
	status, err := studio.ParseStatus(raw)
	if err != nil {
		httputil.WriteStudioError(w, studio.NewError(studio.KindInvalidArgument, err.Error()))
		return nil, false
	}

	filtered := make([]*studio.MemberView, 0, len(members))
	for _, m := range members {
		if m.Status == status {
			filtered = append(filtered, m)
		}
	}
	return filtered, true
}

// createStudio creates a studio owned by the caller
func (s *Server) createStudio(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profile(w, r)
	if !ok {
		return
	}

	var req CreateStudioRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	created, err := s.deps.Engine.CreateStudio(r.Context(), p.ID, req.Name)
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}

	resp := CreateStudioResponse{Studio: created}
	if invite, err := s.deps.Invites.GetInviteDetails(r.Context(), created.ID, s.baseURL(r)); err == nil {
		resp.Invite = invite
	} else {
		s.logger.WithError(err).WithField("studio_id", created.ID).Warn("studio created without invite link")
	}
	httputil.WriteCreated(w, resp)
}

// submitJoinRequest files a pending membership through an invite token
func (s *Server) submitJoinRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profile(w, r)
	if !ok {
		return
	}

	var req JoinRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	m, err := s.deps.Engine.SubmitJoinRequest(r.Context(), req.InviteToken, p.ID)
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteCreated(w, m)
}

func (s *Server) getMyMembership(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profile(w, r)
	if !ok {
		return
	}

	details, err := s.deps.Engine.GetMembershipForProfile(r.Context(), p.ID)
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteSuccess(w, details)
}

func (s *Server) leaveStudio(w http.ResponseWriter, r *http.Request) {
	p, ok := s.profile(w, r)
	if !ok {
		return
	}

	if err := s.deps.Engine.LeaveStudio(r.Context(), p.ID); err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
