package api

import (
	"net/http"

	"github.com/platinummonkey/kiln/pkg/httputil"
	"github.com/platinummonkey/kiln/pkg/studio"
)

func (s *Server) listStudios(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.siteAdmin(w, r); !ok {
		return
	}

	studios, err := s.deps.Engine.ListStudios(r.Context())
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteSuccess(w, studios)
}

func (s *Server) adminListMembers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.siteAdmin(w, r); !ok {
		return
	}
	studioID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	members, err := s.deps.Engine.ListMembers(r.Context(), studioID)
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

func (s *Server) adminDecideMembership(w http.ResponseWriter, r *http.Request) {
	p, ok := s.siteAdmin(w, r)
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

	m, err := s.deps.Engine.DecideMembership(r.Context(), p.ID, id, decision)
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// changeRole sets an approved membership's role; promoting to admin demotes
// the studio's current admin.
func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) {
	p, ok := s.siteAdmin(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := studio.ParseRole(req.Role)
	if err != nil {
		httputil.WriteStudioError(w, studio.NewError(studio.KindInvalidArgument, err.Error()))
		return
	}

	m, err := s.deps.Engine.ChangeRole(r.Context(), p.ID, id, role)
	if err != nil {
		httputil.WriteStudioError(w, err)
		return
	}
	httputil.WriteSuccess(w, m)
}
