package api

import (
	"github.com/platinummonkey/kiln/pkg/studio"
)

// CreateStudioRequest is the body of POST /api/v1/studios
type CreateStudioRequest struct {
	Name string `json:"name"`
}

// CreateStudioResponse returns the studio with its first invite
type CreateStudioResponse struct {
	Studio *studio.Studio        `json:"studio"`
	Invite *studio.InviteDetails `json:"invite,omitempty"`
}

// JoinRequest is the body of POST /api/v1/join
type JoinRequest struct {
	InviteToken string `json:"invite_token"`
}

// DecisionRequest is the body of the decision endpoints
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// RoleRequest is the body of PUT /api/v1/admin/memberships/{id}/role
type RoleRequest struct {
	Role string `json:"role"`
}

// JoinPasswordResponse carries a freshly issued legacy join password
type JoinPasswordResponse struct {
	Password string `json:"password"`
}

// PhotoResponse describes a stored studio photo
type PhotoResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// StudioPage is what the studio entry point renders
type StudioPage struct {
	Studio     *studio.Studio     `json:"studio"`
	Membership *studio.Membership `json:"membership"`
	IsAdmin    bool               `json:"is_admin"`
}
