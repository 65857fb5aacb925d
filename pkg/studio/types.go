package studio

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the role a member holds inside a studio
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ParseRole converts a string into a Role, rejecting unknown values
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// Scan implements sql.Scanner
func (r *Role) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return fmt.Errorf("failed to scan role: %w", err)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value implements driver.Valuer
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown role %q", string(r))
	}
	return string(r), nil
}

// Status is the lifecycle state of a membership
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusRemoved  Status = "removed"
)

// ParseStatus converts a string into a Status, rejecting unknown values
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown membership status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusRemoved:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Scan implements sql.Scanner
func (s *Status) Scan(src interface{}) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("failed to scan membership status: %w", err)
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown membership status %q", string(s))
	}
	return string(s), nil
}

// CountableStatuses are the statuses that count against the daily join limit.
// Removed memberships never count.
var CountableStatuses = []Status{StatusPending, StatusDenied, StatusApproved}

// StaleStatuses are purged whenever a studio rotates its invite token
var StaleStatuses = []Status{StatusDenied, StatusRemoved}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("unexpected NULL")
	default:
		return "", fmt.Errorf("unsupported type %T", src)
	}
}

// Profile is the application-level record for an authenticated identity
type Profile struct {
	ID          uuid.UUID `json:"id"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	IsSiteAdmin bool      `json:"is_site_admin"`
	CreatedAt   time.Time `json:"created_at"`
}

// Studio is one organization that members join
type Studio struct {
	ID                   uuid.UUID  `json:"id"`
	Name                 string     `json:"name"`
	OwnerID              uuid.UUID  `json:"owner_id"`
	InviteToken          string     `json:"-"`
	InviteTokenCreatedAt time.Time  `json:"invite_token_created_at"`
	JoinPasswordHash     string     `json:"-"`
	JoinPasswordSalt     string     `json:"-"`
	JoinPasswordUpdated  *time.Time `json:"join_password_updated_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Membership links a profile to a studio
type Membership struct {
	ID        uuid.UUID `json:"id"`
	StudioID  uuid.UUID `json:"studio_id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemberView is a membership joined with the member's profile, for listings
type MemberView struct {
	Membership
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// JoinLimitStatus is a snapshot of a studio's join-request budget
type JoinLimitStatus struct {
	RecentCount  int   `json:"recent_count"`
	DailyLimit   int   `json:"daily_limit"`
	WindowMs     int64 `json:"window_ms"`
	LimitReached bool  `json:"limit_reached"`
	// RetryAfterMs is how long until a slot frees up. Zero below the limit.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// InviteDetails describes a studio's current invite link
type InviteDetails struct {
	StudioID  uuid.UUID `json:"studio_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url"`
}

// JoinPassword is a freshly hashed legacy join password
type JoinPassword struct {
	Hash      string
	Salt      string
	UpdatedAt time.Time
}
