package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/kiln/pkg/studio"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrUniqueViolation is returned for unique violations on an unrecognized constraint
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrDuplicateInviteToken is returned when an invite token is already taken by another studio
	ErrDuplicateInviteToken = errors.New("invite token already in use")

	// ErrDuplicateMembership is returned when the profile already holds a membership
	ErrDuplicateMembership = errors.New("profile already has a membership")

	// ErrDuplicateAdmin is returned when a studio would end up with two approved admins
	ErrDuplicateAdmin = errors.New("studio already has an approved admin")

	// ErrDuplicateProfile is returned when a profile already exists for an external identity
	ErrDuplicateProfile = errors.New("profile already exists for identity")
)

// IsUniqueViolation reports whether err is any of the unique constraint sentinels
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation) ||
		errors.Is(err, ErrDuplicateInviteToken) ||
		errors.Is(err, ErrDuplicateMembership) ||
		errors.Is(err, ErrDuplicateAdmin) ||
		errors.Is(err, ErrDuplicateProfile)
}

// ProfileStore persists profiles
type ProfileStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*studio.Profile, error)
	GetProfileByExternalID(ctx context.Context, externalID string) (*studio.Profile, error)
	CreateProfile(ctx context.Context, p *studio.Profile) error
}

// StudioStore persists studios and their embedded invite token
type StudioStore interface {
	CreateStudio(ctx context.Context, s *studio.Studio) error
	GetStudio(ctx context.Context, id uuid.UUID) (*studio.Studio, error)
	GetStudioByInviteToken(ctx context.Context, token string) (*studio.Studio, error)
	ListStudios(ctx context.Context) ([]*studio.Studio, error)
	UpdateInviteToken(ctx context.Context, studioID uuid.UUID, token string, createdAt time.Time) error
	UpdateJoinPassword(ctx context.Context, studioID uuid.UUID, pw studio.JoinPassword) error
}

// MembershipStore persists studio memberships
type MembershipStore interface {
	CreateMembership(ctx context.Context, m *studio.Membership) error
	GetMembership(ctx context.Context, id uuid.UUID) (*studio.Membership, error)
	GetMembershipByUser(ctx context.Context, userID uuid.UUID) (*studio.Membership, error)
	ListMembers(ctx context.Context, studioID uuid.UUID) ([]*studio.MemberView, error)
	// UpdateMembershipStatus only applies while the row still holds from;
	// otherwise it returns ErrNotFound.
	UpdateMembershipStatus(ctx context.Context, id uuid.UUID, from, to studio.Status, updatedAt time.Time) error
	UpdateMembershipRole(ctx context.Context, id uuid.UUID, role studio.Role, updatedAt time.Time) error
	// DemoteStudioAdmins turns every approved admin of the studio except
	// keepID into a member and returns how many rows changed.
	DemoteStudioAdmins(ctx context.Context, studioID, keepID uuid.UUID, updatedAt time.Time) (int64, error)
	DeleteMembership(ctx context.Context, id uuid.UUID) error
	DeleteMembershipsByStatus(ctx context.Context, studioID uuid.UUID, statuses []studio.Status) (int64, error)
	CountMembershipsSince(ctx context.Context, studioID uuid.UUID, statuses []studio.Status, since time.Time) (int, error)
	// NthOldestMembershipSince returns the created_at of the row at the
	// zero-based offset n among those CountMembershipsSince counts, oldest
	// first. ErrNotFound when there are not enough rows.
	NthOldestMembershipSince(ctx context.Context, studioID uuid.UUID, statuses []studio.Status, since time.Time, n int) (time.Time, error)
}

// Queries is everything that can run either directly or inside a transaction
type Queries interface {
	ProfileStore
	StudioStore
	MembershipStore
}

// Store is the persistent store handle injected into every studio component
type Store interface {
	Queries

	// WithTx runs fn inside one transaction. The transaction commits only if
	// fn returns nil.
	WithTx(ctx context.Context, fn func(q Queries) error) error

	// Ping reports whether the store is reachable
	Ping(ctx context.Context) error
}

// Config for storage backends
type Config struct {
	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs string        `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"postgres_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"postgres_max_idle_time"`
	AutoMigrate         bool          `yaml:"auto_migrate"`

	// S3 config
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
	S3PublicURL    string `yaml:"s3_public_url"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		AutoMigrate:         true,
		S3Region:            "us-east-1",
		S3Bucket:            "kiln-studio-photos",
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}
