// Package storetest provides an in-memory SQLite store for tests.
//
// The schema mirrors the PostgreSQL migrations, including the unique
// constraints and the partial one-admin index, so tests exercise the same
// invariants the production database enforces.
package storetest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/storage/postgres"
	"github.com/platinummonkey/kiln/pkg/studio"
)

const schema = `
CREATE TABLE profiles (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	display_name TEXT,
	email TEXT,
	is_site_admin BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE studios (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL REFERENCES profiles(id),
	invite_token TEXT NOT NULL UNIQUE,
	invite_token_created_at TIMESTAMP NOT NULL,
	join_password_hash TEXT,
	join_password_salt TEXT,
	join_password_updated_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE studio_memberships (
	id TEXT PRIMARY KEY,
	studio_id TEXT NOT NULL REFERENCES studios(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL UNIQUE REFERENCES profiles(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK (role IN ('admin', 'member')),
	status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'denied', 'removed')),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX studio_memberships_one_admin_idx
	ON studio_memberships(studio_id)
	WHERE role = 'admin' AND status = 'approved';
`

// SQLite reports the violated columns rather than the constraint name
var sqliteColumns = map[string]string{
	"studios.invite_token":         postgres.ConstraintInviteToken,
	"studio_memberships.user_id":   postgres.ConstraintUserMembership,
	"studio_memberships.studio_id": postgres.ConstraintOneAdmin,
	"profiles.external_id":         postgres.ConstraintExternalID,
}

// ClassifySQLiteError translates SQLite unique violations into storage sentinels
func ClassifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return err
	}
	msg := sqliteErr.Error()
	for column, constraint := range sqliteColumns {
		if strings.Contains(msg, column) {
			return fmt.Errorf("%w: %s", postgres.ConstraintError(constraint), msg)
		}
	}
	return fmt.Errorf("%w: %s", storage.ErrUniqueViolation, msg)
}

// Open creates a fresh in-memory database with the studio schema
func Open() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// New returns a store backed by a fresh in-memory database, closed when the test ends
func New(t testing.TB, opts ...postgres.Option) *postgres.Store {
	t.Helper()

	db, err := Open()
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	opts = append([]postgres.Option{postgres.WithErrorClassifier(ClassifySQLiteError)}, opts...)
	return postgres.NewStore(db, opts...)
}

// Fixture seeds rows directly through a store
type Fixture struct {
	t     testing.TB
	store storage.Queries
	n     int
}

// NewFixture wraps a store for seeding
func NewFixture(t testing.TB, store storage.Queries) *Fixture {
	return &Fixture{t: t, store: store}
}

// Profile inserts a profile with a generated external id
func (f *Fixture) Profile(siteAdmin bool) *studio.Profile {
	f.t.Helper()
	f.n++
	p := &studio.Profile{
		ExternalID:  fmt.Sprintf("subject-%d-%s", f.n, uuid.NewString()[:8]),
		DisplayName: fmt.Sprintf("Potter %d", f.n),
		Email:       fmt.Sprintf("potter%d@example.com", f.n),
		IsSiteAdmin: siteAdmin,
	}
	if err := f.store.CreateProfile(context.Background(), p); err != nil {
		f.t.Fatalf("failed to seed profile: %v", err)
	}
	return p
}

// Studio inserts a studio owned by owner with an approved admin membership for the owner
func (f *Fixture) Studio(owner *studio.Profile, token string) *studio.Studio {
	f.t.Helper()
	ctx := context.Background()
	s := &studio.Studio{
		Name:        "Studio " + token,
		OwnerID:     owner.ID,
		InviteToken: token,
	}
	if err := f.store.CreateStudio(ctx, s); err != nil {
		f.t.Fatalf("failed to seed studio: %v", err)
	}
	f.Membership(s, owner, studio.RoleAdmin, studio.StatusApproved, time.Now().UTC())
	return s
}

// Membership inserts a membership with an explicit creation time
func (f *Fixture) Membership(s *studio.Studio, p *studio.Profile, role studio.Role, status studio.Status, createdAt time.Time) *studio.Membership {
	f.t.Helper()
	m := &studio.Membership{
		StudioID:  s.ID,
		UserID:    p.ID,
		Role:      role,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := f.store.CreateMembership(context.Background(), m); err != nil {
		f.t.Fatalf("failed to seed membership: %v", err)
	}
	return m
}
