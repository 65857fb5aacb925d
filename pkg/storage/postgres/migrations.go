package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all studio schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS profiles (
					id UUID PRIMARY KEY,
					external_id VARCHAR(255) NOT NULL,
					display_name VARCHAR(255),
					email VARCHAR(320),
					is_site_admin BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT profiles_external_id_key UNIQUE (external_id)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create studios table",
			SQL: `
				CREATE TABLE IF NOT EXISTS studios (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					owner_id UUID NOT NULL REFERENCES profiles(id),
					invite_token VARCHAR(255) NOT NULL,
					invite_token_created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					join_password_hash VARCHAR(255),
					join_password_salt VARCHAR(255),
					join_password_updated_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT studios_invite_token_key UNIQUE (invite_token)
				);

				CREATE INDEX IF NOT EXISTS idx_studios_owner_id ON studios(owner_id);
			`,
		},
		{
			Version:     3,
			Description: "Create studio_memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS studio_memberships (
					id UUID PRIMARY KEY,
					studio_id UUID NOT NULL REFERENCES studios(id) ON DELETE CASCADE,
					user_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
					role VARCHAR(16) NOT NULL CHECK (role IN ('admin', 'member')),
					status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'approved', 'denied', 'removed')),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT studio_memberships_user_id_key UNIQUE (user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_studio_memberships_studio_created
					ON studio_memberships(studio_id, created_at);
			`,
		},
		{
			Version:     4,
			Description: "Allow one approved admin per studio",
			SQL: `
				CREATE UNIQUE INDEX IF NOT EXISTS studio_memberships_one_admin_idx
					ON studio_memberships(studio_id)
					WHERE role = 'admin' AND status = 'approved';
			`,
		},
	}
}

// Migrate applies pending migrations, recording each version in schema_migrations
func Migrate(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate schema_migrations: %w", err)
	}

	for _, m := range GetMigrations() {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Applied migration")
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}
