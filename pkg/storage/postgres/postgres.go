package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/studio"
)

var tracer = otel.Tracer("github.com/platinummonkey/kiln/pkg/storage/postgres")

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// QueryRecorder receives the duration and outcome of every store call
type QueryRecorder interface {
	RecordDBQuery(ctx context.Context, operation string, duration time.Duration, err error)
}

// ErrorClassifier maps driver errors onto storage sentinels
type ErrorClassifier func(err error) error

// Option configures a Store
type Option func(*Store)

// WithErrorClassifier replaces the lib/pq error classifier
func WithErrorClassifier(c ErrorClassifier) Option {
	return func(s *Store) {
		s.classify = c
	}
}

// WithReader routes read-only listings to a replica
func WithReader(db *sql.DB) Option {
	return func(s *Store) {
		if db != nil {
			s.reader = db
		}
	}
}

// WithQueryRecorder records query metrics
func WithQueryRecorder(r QueryRecorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// Store implements storage.Store on database/sql
type Store struct {
	*queries
	conn *sql.DB
}

type queries struct {
	db       dbtx
	reader   dbtx
	classify ErrorClassifier
	recorder QueryRecorder
}

// NewStore creates a store over an open database handle
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		queries: &queries{
			db:       db,
			reader:   db,
			classify: ClassifyError,
		},
		conn: db,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("store is not configured")
	}
	return s.conn.PingContext(ctx)
}

// WithTx runs fn in a single transaction
func (s *Store) WithTx(ctx context.Context, fn func(q storage.Queries) error) error {
	ctx, span := tracer.Start(ctx, "Postgres.WithTx")
	defer span.End()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to begin transaction")
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txq := &queries{
		db:       tx,
		reader:   tx,
		classify: s.classify,
		recorder: s.recorder,
	}
	if err := fn(txq); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction aborted")
		return err
	}

	if err := tx.Commit(); err != nil {
		err = s.classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit transaction")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	span.SetStatus(codes.Ok, "committed")
	return nil
}

func (q *queries) start(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "Postgres."+op,
		trace.WithAttributes(attribute.String("db.operation", op)),
	)
	begin := time.Now()
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		if err != nil && err != storage.ErrNotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
		}
		if q.recorder != nil {
			q.recorder.RecordDBQuery(ctx, op, time.Since(begin), err)
		}
		span.End()
	}
}

// placeholders renders $from..$from+n-1 for an IN list
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func statusArgs(statuses []studio.Status) []interface{} {
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Profiles

const profileColumns = `id, external_id, display_name, email, is_site_admin, created_at`

func scanProfile(row rowScanner) (*studio.Profile, error) {
	p := &studio.Profile{}
	var name, email sql.NullString
	if err := row.Scan(&p.ID, &p.ExternalID, &name, &email, &p.IsSiteAdmin, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.DisplayName = name.String
	p.Email = email.String
	return p, nil
}

// GetProfile loads a profile by id
func (q *queries) GetProfile(ctx context.Context, id uuid.UUID) (p *studio.Profile, err error) {
	ctx, done := q.start(ctx, "GetProfile")
	defer done(&err)

	p, err = scanProfile(q.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// GetProfileByExternalID loads the profile bound to an identity provider subject
func (q *queries) GetProfileByExternalID(ctx context.Context, externalID string) (p *studio.Profile, err error) {
	ctx, done := q.start(ctx, "GetProfileByExternalID")
	defer done(&err)

	p, err = scanProfile(q.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE external_id = $1`, externalID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile by external id: %w", err)
	}
	return p, nil
}

// CreateProfile inserts a profile. ID and CreatedAt are filled in when zero.
func (q *queries) CreateProfile(ctx context.Context, p *studio.Profile) (err error) {
	ctx, done := q.start(ctx, "CreateProfile")
	defer done(&err)

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO profiles (id, external_id, display_name, email, is_site_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.ExternalID, p.DisplayName, p.Email, p.IsSiteAdmin, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", q.classify(err))
	}
	return nil
}

// Studios

const studioColumns = `id, name, owner_id, invite_token, invite_token_created_at,
		       join_password_hash, join_password_salt, join_password_updated_at, created_at`

func scanStudio(row rowScanner) (*studio.Studio, error) {
	s := &studio.Studio{}
	var hash, salt sql.NullString
	var pwUpdated sql.NullTime
	if err := row.Scan(&s.ID, &s.Name, &s.OwnerID, &s.InviteToken, &s.InviteTokenCreatedAt,
		&hash, &salt, &pwUpdated, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.JoinPasswordHash = hash.String
	s.JoinPasswordSalt = salt.String
	if pwUpdated.Valid {
		t := pwUpdated.Time
		s.JoinPasswordUpdated = &t
	}
	return s, nil
}

// CreateStudio inserts a studio with its initial invite token
func (q *queries) CreateStudio(ctx context.Context, s *studio.Studio) (err error) {
	ctx, done := q.start(ctx, "CreateStudio")
	defer done(&err)

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.InviteTokenCreatedAt.IsZero() {
		s.InviteTokenCreatedAt = s.CreatedAt
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO studios (id, name, owner_id, invite_token, invite_token_created_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Name, s.OwnerID, s.InviteToken, s.InviteTokenCreatedAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create studio: %w", q.classify(err))
	}
	return nil
}

// GetStudio loads a studio by id
func (q *queries) GetStudio(ctx context.Context, id uuid.UUID) (s *studio.Studio, err error) {
	ctx, done := q.start(ctx, "GetStudio")
	defer done(&err)

	s, err = scanStudio(q.db.QueryRowContext(ctx,
		`SELECT `+studioColumns+`
		FROM studios WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get studio: %w", err)
	}
	return s, nil
}

// GetStudioByInviteToken resolves an invite token with exact equality
func (q *queries) GetStudioByInviteToken(ctx context.Context, token string) (s *studio.Studio, err error) {
	ctx, done := q.start(ctx, "GetStudioByInviteToken")
	defer done(&err)

	s, err = scanStudio(q.db.QueryRowContext(ctx,
		`SELECT `+studioColumns+`
		FROM studios WHERE invite_token = $1`, token))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get studio by invite token: %w", err)
	}
	return s, nil
}

// ListStudios returns every studio ordered by creation time
func (q *queries) ListStudios(ctx context.Context) (studios []*studio.Studio, err error) {
	ctx, done := q.start(ctx, "ListStudios")
	defer done(&err)

	rows, err := q.reader.QueryContext(ctx,
		`SELECT `+studioColumns+`
		FROM studios ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list studios: %w", err)
	}
	defer rows.Close()

	studios = []*studio.Studio{}
	for rows.Next() {
		s, err := scanStudio(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan studio: %w", err)
		}
		studios = append(studios, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate studios: %w", err)
	}
	return studios, nil
}

// UpdateInviteToken replaces the studio's invite token
func (q *queries) UpdateInviteToken(ctx context.Context, studioID uuid.UUID, token string, createdAt time.Time) (err error) {
	ctx, done := q.start(ctx, "UpdateInviteToken")
	defer done(&err)

	result, err := q.db.ExecContext(ctx, `
		UPDATE studios SET invite_token = $1, invite_token_created_at = $2
		WHERE id = $3`,
		token, createdAt, studioID,
	)
	if err != nil {
		return fmt.Errorf("failed to update invite token: %w", q.classify(err))
	}
	return expectAffected(result)
}

// UpdateJoinPassword stores a new legacy join password hash
func (q *queries) UpdateJoinPassword(ctx context.Context, studioID uuid.UUID, pw studio.JoinPassword) (err error) {
	ctx, done := q.start(ctx, "UpdateJoinPassword")
	defer done(&err)

	result, err := q.db.ExecContext(ctx, `
		UPDATE studios SET join_password_hash = $1, join_password_salt = $2, join_password_updated_at = $3
		WHERE id = $4`,
		pw.Hash, pw.Salt, pw.UpdatedAt, studioID,
	)
	if err != nil {
		return fmt.Errorf("failed to update join password: %w", err)
	}
	return expectAffected(result)
}

// Memberships

const membershipColumns = `id, studio_id, user_id, role, status, created_at, updated_at`

func scanMembership(row rowScanner) (*studio.Membership, error) {
	m := &studio.Membership{}
	if err := row.Scan(&m.ID, &m.StudioID, &m.UserID, &m.Role, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMembership inserts a membership
func (q *queries) CreateMembership(ctx context.Context, m *studio.Membership) (err error) {
	ctx, done := q.start(ctx, "CreateMembership")
	defer done(&err)

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO studio_memberships (id, studio_id, user_id, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.StudioID, m.UserID, m.Role, m.Status, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", q.classify(err))
	}
	return nil
}

// GetMembership loads a membership by id
func (q *queries) GetMembership(ctx context.Context, id uuid.UUID) (m *studio.Membership, err error) {
	ctx, done := q.start(ctx, "GetMembership")
	defer done(&err)

	m, err = scanMembership(q.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM studio_memberships WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// GetMembershipByUser loads the single membership a profile may hold
func (q *queries) GetMembershipByUser(ctx context.Context, userID uuid.UUID) (m *studio.Membership, err error) {
	ctx, done := q.start(ctx, "GetMembershipByUser")
	defer done(&err)

	m, err = scanMembership(q.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM studio_memberships WHERE user_id = $1`, userID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership by user: %w", err)
	}
	return m, nil
}

// ListMembers lists a studio's memberships with profile details, oldest first
func (q *queries) ListMembers(ctx context.Context, studioID uuid.UUID) (members []*studio.MemberView, err error) {
	ctx, done := q.start(ctx, "ListMembers")
	defer done(&err)

	rows, err := q.reader.QueryContext(ctx, `
		SELECT m.id, m.studio_id, m.user_id, m.role, m.status, m.created_at, m.updated_at,
		       p.display_name, p.email
		FROM studio_memberships m
		JOIN profiles p ON p.id = m.user_id
		WHERE m.studio_id = $1
		ORDER BY m.created_at ASC`, studioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members = []*studio.MemberView{}
	for rows.Next() {
		v := &studio.MemberView{}
		var name, email sql.NullString
		if err := rows.Scan(&v.ID, &v.StudioID, &v.UserID, &v.Role, &v.Status, &v.CreatedAt, &v.UpdatedAt,
			&name, &email); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		v.DisplayName = name.String
		v.Email = email.String
		members = append(members, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

// UpdateMembershipStatus moves a membership from one status to another.
// ErrNotFound means the row is gone or no longer holds from.
func (q *queries) UpdateMembershipStatus(ctx context.Context, id uuid.UUID, from, to studio.Status, updatedAt time.Time) (err error) {
	ctx, done := q.start(ctx, "UpdateMembershipStatus")
	defer done(&err)

	result, err := q.db.ExecContext(ctx, `
		UPDATE studio_memberships SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		to, updatedAt, id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update membership status: %w", q.classify(err))
	}
	return expectAffected(result)
}

// UpdateMembershipRole sets a membership's role
func (q *queries) UpdateMembershipRole(ctx context.Context, id uuid.UUID, role studio.Role, updatedAt time.Time) (err error) {
	ctx, done := q.start(ctx, "UpdateMembershipRole")
	defer done(&err)

	result, err := q.db.ExecContext(ctx, `
		UPDATE studio_memberships SET role = $1, updated_at = $2
		WHERE id = $3`,
		role, updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update membership role: %w", q.classify(err))
	}
	return expectAffected(result)
}

// DemoteStudioAdmins demotes the studio's other approved admins to member
func (q *queries) DemoteStudioAdmins(ctx context.Context, studioID, keepID uuid.UUID, updatedAt time.Time) (n int64, err error) {
	ctx, done := q.start(ctx, "DemoteStudioAdmins")
	defer done(&err)

	result, err := q.db.ExecContext(ctx, `
		UPDATE studio_memberships SET role = $1, updated_at = $2
		WHERE studio_id = $3 AND id <> $4 AND role = $5 AND status = $6`,
		studio.RoleMember, updatedAt, studioID, keepID, studio.RoleAdmin, studio.StatusApproved,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to demote studio admins: %w", q.classify(err))
	}
	n, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteMembership removes a membership row
func (q *queries) DeleteMembership(ctx context.Context, id uuid.UUID) (err error) {
	ctx, done := q.start(ctx, "DeleteMembership")
	defer done(&err)

	result, err := q.db.ExecContext(ctx, `DELETE FROM studio_memberships WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return expectAffected(result)
}

// DeleteMembershipsByStatus deletes the studio's memberships in any of the statuses
func (q *queries) DeleteMembershipsByStatus(ctx context.Context, studioID uuid.UUID, statuses []studio.Status) (n int64, err error) {
	ctx, done := q.start(ctx, "DeleteMembershipsByStatus")
	defer done(&err)

	if len(statuses) == 0 {
		return 0, nil
	}

	args := append([]interface{}{studioID}, statusArgs(statuses)...)
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM studio_memberships WHERE studio_id = $1 AND status IN (`+placeholders(2, len(statuses))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memberships: %w", err)
	}
	n, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// CountMembershipsSince counts the studio's memberships in the given statuses created at or after since
func (q *queries) CountMembershipsSince(ctx context.Context, studioID uuid.UUID, statuses []studio.Status, since time.Time) (count int, err error) {
	ctx, done := q.start(ctx, "CountMembershipsSince")
	defer done(&err)

	if len(statuses) == 0 {
		return 0, nil
	}

	args := append([]interface{}{studioID, since}, statusArgs(statuses)...)
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM studio_memberships
		WHERE studio_id = $1 AND created_at >= $2 AND status IN (`+placeholders(3, len(statuses))+`)`,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count memberships: %w", err)
	}
	return count, nil
}

// NthOldestMembershipSince returns when the nth oldest matching membership was created
func (q *queries) NthOldestMembershipSince(ctx context.Context, studioID uuid.UUID, statuses []studio.Status, since time.Time, n int) (createdAt time.Time, err error) {
	ctx, done := q.start(ctx, "NthOldestMembershipSince")
	defer done(&err)

	if len(statuses) == 0 || n < 0 {
		return time.Time{}, storage.ErrNotFound
	}

	args := append([]interface{}{studioID, since, n}, statusArgs(statuses)...)
	err = q.db.QueryRowContext(ctx,
		`SELECT created_at FROM studio_memberships
		WHERE studio_id = $1 AND created_at >= $2 AND status IN (`+placeholders(4, len(statuses))+`)
		ORDER BY created_at ASC LIMIT 1 OFFSET $3`,
		args...,
	).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to find oldest membership: %w", err)
	}
	return createdAt.UTC(), nil
}

func expectAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
