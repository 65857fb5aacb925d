// Package invites issues, resolves and rotates studio invite tokens.
package invites

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/kiln/pkg/observability"
	"github.com/platinummonkey/kiln/pkg/retry"
	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/studio"
)

const (
	// DefaultTokenBytes is the random byte length of a token; hex doubles it
	DefaultTokenBytes = 48
	// DefaultPath is appended to the base URL when building invite links
	DefaultPath = "/invite"
	// QueryParam carries the token in invite links
	QueryParam = "inviteToken"
	// MaxAttempts bounds token collision retries
	MaxAttempts = 3
)

// GenerateToken returns byteLength random bytes, hex encoded
func GenerateToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", byteLength)
	}
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BuildInviteURL returns baseURL+path?inviteToken=token.
// An empty path means DefaultPath.
func BuildInviteURL(baseURL, token, path string) (string, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return "", studio.NewError(studio.KindInvalidBaseURL, "base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", studio.Errorf(studio.KindInvalidBaseURL, "invalid base URL %q", baseURL)
	}

	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return strings.TrimRight(base, "/") + path + "?" + QueryParam + "=" + url.QueryEscape(token), nil
}

// RotateResult is the outcome of a successful rotation
type RotateResult struct {
	studio.InviteDetails
	// Purged counts the denied and removed memberships deleted
	Purged int64 `json:"purged"`
}

// Manager reads and rotates invite tokens
type Manager struct {
	store    storage.Store
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
	now      func() time.Time
	generate func() (string, error)
	path     string
	attempts int
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics records rotations
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTokenGenerator overrides token generation
func WithTokenGenerator(generate func() (string, error)) Option {
	return func(m *Manager) {
		m.generate = generate
	}
}

// WithPath sets the invite link path
func WithPath(path string) Option {
	return func(m *Manager) {
		m.path = path
	}
}

// NewManager creates an invite manager over store
func NewManager(store storage.Store, logger logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		generate: func() (string, error) { return GenerateToken(DefaultTokenBytes) },
		path:     DefaultPath,
		attempts: MaxAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewToken returns a fresh token from the configured generator
func (m *Manager) NewToken() (string, error) {
	return m.generate()
}

// GetInviteDetails returns the studio's current token and link
func (m *Manager) GetInviteDetails(ctx context.Context, studioID uuid.UUID, baseURL string) (*studio.InviteDetails, error) {
	s, err := m.store.GetStudio(ctx, studioID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, studio.NewError(studio.KindNotFound, "studio not found")
	}
	if err != nil {
		m.logger.WithError(err).WithField("studio_id", studioID).Error("failed to load studio for invite")
		return nil, studio.Internal(fmt.Errorf("failed to get studio: %w", err))
	}

	link, err := BuildInviteURL(baseURL, s.InviteToken, m.path)
	if err != nil {
		return nil, err
	}

	return &studio.InviteDetails{
		StudioID:  s.ID,
		Token:     s.InviteToken,
		CreatedAt: s.InviteTokenCreatedAt,
		URL:       link,
	}, nil
}

// RotateInvite replaces the studio's token and deletes its denied and removed
// memberships in one transaction. A token collision retries with a new token.
func (m *Manager) RotateInvite(ctx context.Context, studioID uuid.UUID, baseURL string) (result *RotateResult, err error) {
	defer func() {
		var purged int64
		if result != nil {
			purged = result.Purged
		}
		m.metrics.RecordRotation(purged, err)
	}()

	// Reject a bad link before anything changes
	if _, err := BuildInviteURL(baseURL, "", m.path); err != nil {
		return nil, err
	}

	log := m.logger.WithFields(logrus.Fields{
		"studio_id": studioID,
		"action":    "rotate_invite",
	})

	now := m.now()
	var purged int64
	token, err := retry.Unique(ctx, m.attempts, isTokenCollision, m.generate, func(ctx context.Context, token string) error {
		return m.store.WithTx(ctx, func(q storage.Queries) error {
			if err := q.UpdateInviteToken(ctx, studioID, token, now); err != nil {
				return err
			}
			n, err := q.DeleteMembershipsByStatus(ctx, studioID, studio.StaleStatuses)
			if err != nil {
				return fmt.Errorf("failed to purge stale memberships: %w", err)
			}
			purged = n
			return nil
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil, studio.NewError(studio.KindNotFound, "studio not found")
	case errors.Is(err, retry.ErrExhausted):
		log.WithError(err).Error("invite token retries exhausted")
		return nil, &studio.Error{
			Kind:    studio.KindExhaustedRetries,
			Message: "could not allocate a unique invite token",
			Err:     err,
		}
	default:
		log.WithError(err).Error("failed to rotate invite")
		return nil, studio.Internal(err)
	}

	link, err := BuildInviteURL(baseURL, token, m.path)
	if err != nil {
		return nil, err
	}

	log.WithField("purged", purged).Info("invite rotated")

	return &RotateResult{
		InviteDetails: studio.InviteDetails{
			StudioID:  studioID,
			Token:     token,
			CreatedAt: now,
			URL:       link,
		},
		Purged: purged,
	}, nil
}

func isTokenCollision(err error) bool {
	return errors.Is(err, storage.ErrDuplicateInviteToken)
}
