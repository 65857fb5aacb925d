// Package ratelimit caps how many join requests a studio receives per window.
//
// The count is recomputed from membership rows on every call; there is no
// persisted counter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/kiln/pkg/storage"
	"github.com/platinummonkey/kiln/pkg/studio"
)

const (
	// DefaultDailyLimit is the number of join requests a studio accepts per window
	DefaultDailyLimit = 10
	// DefaultWindow is the trailing window the limit applies to
	DefaultWindow = 24 * time.Hour
)

// Config for the join limiter
type Config struct {
	DailyLimit int
	Window     time.Duration
}

// DefaultConfig returns the default join limits
func DefaultConfig() Config {
	return Config{
		DailyLimit: DefaultDailyLimit,
		Window:     DefaultWindow,
	}
}

// JoinLimiter reports a studio's join request budget
type JoinLimiter struct {
	store storage.MembershipStore
	cfg   Config
	now   func() time.Time
}

// NewJoinLimiter creates a limiter. Zero config values fall back to defaults.
func NewJoinLimiter(store storage.MembershipStore, cfg Config) *JoinLimiter {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &JoinLimiter{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of the limiter using now as its time source
func (l *JoinLimiter) WithClock(now func() time.Time) *JoinLimiter {
	c := *l
	c.now = now
	return &c
}

// Status counts pending, denied and approved memberships of the studio
// created within the window. Removed rows do not count.
//
// Once the limit is reached, RetryAfterMs is the time until enough rows age
// out of the window to bring the count back under the limit.
func (l *JoinLimiter) Status(ctx context.Context, studioID uuid.UUID) (studio.JoinLimitStatus, error) {
	now := l.now()
	since := now.Add(-l.cfg.Window)

	count, err := l.store.CountMembershipsSince(ctx, studioID, studio.CountableStatuses, since)
	if err != nil {
		return studio.JoinLimitStatus{}, fmt.Errorf("failed to count recent memberships: %w", err)
	}

	status := studio.JoinLimitStatus{
		RecentCount:  count,
		DailyLimit:   l.cfg.DailyLimit,
		WindowMs:     l.cfg.Window.Milliseconds(),
		LimitReached: count >= l.cfg.DailyLimit,
	}
	if !status.LimitReached {
		return status, nil
	}

	// The row at this offset is the one whose expiry drops the count below the limit
	createdAt, err := l.store.NthOldestMembershipSince(ctx, studioID, studio.CountableStatuses, since, count-l.cfg.DailyLimit)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Rows aged out between the two queries
		status.RetryAfterMs = 1
	case err != nil:
		return studio.JoinLimitStatus{}, fmt.Errorf("failed to find oldest recent membership: %w", err)
	default:
		status.RetryAfterMs = createdAt.Add(l.cfg.Window).Sub(now).Milliseconds()
		if status.RetryAfterMs < 1 {
			status.RetryAfterMs = 1
		}
	}
	return status, nil
}
