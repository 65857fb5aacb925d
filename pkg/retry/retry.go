// Package retry repeats an operation whose generated value collided with a
// unique constraint.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/kiln/pkg/storage"
)

// ErrExhausted is returned when every attempt collided
var ErrExhausted = errors.New("unique value retries exhausted")

// IsCollision reports whether err means the generated value was taken
type IsCollision func(err error) bool

// DefaultCollision treats any unique violation as a collision
func DefaultCollision(err error) bool {
	return storage.IsUniqueViolation(err)
}

// Unique calls generate and then apply with the generated value, up to
// attempts times. A collision regenerates and tries again; any other error
// is returned immediately. When the last attempt collides the result wraps
// ErrExhausted and the final collision.
func Unique[T any](ctx context.Context, attempts int, collided IsCollision, generate func() (T, error), apply func(ctx context.Context, v T) error) (T, error) {
	var zero T
	if attempts < 1 {
		return zero, fmt.Errorf("attempts must be at least 1, got %d", attempts)
	}
	if collided == nil {
		collided = DefaultCollision
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := generate()
		if err != nil {
			return zero, fmt.Errorf("failed to generate value: %w", err)
		}

		err = apply(ctx, v)
		if err == nil {
			return v, nil
		}
		if !collided(err) {
			return zero, err
		}
		last = err
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}
