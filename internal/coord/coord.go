// Package coord defines the shared coordination store: the single source of
// truth for credential leases, quota counters, rate-limit windows, and
// cooldown state. Workers in separate processes coordinate only through this
// store, so every mutation is one atomic operation, never a read-then-write
// pair.
package coord

import (
	"context"
	"time"
)

// Quota describes one rolling-window bound checked during acquisition.
// WindowStart keys the counter: a boundary crossing lands increments in a
// fresh window, which is the atomic "reset exactly once" semantics.
type Quota struct {
	Key         string
	Limit       int
	WindowStart time.Time
}

// Store is the coordination contract. Implementations must make every
// method atomic with respect to concurrent callers across processes.
type Store interface {
	// AcquireCredential atomically checks that no unexpired lease is held
	// by another holder and that every quota has headroom, then creates the
	// lease and increments all quota counters as one indivisible operation.
	// ok=false means leased elsewhere or quota exhausted; both are normal.
	AcquireCredential(ctx context.Context, credID, holder string, ttl time.Duration, quotas []Quota) (bool, error)

	// ReleaseLease deletes the lease if held by holder. Idempotent: a
	// missing or expired lease is not an error.
	ReleaseLease(ctx context.Context, credID, holder string) error

	// LeaseHolder reports the current unexpired lease holder, if any.
	LeaseHolder(ctx context.Context, credID string) (string, bool, error)

	// TakeSlot implements the sliding-window rate limit: count operations
	// on key within the trailing window and increment only if under limit,
	// as one atomic operation.
	TakeSlot(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// SetCooldown opens (or extends) a cooldown on the key until the given
	// instant.
	SetCooldown(ctx context.Context, key string, until time.Time) error

	// CooldownUntil reports an active cooldown's expiry. ok=false when no
	// cooldown is in effect.
	CooldownUntil(ctx context.Context, key string) (time.Time, bool, error)

	// ClearCooldown removes a cooldown (administrative reset).
	ClearCooldown(ctx context.Context, key string) error
}

// DailyWindowStart returns the UTC day boundary containing t.
func DailyWindowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthlyWindowStart returns the UTC month boundary containing t.
func MonthlyWindowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
