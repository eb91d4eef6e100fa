// Package credstore provides durable, at-rest-encrypted storage of
// third-party API credentials keyed by (platform, tier).
package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/medialens/arena-collector/internal/arena"
)

// ErrNotFound is returned when a credential id does not exist.
var ErrNotFound = errors.New("credential not found")

// Quotas bounds a credential's use per rolling window. Zero means unlimited.
type Quotas struct {
	Daily   int `json:"daily"`
	Monthly int `json:"monthly"`
}

// Credential is one stored set of third-party secrets. The payload is held
// encrypted; decryption happens only at hand-off to a collector, via the
// pool coordinator's cipher. Rows are never deleted, only deactivated, so
// historical leases stay resolvable.
type Credential struct {
	ID         string
	Platform   string
	Tier       arena.Tier
	Label      string
	Encrypted  []byte
	Quotas     Quotas
	ErrorCount int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the durable credential store contract. It is read-heavy: mutation
// is limited to error/success bookkeeping, deactivation, and administrative
// creation.
type Store interface {
	Create(ctx context.Context, platform string, tier arena.Tier, encrypted []byte, label string, quotas Quotas) (Credential, error)
	List(ctx context.Context, platform string, tier arena.Tier, activeOnly bool) ([]Credential, error)
	Get(ctx context.Context, id string) (Credential, error)
	// RecordError increments the consecutive error count and returns the
	// new value so the caller can decide on cooldown.
	RecordError(ctx context.Context, id string) (int, error)
	// RecordSuccess resets the consecutive error count to zero. It does not
	// touch any cooldown already in effect.
	RecordSuccess(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
}
