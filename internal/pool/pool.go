// Package pool implements the credential pool coordinator: leasing, quota
// tracking, and circuit-breaking over stored credentials, coordinated
// through the shared store so concurrent workers never double-acquire.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/coord"
	"github.com/medialens/arena-collector/internal/credstore"
	"github.com/medialens/arena-collector/internal/telemetry"
)

// Config controls lease and cooldown behavior.
type Config struct {
	// LeaseTTL bounds a lease's lifetime; expiry is the crash-safety net
	// for holders that never release.
	LeaseTTL time.Duration
	// CooldownThreshold is the consecutive-error count that opens the
	// circuit breaker.
	CooldownThreshold int
	// CooldownBase and CooldownMax shape the doubling backoff curve.
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Hour
	}
	if c.CooldownThreshold <= 0 {
		c.CooldownThreshold = 5
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = time.Minute
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 60 * time.Minute
	}
	return c
}

// Fallback is a statically configured credential for (platform, tier),
// supplied via configuration. Tried only after every database-backed
// candidate is exhausted.
type Fallback struct {
	Platform string
	Tier     arena.Tier
	Secrets  map[string]string
}

// staticIDPrefix marks credentials that came from configuration rather than
// the durable store; release and error reporting are no-ops for them.
const staticIDPrefix = "static:"

// Coordinator is the runtime credential pool. Construct once per process
// and share by reference across workers.
type Coordinator struct {
	store     credstore.Store
	coord     coord.Store
	cipher    *credstore.Cipher
	fallbacks map[string]Fallback
	clock     arena.Clock
	logger    *zap.Logger
	cfg       Config
}

// New builds a Coordinator.
func New(
	store credstore.Store,
	coordStore coord.Store,
	cipher *credstore.Cipher,
	fallbacks []Fallback,
	clock arena.Clock,
	logger *zap.Logger,
	cfg Config,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	fb := make(map[string]Fallback, len(fallbacks))
	for _, f := range fallbacks {
		fb[fallbackKey(f.Platform, f.Tier)] = f
	}
	return &Coordinator{
		store:     store,
		coord:     coordStore,
		cipher:    cipher,
		fallbacks: fb,
		clock:     clock,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Acquire leases one usable credential for (platform, tier). It never
// blocks: a pool with nothing usable returns ErrCredentialUnavailable, a
// normal outcome the caller handles. Decryption happens here, at the moment
// of hand-off, and nowhere earlier.
func (c *Coordinator) Acquire(
	ctx context.Context,
	platform string,
	tier arena.Tier,
	holderID string,
) (*arena.Credential, error) {
	candidates, err := c.store.List(ctx, platform, tier, true)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	now := c.clock.Now()
	for _, cand := range candidates {
		if _, cooling, err := c.coord.CooldownUntil(ctx, cand.ID); err != nil {
			return nil, fmt.Errorf("check cooldown: %w", err)
		} else if cooling {
			continue
		}

		ok, err := c.coord.AcquireCredential(ctx, cand.ID, holderID, c.cfg.LeaseTTL, quotasFor(cand, now))
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			// Leased elsewhere or quota exhausted; try the next candidate.
			continue
		}

		secrets, err := c.cipher.Open(cand.Encrypted)
		if err != nil {
			// Undecryptable payload means the key is misconfigured: fatal,
			// never swallowed. Give the lease back before propagating.
			if relErr := c.coord.ReleaseLease(ctx, cand.ID, holderID); relErr != nil {
				c.logger.Warn("release after decrypt failure", zap.String("credential_id", cand.ID), zap.Error(relErr))
			}
			return nil, err
		}

		telemetry.ObserveCredentialAcquire(platform, "leased")
		return &arena.Credential{
			ID:       cand.ID,
			Platform: cand.Platform,
			Tier:     cand.Tier,
			Label:    cand.Label,
			Secrets:  secrets,
		}, nil
	}

	// Static config fallback, tried strictly after DB-backed options.
	if fb, ok := c.fallbacks[fallbackKey(platform, tier)]; ok {
		telemetry.ObserveCredentialAcquire(platform, "fallback")
		return &arena.Credential{
			ID:       staticIDPrefix + platform + ":" + string(tier),
			Platform: platform,
			Tier:     tier,
			Label:    "config fallback",
			Secrets:  fb.Secrets,
		}, nil
	}

	telemetry.ObserveCredentialAcquire(platform, "miss")
	return nil, fmt.Errorf("platform %s tier %s: %w", platform, tier, arena.ErrCredentialUnavailable)
}

// Release gives back a lease. Safe to call twice; releasing an expired or
// foreign lease is not an error.
func (c *Coordinator) Release(ctx context.Context, credentialID, holderID string) error {
	if isStatic(credentialID) {
		return nil
	}
	if err := c.coord.ReleaseLease(ctx, credentialID, holderID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReportError records a failure against the credential. The fifth
// consecutive error opens a cooldown with doubling backoff (1m, 2m, 4m, ...)
// capped at CooldownMax.
func (c *Coordinator) ReportError(ctx context.Context, credentialID string) error {
	if isStatic(credentialID) {
		return nil
	}
	count, err := c.store.RecordError(ctx, credentialID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("record credential error: %w", err)
	}
	if count < c.cfg.CooldownThreshold {
		return nil
	}
	backoff := c.backoffFor(count)
	until := c.clock.Now().Add(backoff)
	if err := c.coord.SetCooldown(ctx, credentialID, until); err != nil {
		return fmt.Errorf("open cooldown: %w", err)
	}
	telemetry.ObserveCooldownOpened()
	c.logger.Warn("credential cooldown opened",
		zap.String("credential_id", credentialID),
		zap.Int("error_count", count),
		zap.Duration("backoff", backoff),
	)
	return nil
}

// ReportSuccess resets the consecutive error count. An already-open
// cooldown stays in effect until it expires; success never shortens it.
func (c *Coordinator) ReportSuccess(ctx context.Context, credentialID string) error {
	if isStatic(credentialID) {
		return nil
	}
	if err := c.store.RecordSuccess(ctx, credentialID); err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("record credential success: %w", err)
	}
	return nil
}

// ResetErrors is the administrative escape hatch: zero the error count and
// drop any open cooldown.
func (c *Coordinator) ResetErrors(ctx context.Context, credentialID string) error {
	if isStatic(credentialID) {
		return nil
	}
	if err := c.store.RecordSuccess(ctx, credentialID); err != nil {
		return fmt.Errorf("reset error count: %w", err)
	}
	if err := c.coord.ClearCooldown(ctx, credentialID); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}

func (c *Coordinator) backoffFor(errorCount int) time.Duration {
	backoff := c.cfg.CooldownBase
	for i := c.cfg.CooldownThreshold; i < errorCount; i++ {
		backoff *= 2
		if backoff >= c.cfg.CooldownMax {
			return c.cfg.CooldownMax
		}
	}
	if backoff > c.cfg.CooldownMax {
		return c.cfg.CooldownMax
	}
	return backoff
}

func quotasFor(cand credstore.Credential, now time.Time) []coord.Quota {
	var quotas []coord.Quota
	if cand.Quotas.Daily > 0 {
		quotas = append(quotas, coord.Quota{
			Key:         "quota:daily:" + cand.ID,
			Limit:       cand.Quotas.Daily,
			WindowStart: coord.DailyWindowStart(now),
		})
	}
	if cand.Quotas.Monthly > 0 {
		quotas = append(quotas, coord.Quota{
			Key:         "quota:monthly:" + cand.ID,
			Limit:       cand.Quotas.Monthly,
			WindowStart: coord.MonthlyWindowStart(now),
		})
	}
	return quotas
}

func fallbackKey(platform string, tier arena.Tier) string {
	return platform + "|" + string(tier)
}

func isStatic(credentialID string) bool {
	return len(credentialID) > len(staticIDPrefix) && credentialID[:len(staticIDPrefix)] == staticIDPrefix
}
