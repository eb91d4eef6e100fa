// Package ratelimit admits work under named sliding windows. The counting
// lives in the coordination store, so the limit holds across every process
// sharing that store; this package adds the waiting, jitter, and timeout
// around the store's atomic take-a-slot primitive.
package ratelimit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/coord"
	"github.com/medialens/arena-collector/internal/telemetry"
)

// DefaultMaxWait bounds how long a caller blocks for a slot before giving up.
const DefaultMaxWait = 30 * time.Second

// Limiter coordinates callers through sliding-window slots.
type Limiter struct {
	store   coord.Store
	logger  *zap.Logger
	maxWait time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter constructs a Limiter. maxWait <= 0 selects DefaultMaxWait.
func NewLimiter(store coord.Store, logger *zap.Logger, maxWait time.Duration) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Limiter{
		store:   store,
		logger:  logger,
		maxWait: maxWait,
		sleep:   sleepCtx,
	}
}

// Do waits for a slot under key's window, then runs fn. Callers that cannot
// get a slot within the limiter's max wait receive ErrRateLimitTimeout; the
// operation is never run half-admitted.
func (l *Limiter) Do(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
	fn func(context.Context) error,
) error {
	if limit <= 0 || window <= 0 {
		return fn(ctx)
	}

	start := time.Now()
	deadline := start.Add(l.maxWait)
	for {
		ok, err := l.store.TakeSlot(ctx, key, limit, window)
		if err != nil {
			return fmt.Errorf("take rate slot: %w", err)
		}
		if ok {
			waited := time.Since(start)
			telemetry.ObserveRateLimitDelay(key, waited)
			if waited > window {
				l.logger.Debug("rate limit wait",
					zap.String("key", key),
					zap.Duration("waited", waited),
				)
			}
			return fn(ctx)
		}

		pause := pollInterval(limit, window)
		if time.Now().Add(pause).After(deadline) {
			return fmt.Errorf("key %s: waited %s: %w", key, time.Since(start).Round(time.Millisecond), arena.ErrRateLimitTimeout)
		}
		if err := l.sleep(ctx, pause); err != nil {
			return err
		}
	}
}

// Gate binds the limiter to one (key, limit, window) so collectors can wrap
// each outbound call without knowing the policy behind it.
func (l *Limiter) Gate(key string, limit int, window time.Duration) arena.Gate {
	return gate{limiter: l, key: key, limit: limit, window: window}
}

type gate struct {
	limiter *Limiter
	key     string
	limit   int
	window  time.Duration
}

func (g gate) Do(ctx context.Context, fn func(context.Context) error) error {
	return g.limiter.Do(ctx, g.key, g.limit, g.window, fn)
}

// pollInterval spreads retries across the window with jitter so a burst of
// blocked callers does not stampede the store on the same tick.
func pollInterval(limit int, window time.Duration) time.Duration {
	base := window / time.Duration(limit)
	if base < 10*time.Millisecond {
		base = 10 * time.Millisecond
	}
	if base > 500*time.Millisecond {
		base = 500 * time.Millisecond
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(base/2)+1))
	if err != nil {
		return base
	}
	return base/2 + time.Duration(jitter.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
