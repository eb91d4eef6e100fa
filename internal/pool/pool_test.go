package pool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	coordmem "github.com/medialens/arena-collector/internal/coord/memory"
	"github.com/medialens/arena-collector/internal/credstore"
	credmem "github.com/medialens/arena-collector/internal/credstore/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	creds  *credmem.Store
	coord  *coordmem.Store
	cipher *credstore.Cipher
	clock  *fakeClock
}

func newFixture(t *testing.T, fallbacks []Fallback, cfg Config) (*Coordinator, *fixture) {
	t.Helper()
	clock := newFakeClock()
	cipher, err := credstore.NewCipher(bytes.Repeat([]byte{0x42}, credstore.KeySize))
	require.NoError(t, err)

	f := &fixture{
		creds:  credmem.NewStore(),
		coord:  coordmem.NewStore().WithClock(clock.Now),
		cipher: cipher,
		clock:  clock,
	}
	return New(f.creds, f.coord, cipher, fallbacks, clock, zap.NewNop(), cfg), f
}

func (f *fixture) mustCreate(t *testing.T, platform string, tier arena.Tier, quotas credstore.Quotas) credstore.Credential {
	t.Helper()
	blob, err := f.cipher.Seal(map[string]string{"api_key": "k-" + platform})
	require.NoError(t, err)
	cred, err := f.creds.Create(context.Background(), platform, tier, blob, "test", quotas)
	require.NoError(t, err)
	return cred
}

func TestAcquireThreeWorkersTwoCredentials(t *testing.T) {
	t.Parallel()

	pool, f := newFixture(t, nil, Config{})
	f.mustCreate(t, "serper", arena.TierMedium, credstore.Quotas{})
	f.mustCreate(t, "serper", arena.TierMedium, credstore.Quotas{})

	ctx := context.Background()
	holders := []string{"w1", "w2", "w3"}
	results := make([]*arena.Credential, len(holders))
	errs := make([]error, len(holders))

	var wg sync.WaitGroup
	for i, h := range holders {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			results[i], errs[i] = pool.Acquire(ctx, "serper", arena.TierMedium, h)
		}(i, h)
	}
	wg.Wait()

	var leased, misses int
	seen := map[string]bool{}
	for i := range holders {
		if errs[i] != nil {
			require.ErrorIs(t, errs[i], arena.ErrCredentialUnavailable)
			misses++
			continue
		}
		leased++
		require.False(t, seen[results[i].ID], "credential leased twice")
		seen[results[i].ID] = true
		require.Equal(t, "k-serper", results[i].Secrets["api_key"])
	}
	require.Equal(t, 2, leased)
	require.Equal(t, 1, misses)
}

func TestReleaseThenReacquire(t *testing.T) {
	t.Parallel()

	pool, f := newFixture(t, nil, Config{})
	f.mustCreate(t, "youtube", arena.TierFree, credstore.Quotas{})
	ctx := context.Background()

	cred, err := pool.Acquire(ctx, "youtube", arena.TierFree, "w1")
	require.NoError(t, err)

	_, err = pool.Acquire(ctx, "youtube", arena.TierFree, "w2")
	require.ErrorIs(t, err, arena.ErrCredentialUnavailable)

	require.NoError(t, pool.Release(ctx, cred.ID, "w1"))
	require.NoError(t, pool.Release(ctx, cred.ID, "w1"))

	again, err := pool.Acquire(ctx, "youtube", arena.TierFree, "w2")
	require.NoError(t, err)
	require.Equal(t, cred.ID, again.ID)
}

func TestFifthConsecutiveErrorOpensCooldown(t *testing.T) {
	t.Parallel()

	pool, f := newFixture(t, nil, Config{})
	cred := f.mustCreate(t, "reddit", arena.TierFree, credstore.Quotas{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.ReportError(ctx, cred.ID))
	}
	_, _, err := f.coord.CooldownUntil(ctx, cred.ID)
	require.NoError(t, err)
	got, err := pool.Acquire(ctx, "reddit", arena.TierFree, "w1")
	require.NoError(t, err, "four errors do not open the breaker")
	require.NoError(t, pool.Release(ctx, got.ID, "w1"))

	require.NoError(t, pool.ReportError(ctx, cred.ID))

	_, active, err := f.coord.CooldownUntil(ctx, cred.ID)
	require.NoError(t, err)
	require.True(t, active)

	_, err = pool.Acquire(ctx, "reddit", arena.TierFree, "w1")
	require.ErrorIs(t, err, arena.ErrCredentialUnavailable)

	f.clock.Advance(61 * time.Second)
	_, err = pool.Acquire(ctx, "reddit", arena.TierFree, "w1")
	require.NoError(t, err, "cooldown expired")
}

func TestCooldownBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	pool, _ := newFixture(t, nil, Config{})

	require.Equal(t, time.Minute, pool.backoffFor(5))
	require.Equal(t, 2*time.Minute, pool.backoffFor(6))
	require.Equal(t, 4*time.Minute, pool.backoffFor(7))
	require.Equal(t, 32*time.Minute, pool.backoffFor(10))
	require.Equal(t, 60*time.Minute, pool.backoffFor(11))
	require.Equal(t, 60*time.Minute, pool.backoffFor(40))
}

func TestReportSuccessKeepsOpenCooldown(t *testing.T) {
	t.Parallel()

	pool, f := newFixture(t, nil, Config{})
	cred := f.mustCreate(t, "reddit", arena.TierFree, credstore.Quotas{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.ReportError(ctx, cred.ID))
	}
	require.NoError(t, pool.ReportSuccess(ctx, cred.ID))

	_, active, err := f.coord.CooldownUntil(ctx, cred.ID)
	require.NoError(t, err)
	require.True(t, active, "success never shortens an open cooldown")

	// The error count did reset, so the next single error cannot reopen it.
	f.clock.Advance(2 * time.Minute)
	require.NoError(t, pool.ReportError(ctx, cred.ID))
	_, active, err = f.coord.CooldownUntil(ctx, cred.ID)
	require.NoError(t, err)
	require.False(t, active)
}

func TestDecryptFailureIsFatalAndReleasesLease(t *testing.T) {
	t.Parallel()

	pool, f := newFixture(t, nil, Config{})
	ctx := context.Background()

	otherCipher, err := credstore.NewCipher(bytes.Repeat([]byte{0x99}, credstore.KeySize))
	require.NoError(t, err)
	blob, err := otherCipher.Seal(map[string]string{"api_key": "k"})
	require.NoError(t, err)
	cred, err := f.creds.Create(ctx, "tiktok", arena.TierFree, blob, "bad key", credstore.Quotas{})
	require.NoError(t, err)

	_, err = pool.Acquire(ctx, "tiktok", arena.TierFree, "w1")
	require.ErrorIs(t, err, arena.ErrConfiguration)
	require.False(t, errors.Is(err, arena.ErrCredentialUnavailable))

	_, held, err := f.coord.LeaseHolder(ctx, cred.ID)
	require.NoError(t, err)
	require.False(t, held, "lease returned after decrypt failure")
}

func TestStaticFallbackTriedAfterStoredCandidates(t *testing.T) {
	t.Parallel()

	fallbacks := []Fallback{{
		Platform: "serper",
		Tier:     arena.TierMedium,
		Secrets:  map[string]string{"api_key": "env-key"},
	}}
	pool, f := newFixture(t, fallbacks, Config{})
	stored := f.mustCreate(t, "serper", arena.TierMedium, credstore.Quotas{})
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "serper", arena.TierMedium, "w1")
	require.NoError(t, err)
	require.Equal(t, stored.ID, first.ID, "stored credential preferred over fallback")

	second, err := pool.Acquire(ctx, "serper", arena.TierMedium, "w2")
	require.NoError(t, err)
	require.Equal(t, "env-key", second.Secrets["api_key"])
	require.True(t, len(second.ID) > len(staticIDPrefix))

	// Static credentials have no lease or error bookkeeping.
	require.NoError(t, pool.Release(ctx, second.ID, "w2"))
	require.NoError(t, pool.ReportError(ctx, second.ID))
	require.NoError(t, pool.ReportSuccess(ctx, second.ID))
}

func TestQuotaExhaustedCredentialSkipped(t *testing.T) {
	t.Parallel()

	pool, f := newFixture(t, nil, Config{})
	cred := f.mustCreate(t, "youtube", arena.TierFree, credstore.Quotas{Daily: 1})
	ctx := context.Background()

	got, err := pool.Acquire(ctx, "youtube", arena.TierFree, "w1")
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, got.ID, "w1"))

	_, err = pool.Acquire(ctx, "youtube", arena.TierFree, "w1")
	require.ErrorIs(t, err, arena.ErrCredentialUnavailable, "daily quota spent")

	// Next calendar day the counter window rolls over.
	f.clock.Advance(24 * time.Hour)
	got, err = pool.Acquire(ctx, "youtube", arena.TierFree, "w1")
	require.NoError(t, err)
	require.Equal(t, cred.ID, got.ID)
}

func TestResetErrorsClearsCooldown(t *testing.T) {
	t.Parallel()

	pool, f := newFixture(t, nil, Config{})
	cred := f.mustCreate(t, "reddit", arena.TierPremium, credstore.Quotas{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.ReportError(ctx, cred.ID))
	}
	_, active, err := f.coord.CooldownUntil(ctx, cred.ID)
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, pool.ResetErrors(ctx, cred.ID))
	_, active, err = f.coord.CooldownUntil(ctx, cred.ID)
	require.NoError(t, err)
	require.False(t, active)

	_, err = pool.Acquire(ctx, "reddit", arena.TierPremium, "w1")
	require.NoError(t, err)
}
