package arena

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func run(platform string, status ArenaStatus) ArenaRun {
	return ArenaRun{JobID: "job", Platform: platform, Status: status}
}

func TestAggregateJobStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		runs []ArenaRun
		want JobStatus
	}{
		{"all succeeded", []ArenaRun{run("a", ArenaStatusSucceeded), run("b", ArenaStatusSucceeded)}, JobStatusSucceeded},
		{"all failed", []ArenaRun{run("a", ArenaStatusFailed), run("b", ArenaStatusFailed)}, JobStatusFailed},
		{"mixed is partial", []ArenaRun{run("a", ArenaStatusSucceeded), run("b", ArenaStatusFailed)}, JobStatusPartial},
		{"one still running", []ArenaRun{run("a", ArenaStatusSucceeded), run("b", ArenaStatusRunning)}, JobStatusRunning},
		{"queued counts as pending", []ArenaRun{run("a", ArenaStatusQueued)}, JobStatusRunning},
		{"no runs", nil, JobStatusQueued},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, AggregateJobStatus(tc.runs))
		})
	}
}

func TestAggregateFourArenasOneExhaustsRetries(t *testing.T) {
	t.Parallel()

	runs := []ArenaRun{
		run("a", ArenaStatusSucceeded),
		run("b", ArenaStatusSucceeded),
		run("c", ArenaStatusSucceeded),
		run("d", ArenaStatusFailed),
	}
	require.Equal(t, JobStatusPartial, AggregateJobStatus(runs))
}

func TestDescriptorSupportsTier(t *testing.T) {
	t.Parallel()

	d := Descriptor{Platform: "serper", Tiers: []Tier{TierFree, TierMedium}}
	require.True(t, d.SupportsTier(TierFree))
	require.True(t, d.SupportsTier(TierMedium))
	require.False(t, d.SupportsTier(TierPremium))
}

func TestRetryPolicyClassesAndAttempts(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	require.True(t, p.ShouldRetry(Collectionf("flaky upstream"), 1))
	require.True(t, p.ShouldRetry(ErrRateLimitTimeout, 1))
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(Collectionf("flaky upstream"), 3))
	require.False(t, p.ShouldRetry(Authf("401 from platform"), 0))
	require.False(t, p.ShouldRetry(Configf("bad tier"), 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
}

func TestRetryPolicyBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.maxDelay)
	}
	// Deterministic lower bound: half of the capped exponential delay.
	require.GreaterOrEqual(t, p.Backoff(6), p.maxDelay/2)
}

func TestUnknownEngagement(t *testing.T) {
	t.Parallel()

	e := UnknownEngagement()
	require.EqualValues(t, -1, e.Views)
	require.EqualValues(t, -1, e.Likes)
	require.EqualValues(t, -1, e.Shares)
	require.EqualValues(t, -1, e.Comments)
}
