package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medialens/arena-collector/internal/arena"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type openGate struct{ calls int }

func (g *openGate) Do(ctx context.Context, fn func(context.Context) error) error {
	g.calls++
	return fn(ctx)
}

func collect(t *testing.T, c *Collector, req arena.TermsRequest) ([]arena.RawItem, *openGate) {
	t.Helper()
	gate := &openGate{}
	var items []arena.RawItem
	err := c.CollectByTerms(context.Background(), req, gate, func(item arena.RawItem) error {
		items = append(items, item)
		return nil
	})
	require.NoError(t, err)
	return items, gate
}

func TestCollectByTermsIsDeterministic(t *testing.T) {
	t.Parallel()

	clock := fixedClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Config{ItemsPerGroup: 2}, clock)
	req := arena.TermsRequest{Groups: [][]string{{"inflation", "grocery"}, {"rent"}}}

	first, gate := collect(t, c, req)
	second, _ := collect(t, c, req)

	require.Len(t, first, 4, "two items per group")
	require.Equal(t, first, second, "same request yields the same stream")
	require.Equal(t, 4, gate.calls, "every item spends one gate slot")
}

func TestEmitErrorStopsStream(t *testing.T) {
	t.Parallel()

	c := New(Config{ItemsPerGroup: 5}, fixedClock{t: time.Now()})
	gate := &openGate{}
	var seen int
	err := c.CollectByTerms(context.Background(),
		arena.TermsRequest{Groups: [][]string{{"x"}}},
		gate,
		func(arena.RawItem) error {
			seen++
			if seen == 2 {
				return context.Canceled
			}
			return nil
		})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, seen)
}

func TestNormalizeRoundTrip(t *testing.T) {
	t.Parallel()

	clock := fixedClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Config{}, clock)
	items, _ := collect(t, c, arena.TermsRequest{Groups: [][]string{{"inflation"}}})
	require.NotEmpty(t, items)

	rec, err := c.Normalize(items[1])
	require.NoError(t, err)
	require.Equal(t, "fixture", rec.Platform)
	require.Equal(t, "fixture-g0-1", rec.PlatformID)
	require.Contains(t, rec.Text, "inflation")
	require.Equal(t, "author-1", rec.AuthorPlatformID)
	require.EqualValues(t, 10, rec.Engagement.Likes)
	require.EqualValues(t, -1, rec.Engagement.Views, "counters the platform lacks stay unknown")
	require.Equal(t, clock.t, rec.PublishedAt)
}

func TestOptionalCapabilities(t *testing.T) {
	t.Parallel()

	c := New(Config{ItemsPerGroup: 3}, fixedClock{t: time.Now()})

	var est arena.CostEstimator = c
	require.InDelta(t, 6.0, est.EstimateCost(arena.JobParameters{
		TermGroups: [][]string{{"a"}}, Actors: []string{"b"},
	}), 0.001)

	var hc arena.HealthChecker = c
	require.True(t, hc.HealthCheck(context.Background()))
}

func TestRefreshEngagementRecomputesCounters(t *testing.T) {
	t.Parallel()

	clock := fixedClock{t: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)}
	c := New(Config{}, clock)
	gate := &openGate{}

	var refresher arena.EngagementRefresher = c
	rec := arena.UniversalRecord{
		Platform:   "fixture",
		PlatformID: "fixture-g0-4",
		Engagement: arena.UnknownEngagement(),
	}
	got, err := refresher.RefreshEngagement(context.Background(), rec, arena.Credential{}, gate)
	require.NoError(t, err)
	require.EqualValues(t, 40, got.Engagement.Likes)
	require.Equal(t, clock.t, got.CollectedAt)
	require.Equal(t, 1, gate.calls, "a refresh spends one gate slot")

	_, err = refresher.RefreshEngagement(context.Background(),
		arena.UniversalRecord{PlatformID: "garbled"}, arena.Credential{}, gate)
	require.ErrorIs(t, err, arena.ErrCollection)
}
