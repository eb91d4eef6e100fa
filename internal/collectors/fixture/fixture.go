// Package fixture provides a deterministic in-process collector used in
// development and tests. It fabricates items from the request itself, so a
// job submitted twice yields the same stream twice.
package fixture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medialens/arena-collector/internal/arena"
)

// Config controls the synthetic stream.
type Config struct {
	// Platform under which the collector registers. Defaults to "fixture".
	Platform string
	// ItemsPerGroup is how many items each term group (or actor) produces.
	ItemsPerGroup int
}

func (c Config) withDefaults() Config {
	if c.Platform == "" {
		c.Platform = "fixture"
	}
	if c.ItemsPerGroup <= 0 {
		c.ItemsPerGroup = 3
	}
	return c
}

// Collector fabricates deterministic raw items.
type Collector struct {
	cfg   Config
	clock arena.Clock
}

// New builds a fixture Collector.
func New(cfg Config, clock arena.Clock) *Collector {
	return &Collector{cfg: cfg.withDefaults(), clock: clock}
}

// Descriptor declares the synthetic arena. Every tier is supported so the
// fixture never trips tier validation.
func (c *Collector) Descriptor() arena.Descriptor {
	return arena.Descriptor{
		Platform: c.cfg.Platform,
		Arena:    "synthetic",
		Tiers:    []arena.Tier{arena.TierFree, arena.TierMedium, arena.TierPremium},
		Temporal: arena.TemporalMixed,
	}
}

// CollectByTerms emits ItemsPerGroup items per term group. Each item passes
// through the gate first, mirroring how a real collector spends rate-limit
// slots on platform calls.
func (c *Collector) CollectByTerms(ctx context.Context, req arena.TermsRequest, gate arena.Gate, emit arena.EmitFunc) error {
	for gi, group := range req.Groups {
		label := strings.Join(group, " ")
		for i := 0; i < c.cfg.ItemsPerGroup; i++ {
			if err := c.emitOne(ctx, gate, emit, fmt.Sprintf("g%d", gi), label, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// CollectByActors emits ItemsPerGroup items per actor.
func (c *Collector) CollectByActors(ctx context.Context, req arena.ActorsRequest, gate arena.Gate, emit arena.EmitFunc) error {
	for _, actor := range req.Actors {
		for i := 0; i < c.cfg.ItemsPerGroup; i++ {
			if err := c.emitOne(ctx, gate, emit, "actor-"+actor, actor, i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) emitOne(ctx context.Context, gate arena.Gate, emit arena.EmitFunc, scope, label string, i int) error {
	if err := gate.Do(ctx, func(context.Context) error { return nil }); err != nil {
		return err
	}
	id := fmt.Sprintf("%s-%s-%d", c.cfg.Platform, scope, i)
	return emit(arena.RawItem{
		"id":           id,
		"text":         fmt.Sprintf("synthetic item %d about %s", i, label),
		"url":          fmt.Sprintf("https://%s.invalid/%s/%d", c.cfg.Platform, scope, i),
		"author_id":    fmt.Sprintf("author-%d", i),
		"author_name":  fmt.Sprintf("Author %d", i),
		"likes":        int64(i * 10),
		"published_at": c.clock.Now().Format(time.RFC3339),
	})
}

// Normalize maps a fixture raw item into the universal schema.
func (c *Collector) Normalize(raw arena.RawItem) (arena.UniversalRecord, error) {
	rec := arena.UniversalRecord{
		Platform:    c.cfg.Platform,
		Arena:       "synthetic",
		ContentType: arena.ContentPost,
		Engagement:  arena.UnknownEngagement(),
		Raw:         raw,
	}
	if v, ok := raw["id"].(string); ok {
		rec.PlatformID = v
	}
	if v, ok := raw["text"].(string); ok {
		rec.Text = v
	}
	if v, ok := raw["url"].(string); ok {
		rec.URL = v
	}
	if v, ok := raw["author_id"].(string); ok {
		rec.AuthorPlatformID = v
	}
	if v, ok := raw["author_name"].(string); ok {
		rec.AuthorDisplayName = v
	}
	if v, ok := asInt64(raw["likes"]); ok {
		rec.Engagement.Likes = v
	}
	if v, ok := raw["published_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			rec.PublishedAt = ts
		}
	}
	return rec, nil
}

// EstimateCost predicts one unit of spend per fabricated item.
func (c *Collector) EstimateCost(params arena.JobParameters) float64 {
	groups := len(params.TermGroups) + len(params.Actors)
	return float64(groups * c.cfg.ItemsPerGroup)
}

// RefreshEngagement re-derives the counters a live platform would re-fetch.
// The fixture's counters are a function of the item index, so a refresh
// reproduces them and restamps the collection time.
func (c *Collector) RefreshEngagement(ctx context.Context, rec arena.UniversalRecord, _ arena.Credential, gate arena.Gate) (arena.UniversalRecord, error) {
	if err := gate.Do(ctx, func(context.Context) error { return nil }); err != nil {
		return arena.UniversalRecord{}, err
	}
	idx, ok := itemIndex(rec.PlatformID)
	if !ok {
		return arena.UniversalRecord{}, arena.Collectionf("unrecognized fixture item id %q", rec.PlatformID)
	}
	rec.Engagement.Likes = int64(idx * 10)
	rec.CollectedAt = c.clock.Now()
	return rec, nil
}

// HealthCheck always succeeds; there is no upstream.
func (c *Collector) HealthCheck(context.Context) bool { return true }

// itemIndex recovers the item ordinal from an id shaped "<platform>-<scope>-<i>".
func itemIndex(platformID string) (int, bool) {
	cut := strings.LastIndex(platformID, "-")
	if cut < 0 || cut == len(platformID)-1 {
		return 0, false
	}
	idx, err := strconv.Atoi(platformID[cut+1:])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
