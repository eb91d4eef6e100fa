// Package webfetch is the reference open-web collector. It fetches configured
// listing pages with Colly, extracts linked headlines, and emits the ones
// matching the requested term groups. Actor collection treats each actor as a
// page URL and emits that page itself.
package webfetch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
)

// Config controls the webfetch collector.
type Config struct {
	// Sources are the listing pages scanned for term matches.
	Sources   []string
	UserAgent string
	Timeout   time.Duration
	// PerHostRPS bounds outbound requests per host; zero means unlimited.
	PerHostRPS float64
	Burst      int
	// MaxItemsPerSource caps emissions per listing page. Zero means no cap.
	MaxItemsPerSource int
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "arena-collector/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Collector implements the collection protocol over public web pages.
type Collector struct {
	cfg        Config
	base       *colly.Collector
	politeness *hostLimiter
	logger     *zap.Logger
}

// New builds a webfetch Collector.
func New(cfg Config, logger *zap.Logger) (*Collector, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Sources) == 0 {
		return nil, arena.Configf("webfetch: no sources configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	// Sources are re-scanned on every job, so revisits are the normal case.
	base.AllowURLRevisit = true
	base.SetRequestTimeout(cfg.Timeout)
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})

	return &Collector{
		cfg:        cfg,
		base:       base,
		politeness: newHostLimiter(cfg.PerHostRPS, cfg.Burst),
		logger:     logger.Named("webfetch"),
	}, nil
}

// Descriptor declares the open-web arena. Free tier only: there is no paid
// API behind it.
func (c *Collector) Descriptor() arena.Descriptor {
	return arena.Descriptor{
		Platform: "webfetch",
		Arena:    "open_web",
		Tiers:    []arena.Tier{arena.TierFree},
		Temporal: arena.TemporalRecent,
	}
}

// CollectByTerms scans each source page and emits linked headlines whose text
// matches a term group.
func (c *Collector) CollectByTerms(ctx context.Context, req arena.TermsRequest, gate arena.Gate, emit arena.EmitFunc) error {
	for _, src := range c.cfg.Sources {
		page, err := c.fetch(ctx, src, gate)
		if err != nil {
			return err
		}

		emitted := 0
		seen := make(map[string]struct{})
		for _, link := range page.links {
			if _, dup := seen[link.url]; dup {
				continue
			}
			seen[link.url] = struct{}{}
			if !matchesAnyGroup(link.text, req.Groups) {
				continue
			}
			if c.cfg.MaxItemsPerSource > 0 && emitted >= c.cfg.MaxItemsPerSource {
				break
			}
			if err := emit(arena.RawItem{
				"id":         link.url,
				"text":       link.text,
				"url":        link.url,
				"source":     src,
				"fetched_at": page.fetchedAt.Format(time.RFC3339),
			}); err != nil {
				return err
			}
			emitted++
		}
		c.logger.Debug("source scanned",
			zap.String("source", src),
			zap.Int("links", len(page.links)),
			zap.Int("emitted", emitted),
		)
	}
	return nil
}

// CollectByActors treats each actor as a page URL and emits the page itself.
func (c *Collector) CollectByActors(ctx context.Context, req arena.ActorsRequest, gate arena.Gate, emit arena.EmitFunc) error {
	for _, actor := range req.Actors {
		page, err := c.fetch(ctx, actor, gate)
		if err != nil {
			return err
		}
		text := page.title
		if page.description != "" {
			text = strings.TrimSpace(text + " " + page.description)
		}
		if text == "" {
			continue
		}
		if err := emit(arena.RawItem{
			"id":         actor,
			"text":       text,
			"url":        actor,
			"source":     actor,
			"fetched_at": page.fetchedAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Normalize maps a fetched link into the universal schema. Open-web items
// have no author; pseudonymization downstream is a no-op for them.
func (c *Collector) Normalize(raw arena.RawItem) (arena.UniversalRecord, error) {
	rec := arena.UniversalRecord{
		Platform:    "webfetch",
		Arena:       "open_web",
		ContentType: arena.ContentArticle,
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
	if v, ok := raw["fetched_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			rec.PublishedAt = ts
		}
	}
	return rec, nil
}

// HealthCheck probes the first configured source; any fetch error, HTTP
// failures included, reports unhealthy.
func (c *Collector) HealthCheck(ctx context.Context) bool {
	_, err := c.fetch(ctx, c.cfg.Sources[0], passGate{})
	return err == nil
}

type link struct {
	url  string
	text string
}

type fetchedPage struct {
	title       string
	description string
	links       []link
	fetchedAt   time.Time
}

// fetch retrieves one page. The politeness bucket is taken first, then the
// credential gate wraps the actual network call.
func (c *Collector) fetch(ctx context.Context, rawURL string, gate arena.Gate) (fetchedPage, error) {
	if err := c.politeness.Wait(ctx, rawURL); err != nil {
		return fetchedPage{}, err
	}
	var page fetchedPage
	err := gate.Do(ctx, func(ctx context.Context) error {
		var ferr error
		page, ferr = c.scan(ctx, rawURL)
		return ferr
	})
	return page, err
}

func (c *Collector) scan(ctx context.Context, rawURL string) (fetchedPage, error) {
	collector := c.base.Clone()
	page := fetchedPage{}

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if page.title == "" {
			page.title = strings.TrimSpace(e.Text)
		}
	})
	collector.OnHTML(`meta[name="description"]`, func(e *colly.HTMLElement) {
		page.description = strings.TrimSpace(e.Attr("content"))
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		text := strings.Join(strings.Fields(e.Text), " ")
		if text == "" {
			return
		}
		abs := e.Request.AbsoluteURL(e.Attr("href"))
		if abs == "" {
			return
		}
		page.links = append(page.links, link{url: abs, text: text})
	})

	var fetchErr error
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})
	collector.OnResponse(func(*colly.Response) {
		page.fetchedAt = time.Now().UTC()
	})

	done := make(chan error, 1)
	go func() { done <- collector.Visit(rawURL) }()
	select {
	case <-ctx.Done():
		return fetchedPage{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return fetchedPage{}, arena.Collectionf("fetch %s: %v", rawURL, err)
		}
		if fetchErr != nil {
			return fetchedPage{}, arena.Collectionf("fetch %s: %v", rawURL, fetchErr)
		}
	}
	return page, nil
}

// matchesAnyGroup reports whether some group has all its terms present in
// the text. Terms within a group AND together; groups OR together.
func matchesAnyGroup(text string, groups [][]string) bool {
	if len(groups) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		all := true
		for _, term := range group {
			if !strings.Contains(lower, strings.ToLower(term)) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// passGate is a no-op gate for credential-less probes.
type passGate struct{}

func (passGate) Do(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
