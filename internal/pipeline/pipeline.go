// Package pipeline converges raw collector payloads into the universal
// record schema: defensive field mapping, author pseudonymization,
// engagement scoring, and exact/near duplicate fingerprinting.
package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/telemetry"
)

const (
	defaultShingleSize      = 3
	defaultNearDupThreshold = 3
	defaultEngagementCap    = 1_000_000
)

// Weights combines a platform's raw counters into one number before
// log-scaling. Unknown counters (-1) contribute nothing.
type Weights struct {
	Views    float64
	Likes    float64
	Shares   float64
	Comments float64
}

// defaultWeights applies when a platform has no tuned profile. Likes and
// comments signal more intent than a view.
var defaultWeights = Weights{Views: 0.1, Likes: 1, Shares: 2, Comments: 1.5}

// Config carries the pipeline's policy knobs.
type Config struct {
	// Salt feeds author pseudonymization. Construction fails without it.
	Salt string
	// ShingleSize and NearDupThreshold tune near-duplicate detection.
	ShingleSize      int
	NearDupThreshold int
	// PublicFigures maps "platform|author_platform_id" to the documented
	// reason that author may stay identifiable.
	PublicFigures map[string]string
	// Weights overrides the engagement profile per platform.
	Weights map[string]Weights
	// EngagementCap is the weighted total that maps to score 100.
	EngagementCap float64
}

// Pipeline normalizes raw items. One Pipeline is shared by all workers;
// duplicate detection is scoped per job through a dedupe index created on
// first use and dropped when the job settles, so unrelated jobs never link
// to each other and finished jobs hold no memory.
type Pipeline struct {
	cfg    Config
	ids    arena.IDGenerator
	clock  arena.Clock
	logger *zap.Logger

	mu      sync.Mutex
	indexes map[string]*Index
}

// New constructs a Pipeline. An empty pseudonymization salt is a fatal
// configuration error: there is no mode in which records leave this pipeline
// with a null pseudonymized author id.
func New(cfg Config, ids arena.IDGenerator, clock arena.Clock, logger *zap.Logger) (*Pipeline, error) {
	if strings.TrimSpace(cfg.Salt) == "" {
		return nil, arena.Configf("pseudonymization salt is empty; refusing to construct pipeline")
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = defaultShingleSize
	}
	if cfg.NearDupThreshold <= 0 {
		cfg.NearDupThreshold = defaultNearDupThreshold
	}
	if cfg.EngagementCap <= 0 {
		cfg.EngagementCap = defaultEngagementCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:     cfg,
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("pipeline"),
		indexes: make(map[string]*Index),
	}, nil
}

// indexFor returns the job's dedupe index, creating it on first use.
func (p *Pipeline) indexFor(jobID string) *Index {
	p.mu.Lock()
	defer p.mu.Unlock()
	ix, ok := p.indexes[jobID]
	if !ok {
		ix = NewIndex(p.cfg.NearDupThreshold)
		p.indexes[jobID] = ix
	}
	return ix
}

// ReleaseJob drops the job's dedupe index. Idempotent; callers invoke it when
// the job reaches a terminal state.
func (p *Pipeline) ReleaseJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.indexes, jobID)
}

// Process maps one raw item through the collector's Normalize, then applies
// pseudonymization, scoring, fingerprinting, and dedupe against jobID's
// index. A malformed item returns ErrNormalization so the caller can skip it
// and continue the batch; links repoint previously emitted records whose
// original arrived late.
func (p *Pipeline) Process(jobID string, raw arena.RawItem, collector arena.Collector) (arena.UniversalRecord, []Link, error) {
	platform := collector.Descriptor().Platform

	rec, err := collector.Normalize(raw)
	if err != nil {
		telemetry.ObservePipelineRecord(platform, "dropped")
		return arena.UniversalRecord{}, nil, arena.Normalizationf("collector %s: %v", platform, err)
	}

	normText := normalizeText(rec.Text)
	if normText == "" {
		telemetry.ObservePipelineRecord(platform, "dropped")
		return arena.UniversalRecord{}, nil, arena.Normalizationf("item has no text content")
	}
	if strings.TrimSpace(rec.PlatformID) == "" {
		telemetry.ObservePipelineRecord(platform, "dropped")
		return arena.UniversalRecord{}, nil, arena.Normalizationf("item has no platform id")
	}

	if rec.ID == "" {
		id, err := p.ids.NewID()
		if err != nil {
			return arena.UniversalRecord{}, nil, fmt.Errorf("generate record id: %w", err)
		}
		rec.ID = id
	}
	if rec.Platform == "" {
		rec.Platform = platform
	}
	if rec.CollectedAt.IsZero() {
		rec.CollectedAt = p.clock.Now()
	}

	p.pseudonymize(&rec)

	rec.EngagementScore = p.score(rec.Platform, rec.Engagement)
	rec.EngagementComparable = false

	normURL := normalizeURL(rec.URL)
	rec.ContentHash = contentHash(normText, normURL)
	rec.SimHash = simHash(normText, p.cfg.ShingleSize)

	links := p.indexFor(jobID).Observe(&rec)
	switch {
	case rec.DuplicateOf != "" && rec.NearDuplicate:
		telemetry.ObservePipelineRecord(platform, "near_duplicate")
	case rec.DuplicateOf != "":
		telemetry.ObservePipelineRecord(platform, "duplicate")
	default:
		telemetry.ObservePipelineRecord(platform, "emitted")
	}
	return rec, links, nil
}

// pseudonymize replaces the author identity with a keyed one-way hash. A
// configured public figure keeps their identity, with the audit marker set.
func (p *Pipeline) pseudonymize(rec *arena.UniversalRecord) {
	if rec.AuthorPlatformID == "" {
		return
	}
	if reason, ok := p.cfg.PublicFigures[rec.Platform+"|"+rec.AuthorPlatformID]; ok {
		rec.PseudonymBypass = true
		rec.PseudonymBypassReason = reason
		rec.PseudonymizedAuthorID = pseudonym(p.cfg.Salt, rec.Platform, rec.AuthorPlatformID)
		return
	}
	rec.PseudonymizedAuthorID = pseudonym(p.cfg.Salt, rec.Platform, rec.AuthorPlatformID)
	rec.AuthorPlatformID = ""
	rec.AuthorDisplayName = ""
}

func (p *Pipeline) score(platform string, e arena.Engagement) float64 {
	w, ok := p.cfg.Weights[platform]
	if !ok {
		w = defaultWeights
	}
	var total float64
	for _, c := range []struct {
		count  int64
		weight float64
	}{
		{e.Views, w.Views},
		{e.Likes, w.Likes},
		{e.Shares, w.Shares},
		{e.Comments, w.Comments},
	} {
		if c.count > 0 {
			total += float64(c.count) * c.weight
		}
	}
	if total <= 0 {
		return 0
	}
	score := 100 * math.Log1p(total) / math.Log1p(p.cfg.EngagementCap)
	return math.Min(100, score)
}

func pseudonym(salt, platform, authorID string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(platform))
	mac.Write([]byte{'|'})
	mac.Write([]byte(authorID))
	return hex.EncodeToString(mac.Sum(nil))
}

func contentHash(normText, normURL string) string {
	sum := sha256.Sum256([]byte(normText + "\n" + normURL))
	return hex.EncodeToString(sum[:])
}

// normalizeText collapses runs of whitespace and trims the result, so
// formatting differences do not defeat exact-duplicate detection.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// normalizeURL lowercases scheme and host and drops the fragment; tracking
// noise in queries is kept since dropping it can merge genuinely distinct
// pages.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/")
}
