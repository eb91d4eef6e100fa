package arena

import "time"

// ContentType is a coarse classification of a collected item.
type ContentType string

// Known content types; collectors may introduce platform-specific ones.
const (
	ContentPost    ContentType = "post"
	ContentComment ContentType = "comment"
	ContentVideo   ContentType = "video"
	ContentArticle ContentType = "article"
	ContentImage   ContentType = "image"
)

// Engagement holds the raw per-platform interaction counters. A counter the
// platform does not expose stays at -1 so "unknown" is distinguishable
// from zero.
type Engagement struct {
	Views    int64 `json:"views"`
	Likes    int64 `json:"likes"`
	Shares   int64 `json:"shares"`
	Comments int64 `json:"comments"`
}

// UnknownEngagement returns an Engagement with every counter unset.
func UnknownEngagement() Engagement {
	return Engagement{Views: -1, Likes: -1, Shares: -1, Comments: -1}
}

// UniversalRecord is the single normalized schema every collected item
// converges to. It is immutable after normalization except for DuplicateOf,
// which the dedupe index may set retroactively.
type UniversalRecord struct {
	ID          string      `json:"id"`
	Platform    string      `json:"platform"`
	Arena       string      `json:"arena"`
	PlatformID  string      `json:"platform_id"`
	ContentType ContentType `json:"content_type"`

	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
	URL   string `json:"url,omitempty"`

	AuthorDisplayName     string `json:"author_display_name,omitempty"`
	AuthorPlatformID      string `json:"author_platform_id,omitempty"`
	PseudonymizedAuthorID string `json:"pseudonymized_author_id,omitempty"`
	// PseudonymBypass marks records whose author was left identifiable via
	// the public-figure override. The reason is an audit requirement, not
	// free-form metadata.
	PseudonymBypass       bool   `json:"pseudonym_bypass,omitempty"`
	PseudonymBypassReason string `json:"pseudonym_bypass_reason,omitempty"`

	Language    string    `json:"language,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	CollectedAt time.Time `json:"collected_at"`

	Engagement Engagement `json:"engagement"`
	// EngagementScore is a log-scaled 0-100 signal derived from the raw
	// counters with per-platform weights. It is comparable only between
	// records of the same platform; EngagementComparable is always false to
	// warn downstream consumers off cross-platform comparisons.
	EngagementScore      float64 `json:"engagement_score"`
	EngagementComparable bool    `json:"engagement_comparable"`

	ContentHash string `json:"content_hash"`
	SimHash     uint64 `json:"simhash"`
	// DuplicateOf points at the record this one duplicates (exact or near).
	// Any number of records may reference the same target.
	DuplicateOf   string `json:"duplicate_of,omitempty"`
	NearDuplicate bool   `json:"near_duplicate,omitempty"`

	Raw RawItem `json:"raw,omitempty"`
}
