// Package arena defines the core types shared across the collection subsystems.
package arena

import (
	"time"
)

// Tier is the cost/capability level a collector may support.
type Tier string

// Supported credential/collection tiers.
const (
	TierFree    Tier = "free"
	TierMedium  Tier = "medium"
	TierPremium Tier = "premium"
)

// TemporalMode declares a collector's capability for retrieving data over time.
type TemporalMode string

// Supported temporal modes.
const (
	TemporalHistorical  TemporalMode = "historical"
	TemporalRecent      TemporalMode = "recent"
	TemporalForwardOnly TemporalMode = "forward_only"
	TemporalMixed       TemporalMode = "mixed"
)

// Descriptor is the static metadata a collector registers with.
type Descriptor struct {
	// Platform uniquely identifies the collector within the registry.
	Platform string `json:"platform"`
	// Arena is a non-unique grouping label (e.g. "social", "search", "forums").
	Arena    string       `json:"arena"`
	Tiers    []Tier       `json:"tiers"`
	Temporal TemporalMode `json:"temporal_mode"`
}

// SupportsTier reports whether the descriptor lists the given tier.
func (d Descriptor) SupportsTier(t Tier) bool {
	for _, have := range d.Tiers {
		if have == t {
			return true
		}
	}
	return false
}

// DateRange bounds a terms collection. Zero values mean unbounded.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// JobStatus represents the lifecycle state of a collection job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// ArenaStatus is the lifecycle state of a single (job, arena) run.
type ArenaStatus string

// Per-arena status values. An arena run never reaches "partial"; partiality
// is a job-level aggregate.
const (
	ArenaStatusQueued    ArenaStatus = "queued"
	ArenaStatusRunning   ArenaStatus = "running"
	ArenaStatusSucceeded ArenaStatus = "succeeded"
	ArenaStatusFailed    ArenaStatus = "failed"
)

// JobParameters captures what a caller wants collected.
type JobParameters struct {
	Platforms  []string          `json:"platforms"`
	TermGroups [][]string        `json:"term_groups,omitempty"`
	Actors     []string          `json:"actors,omitempty"`
	Languages  []string          `json:"languages,omitempty"`
	Tier       Tier              `json:"tier"`
	Range      DateRange         `json:"date_range,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Job is the metadata persisted for each submitted collection request.
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	// EstimatedCost sums the per-platform spend predictions from collectors
	// that can estimate. Zero when no selected collector estimates.
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// RunCounters tracks per-arena collection stats.
type RunCounters struct {
	ItemsCollected  int `json:"items_collected"`
	ItemsNormalized int `json:"items_normalized"`
	ItemsDropped    int `json:"items_dropped"`
	Duplicates      int `json:"duplicates"`
	Retries         int `json:"retries"`
}

// ArenaRun is the persisted state of one (job, arena) pair.
type ArenaRun struct {
	JobID     string      `json:"job_id"`
	Platform  string      `json:"platform"`
	Status    ArenaStatus `json:"status"`
	ErrorText string      `json:"error_text,omitempty"`
	Counters  RunCounters `json:"counters"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
}

// RawItem is an untyped payload as returned by a platform, before
// normalization. Collectors must preserve it verbatim for passthrough.
type RawItem map[string]any

// Credential is a decrypted, usable set of platform secrets handed to a
// collector for the duration of a lease. Secrets must never be logged.
type Credential struct {
	ID       string
	Platform string
	Tier     Tier
	Label    string
	Secrets  map[string]string
}

// AggregateJobStatus derives the job-level status from its arena runs.
// One failed arena never forces siblings out of their own outcome: the job
// is partial when successes and failures coexist, failed only when every
// arena failed.
func AggregateJobStatus(runs []ArenaRun) JobStatus {
	var succeeded, failed, pending int
	for _, run := range runs {
		switch run.Status {
		case ArenaStatusSucceeded:
			succeeded++
		case ArenaStatusFailed:
			failed++
		default:
			pending++
		}
	}
	switch {
	case pending > 0:
		return JobStatusRunning
	case failed == 0 && succeeded > 0:
		return JobStatusSucceeded
	case succeeded == 0 && failed > 0:
		return JobStatusFailed
	case succeeded > 0 && failed > 0:
		return JobStatusPartial
	default:
		return JobStatusQueued
	}
}
