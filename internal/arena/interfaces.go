package arena

import (
	"context"
	"time"
)

// TermsRequest asks a collector to gather items matching term groups.
// Terms within a group are ANDed; groups are ORed.
type TermsRequest struct {
	Groups     [][]string
	Languages  []string
	Tier       Tier
	Range      DateRange
	Credential Credential
}

// ActorsRequest asks a collector to gather items authored by specific
// platform accounts.
type ActorsRequest struct {
	Actors     []string
	Tier       Tier
	Credential Credential
}

// EmitFunc receives one raw item at a time. Returning an error stops the
// stream; collectors must propagate it unchanged.
type EmitFunc func(item RawItem) error

// Gate throttles a collector's outbound network calls. The orchestrator
// binds it to the acquired credential's rate-limit key before dispatch.
type Gate interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// Collector is the protocol every platform-specific module implements.
// Collection streams are finite and one-shot per invocation: restartable by
// calling again, not resumable mid-stream.
type Collector interface {
	Descriptor() Descriptor
	CollectByTerms(ctx context.Context, req TermsRequest, gate Gate, emit EmitFunc) error
	CollectByActors(ctx context.Context, req ActorsRequest, gate Gate, emit EmitFunc) error
	// Normalize maps one raw item into the universal schema. It fills the
	// platform-owned fields only; pseudonymization, hashes, and engagement
	// scoring are applied downstream by the pipeline.
	Normalize(raw RawItem) (UniversalRecord, error)
}

// CostEstimator is an optional capability for collectors that can predict
// credential spend for a job before running it.
type CostEstimator interface {
	EstimateCost(params JobParameters) float64
}

// EngagementRefresher is an optional capability to re-fetch engagement
// counters for an already-collected record.
type EngagementRefresher interface {
	RefreshEngagement(ctx context.Context, rec UniversalRecord, cred Credential, gate Gate) (UniversalRecord, error)
}

// HealthChecker is an optional capability to probe platform reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Task wraps one (job, arena) pair ready to run.
type Task struct {
	JobID     string
	Platform  string
	Params    JobParameters
	Attempt   int
	Submitted int64
}

// Queue provides enqueue/dequeue semantics for arena tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// JobStore persists job and per-arena run state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job, runs []ArenaRun) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListRuns(ctx context.Context, jobID string) ([]ArenaRun, error)
	// UpdateRun replaces the run state for (jobID, platform) and re-derives
	// the job-level status from all sibling runs.
	UpdateRun(ctx context.Context, run ArenaRun) error
	CancelJob(ctx context.Context, jobID string) error
	Canceled(ctx context.Context, jobID string) (bool, error)
}

// Publisher hands normalized records and events to the downstream ingestion
// collaborator (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ArchiveStore persists raw payload passthrough blobs and returns a URI.
type ArchiveStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (injected for testability).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
