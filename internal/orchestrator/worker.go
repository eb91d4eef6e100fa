// Package orchestrator runs collection jobs: it expands job requests into
// per-arena tasks, leases credentials, drives collectors through the rate
// limiter and pipeline, and maintains job and run state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/pipeline"
	"github.com/medialens/arena-collector/internal/pool"
	"github.com/medialens/arena-collector/internal/progress"
	"github.com/medialens/arena-collector/internal/ratelimit"
	"github.com/medialens/arena-collector/internal/telemetry"
)

// errJobCanceled aborts a stream between items when the job was canceled.
var errJobCanceled = errors.New("job canceled")

// RatePolicy is the per-platform sliding-window budget applied to a
// collector's outbound calls.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// Config controls Worker behavior.
type Config struct {
	// RecordsTopic receives normalized records and duplicate links.
	RecordsTopic string
	// ArchivePrefix prefixes raw payload archive object paths.
	ArchivePrefix string
	// RatePolicies maps platform to its window budget; DefaultRate applies
	// to platforms without an entry.
	RatePolicies map[string]RatePolicy
	DefaultRate  RatePolicy
}

// Worker consumes arena tasks and executes the collection pipeline.
type Worker struct {
	id       string
	queue    arena.Queue
	jobs     arena.JobStore
	registry *arena.Registry
	pool     *pool.Coordinator
	limiter  *ratelimit.Limiter
	pipe     *pipeline.Pipeline
	pub      arena.Publisher
	archive  arena.ArchiveStore
	emitter  progress.Emitter
	retry    arena.RetryPolicy
	clock    arena.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	queue arena.Queue,
	jobs arena.JobStore,
	registry *arena.Registry,
	credPool *pool.Coordinator,
	limiter *ratelimit.Limiter,
	pipe *pipeline.Pipeline,
	pub arena.Publisher,
	archive arena.ArchiveStore,
	emitter progress.Emitter,
	retry arena.RetryPolicy,
	clock arena.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultRate.Limit <= 0 {
		cfg.DefaultRate = RatePolicy{Limit: 5, Window: time.Second}
	}
	return &Worker{
		id:       id,
		queue:    queue,
		jobs:     jobs,
		registry: registry,
		pool:     credPool,
		limiter:  limiter,
		pipe:     pipe,
		pub:      pub,
		archive:  archive,
		emitter:  emitter,
		retry:    retry,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("worker").With(zap.String("worker_id", id)),
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		telemetry.IncActiveWorkers()
		w.processTask(ctx, task)
		telemetry.DecActiveWorkers()
	}
}

func (w *Worker) processTask(ctx context.Context, task arena.Task) {
	log := w.logger.With(zap.String("job_id", task.JobID), zap.String("platform", task.Platform))
	started := w.clock.Now()

	run := arena.ArenaRun{
		JobID:    task.JobID,
		Platform: task.Platform,
		Status:   arena.ArenaStatusRunning,
		Started:  &started,
	}

	if canceled, err := w.jobs.Canceled(ctx, task.JobID); err != nil {
		log.Error("cancellation check failed", zap.Error(err))
	} else if canceled {
		w.finishRun(ctx, run, arena.ArenaStatusFailed, "job canceled before start", started)
		return
	}

	collector, err := w.registry.Get(task.Platform)
	if err != nil {
		w.finishRun(ctx, run, arena.ArenaStatusFailed, err.Error(), started)
		return
	}

	// Tier validation precedes credential acquisition so an unsupported tier
	// spends nothing: no lease, no quota, no network.
	if !collector.Descriptor().SupportsTier(task.Params.Tier) {
		tierErr := arena.Configf("platform %s does not support tier %s", task.Platform, task.Params.Tier)
		w.finishRun(ctx, run, arena.ArenaStatusFailed, tierErr.Error(), started)
		return
	}

	if err := w.jobs.UpdateRun(ctx, run); err != nil {
		log.Error("run status update failed", zap.Error(err))
		return
	}
	w.emitter.Emit(progress.Event{
		JobID: task.JobID, TS: started, Stage: progress.StageArenaStart, Platform: task.Platform,
	})

	cred, err := w.pool.Acquire(ctx, task.Platform, task.Params.Tier, w.id)
	if err != nil {
		if errors.Is(err, arena.ErrConfiguration) {
			// Misconfiguration is fatal for the whole process, not a
			// per-arena outcome. Surface loudly and fail the run.
			log.Error("credential configuration failure", zap.Error(err))
		}
		w.finishRun(ctx, run, arena.ArenaStatusFailed, err.Error(), started)
		return
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := w.pool.Release(ctx, cred.ID, w.id); err != nil {
			log.Warn("credential release failed", zap.Error(err))
		}
	}
	defer release()

	counters, collectErr := w.collectWithRetry(ctx, task, collector, *cred)

	// The lease goes back before any state writes so the credential is
	// immediately reusable, cancellation included.
	release()

	if collectErr != nil {
		if !errors.Is(collectErr, errJobCanceled) {
			if reportErr := w.pool.ReportError(ctx, cred.ID); reportErr != nil {
				log.Warn("credential error report failed", zap.Error(reportErr))
			}
		}
		run.Counters = counters
		w.finishRun(ctx, run, arena.ArenaStatusFailed, collectErr.Error(), started)
		return
	}

	if err := w.pool.ReportSuccess(ctx, cred.ID); err != nil {
		log.Warn("credential success report failed", zap.Error(err))
	}
	run.Counters = counters
	w.finishRun(ctx, run, arena.ArenaStatusSucceeded, "", started)
}

// collectWithRetry drives the collector, retrying transient failures per the
// retry policy. Auth failures and cancellation never retry.
func (w *Worker) collectWithRetry(
	ctx context.Context,
	task arena.Task,
	collector arena.Collector,
	cred arena.Credential,
) (arena.RunCounters, error) {
	policy := w.ratePolicy(task.Platform)
	gate := w.limiter.Gate(w.rateKey(task.Platform, cred.ID), policy.Limit, policy.Window)

	attempt := 0
	for {
		counters, err := w.collectOnce(ctx, task, collector, cred, gate)
		counters.Retries = attempt
		if err == nil {
			return counters, nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return counters, err
		}
		attempt++
		backoff := w.retry.Backoff(attempt)
		w.logger.Warn("collection attempt failed, retrying",
			zap.String("job_id", task.JobID),
			zap.String("platform", task.Platform),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return arena.RunCounters{Retries: attempt}, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (w *Worker) collectOnce(
	ctx context.Context,
	task arena.Task,
	collector arena.Collector,
	cred arena.Credential,
	gate arena.Gate,
) (arena.RunCounters, error) {
	var counters arena.RunCounters
	var raws []arena.RawItem

	emit := func(item arena.RawItem) error {
		// Cancellation is honored between items, never mid-item.
		if canceled, err := w.jobs.Canceled(ctx, task.JobID); err == nil && canceled {
			return errJobCanceled
		}
		counters.ItemsCollected++
		raws = append(raws, item)

		rec, links, err := w.pipe.Process(task.JobID, item, collector)
		if err != nil {
			if errors.Is(err, arena.ErrNormalization) {
				counters.ItemsDropped++
				w.logger.Debug("item dropped",
					zap.String("job_id", task.JobID),
					zap.String("platform", task.Platform),
					zap.Error(err),
				)
				return nil
			}
			return err
		}
		counters.ItemsNormalized++
		if rec.DuplicateOf != "" {
			counters.Duplicates++
		}

		if err := w.publishRecord(ctx, task, rec, links); err != nil {
			return err
		}
		w.emitter.Emit(progress.Event{
			JobID:      task.JobID,
			TS:         w.clock.Now(),
			Stage:      progress.StageItem,
			Platform:   task.Platform,
			Items:      1,
			Duplicates: int64(boolToInt(rec.DuplicateOf != "")),
		})
		telemetry.ObserveItem(task.Platform, "collected")
		return nil
	}

	if len(task.Params.TermGroups) > 0 {
		req := arena.TermsRequest{
			Groups:     task.Params.TermGroups,
			Languages:  task.Params.Languages,
			Tier:       task.Params.Tier,
			Range:      task.Params.Range,
			Credential: cred,
		}
		if err := collector.CollectByTerms(ctx, req, gate, emit); err != nil {
			w.archiveRaw(ctx, task, raws)
			return counters, err
		}
	}
	if len(task.Params.Actors) > 0 {
		req := arena.ActorsRequest{
			Actors:     task.Params.Actors,
			Tier:       task.Params.Tier,
			Credential: cred,
		}
		if err := collector.CollectByActors(ctx, req, gate, emit); err != nil {
			w.archiveRaw(ctx, task, raws)
			return counters, err
		}
	}

	w.archiveRaw(ctx, task, raws)
	return counters, nil
}

// recordMessage is the envelope published for each pipeline output.
type recordMessage struct {
	Type   string                 `json:"type"`
	JobID  string                 `json:"job_id"`
	Record *arena.UniversalRecord `json:"record,omitempty"`
	Link   *pipeline.Link         `json:"link,omitempty"`
}

func (w *Worker) publishRecord(ctx context.Context, task arena.Task, rec arena.UniversalRecord, links []pipeline.Link) error {
	if _, err := w.pub.Publish(ctx, w.cfg.RecordsTopic, recordMessage{
		Type: "record", JobID: task.JobID, Record: &rec,
	}); err != nil {
		return arena.Collectionf("publish record: %v", err)
	}
	for i := range links {
		if _, err := w.pub.Publish(ctx, w.cfg.RecordsTopic, recordMessage{
			Type: "duplicate_link", JobID: task.JobID, Link: &links[i],
		}); err != nil {
			return arena.Collectionf("publish duplicate link: %v", err)
		}
	}
	return nil
}

// archiveRaw persists the raw payload passthrough for the run. Best effort:
// archive failures are logged, not fatal to the run.
func (w *Worker) archiveRaw(ctx context.Context, task arena.Task, raws []arena.RawItem) {
	if w.archive == nil || len(raws) == 0 {
		return
	}
	data, err := json.Marshal(raws)
	if err != nil {
		w.logger.Warn("raw archive marshal failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/%s.json", w.cfg.ArchivePrefix, task.JobID, task.Platform)
	if _, err := w.archive.PutObject(ctx, path, "application/json", data); err != nil {
		w.logger.Warn("raw archive write failed",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

// finishRun records the terminal run state, re-derives job status, and emits
// terminal events when the whole job settled.
func (w *Worker) finishRun(ctx context.Context, run arena.ArenaRun, status arena.ArenaStatus, errText string, started time.Time) {
	finished := w.clock.Now()
	run.Status = status
	run.ErrorText = errText
	run.Finished = &finished

	if err := w.jobs.UpdateRun(ctx, run); err != nil {
		w.logger.Error("final run update failed",
			zap.String("job_id", run.JobID),
			zap.String("platform", run.Platform),
			zap.Error(err),
		)
	}

	stage := progress.StageArenaDone
	result := "success"
	if status == arena.ArenaStatusFailed {
		stage = progress.StageArenaError
		result = "error"
	}
	w.emitter.Emit(progress.Event{
		JobID:    run.JobID,
		TS:       finished,
		Stage:    stage,
		Platform: run.Platform,
		Items:    int64(run.Counters.ItemsNormalized),
		Dur:      finished.Sub(started),
		Note:     errText,
	})
	telemetry.ObserveArenaRun(run.Platform, result)

	w.maybeFinishJob(ctx, run.JobID)
}

// maybeFinishJob emits JOB_DONE once every sibling run reached a terminal
// state. The job store derives the job status itself on every run update.
func (w *Worker) maybeFinishJob(ctx context.Context, jobID string) {
	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		w.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	switch job.Status {
	case arena.JobStatusSucceeded, arena.JobStatusPartial, arena.JobStatusFailed, arena.JobStatusCanceled:
	default:
		return
	}
	// A settled job will never process another item; its dedupe index can go.
	w.pipe.ReleaseJob(jobID)
	var dur time.Duration
	if job.Started != nil && job.Finished != nil {
		dur = job.Finished.Sub(*job.Started)
	}
	w.emitter.Emit(progress.Event{
		JobID: jobID,
		TS:    w.clock.Now(),
		Stage: progress.StageJobDone,
		Note:  string(job.Status),
		Dur:   dur,
	})
	telemetry.ObserveJob(string(job.Status))
}

func (w *Worker) ratePolicy(platform string) RatePolicy {
	if p, ok := w.cfg.RatePolicies[platform]; ok && p.Limit > 0 && p.Window > 0 {
		return p
	}
	return w.cfg.DefaultRate
}

func (w *Worker) rateKey(platform, credID string) string {
	return "rate:" + platform + ":" + credID
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
