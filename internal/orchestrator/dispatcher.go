package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/progress"
)

// Dispatcher accepts job requests, expands them into per-arena tasks, and
// fans the task queue out to a pool of workers.
type Dispatcher struct {
	queue    arena.Queue
	jobs     arena.JobStore
	registry *arena.Registry
	ids      arena.IDGenerator
	clock    arena.Clock
	emitter  progress.Emitter
	workers  []*Worker
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	queue arena.Queue,
	jobs arena.JobStore,
	registry *arena.Registry,
	ids arena.IDGenerator,
	clock arena.Clock,
	emitter progress.Emitter,
	workers []*Worker,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		jobs:     jobs,
		registry: registry,
		ids:      ids,
		clock:    clock,
		emitter:  emitter,
		workers:  workers,
		logger:   logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// SubmitJob validates the request, persists the job with one queued run per
// platform, and enqueues the arena tasks.
func (d *Dispatcher) SubmitJob(ctx context.Context, params arena.JobParameters) (arena.Job, error) {
	if err := validateParams(params); err != nil {
		return arena.Job{}, err
	}
	var estimated float64
	for _, platform := range params.Platforms {
		collector, err := d.registry.Get(platform)
		if err != nil {
			return arena.Job{}, err
		}
		if est, ok := collector.(arena.CostEstimator); ok {
			estimated += est.EstimateCost(params)
		}
	}

	id, err := d.ids.NewID()
	if err != nil {
		return arena.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := d.clock.Now()
	job := arena.Job{
		ID:            id,
		Status:        arena.JobStatusQueued,
		Submitted:     now,
		Parameters:    params,
		EstimatedCost: estimated,
	}
	runs := make([]arena.ArenaRun, 0, len(params.Platforms))
	for _, platform := range params.Platforms {
		runs = append(runs, arena.ArenaRun{
			JobID:    id,
			Platform: platform,
			Status:   arena.ArenaStatusQueued,
		})
	}
	if err := d.jobs.CreateJob(ctx, job, runs); err != nil {
		return arena.Job{}, fmt.Errorf("create job: %w", err)
	}

	d.emitter.Emit(progress.Event{JobID: id, TS: now, Stage: progress.StageJobStart})

	for _, platform := range params.Platforms {
		task := arena.Task{
			JobID:     id,
			Platform:  platform,
			Params:    params,
			Submitted: now.Unix(),
		}
		if err := d.queue.Enqueue(ctx, task); err != nil {
			return job, fmt.Errorf("enqueue arena task for %s: %w", platform, err)
		}
	}

	d.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.Strings("platforms", params.Platforms),
		zap.String("tier", string(params.Tier)),
		zap.Float64("estimated_cost", estimated),
	)
	return job, nil
}

// Cancel marks the job canceled. Running arenas observe the flag between
// items; queued arenas fail fast when dequeued.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	if err := d.jobs.CancelJob(ctx, jobID); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	d.logger.Info("job canceled", zap.String("job_id", jobID))
	return nil
}

// Status returns the job and its per-arena runs.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (arena.Job, []arena.ArenaRun, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return arena.Job{}, nil, err
	}
	runs, err := d.jobs.ListRuns(ctx, jobID)
	if err != nil {
		return arena.Job{}, nil, err
	}
	return job, runs, nil
}

func validateParams(params arena.JobParameters) error {
	if len(params.Platforms) == 0 {
		return arena.Configf("job has no platforms")
	}
	if len(params.TermGroups) == 0 && len(params.Actors) == 0 {
		return arena.Configf("job has neither term groups nor actors")
	}
	for _, group := range params.TermGroups {
		if len(group) == 0 {
			return arena.Configf("job has an empty term group")
		}
	}
	switch params.Tier {
	case arena.TierFree, arena.TierMedium, arena.TierPremium:
	default:
		return arena.Configf("unknown tier %q", params.Tier)
	}
	return nil
}
