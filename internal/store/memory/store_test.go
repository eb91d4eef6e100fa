package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medialens/arena-collector/internal/arena"
)

func seedJob(t *testing.T, s *JobStore, platforms ...string) arena.Job {
	t.Helper()
	job := arena.Job{
		ID:        "job-1",
		Status:    arena.JobStatusQueued,
		Submitted: time.Unix(1700000000, 0).UTC(),
	}
	runs := make([]arena.ArenaRun, 0, len(platforms))
	for _, p := range platforms {
		runs = append(runs, arena.ArenaRun{JobID: job.ID, Platform: p, Status: arena.ArenaStatusQueued})
	}
	require.NoError(t, s.CreateJob(context.Background(), job, runs))
	return job
}

func finishRun(t *testing.T, s *JobStore, platform string, status arena.ArenaStatus) {
	t.Helper()
	now := time.Unix(1700000100, 0).UTC()
	require.NoError(t, s.UpdateRun(context.Background(), arena.ArenaRun{
		JobID:    "job-1",
		Platform: platform,
		Status:   status,
		Started:  &now,
		Finished: &now,
	}))
}

func TestJobStatusDerivedFromRuns(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	seedJob(t, s, "reddit", "youtube", "tiktok", "tumblr")

	finishRun(t, s, "reddit", arena.ArenaStatusSucceeded)
	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, arena.JobStatusRunning, job.Status, "siblings still pending")
	require.Nil(t, job.Finished)

	finishRun(t, s, "youtube", arena.ArenaStatusSucceeded)
	finishRun(t, s, "tiktok", arena.ArenaStatusSucceeded)
	finishRun(t, s, "tumblr", arena.ArenaStatusFailed)

	job, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, arena.JobStatusPartial, job.Status, "three succeeded, one failed")
	require.NotNil(t, job.Finished)
}

func TestAllRunsFailedMeansJobFailed(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	seedJob(t, s, "reddit", "youtube")
	finishRun(t, s, "reddit", arena.ArenaStatusFailed)
	finishRun(t, s, "youtube", arena.ArenaStatusFailed)

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, arena.JobStatusFailed, job.Status)
}

func TestCancellationIsSticky(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()
	seedJob(t, s, "reddit", "youtube")

	require.NoError(t, s.CancelJob(ctx, "job-1"))
	require.NoError(t, s.CancelJob(ctx, "job-1"), "idempotent")

	canceled, err := s.Canceled(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, canceled)

	// Runs that were in flight still record their outcomes, but the job
	// status stays canceled.
	finishRun(t, s, "reddit", arena.ArenaStatusSucceeded)
	finishRun(t, s, "youtube", arena.ArenaStatusFailed)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, arena.JobStatusCanceled, job.Status)
	require.NotNil(t, job.Finished)

	runs, err := s.ListRuns(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, arena.ArenaStatusSucceeded, runs[0].Status)
}

func TestUnknownJobAndRun(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	ctx := context.Background()

	_, err := s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListRuns(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Canceled(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.CancelJob(ctx, "missing"), ErrNotFound)

	seedJob(t, s, "reddit")
	err = s.UpdateRun(ctx, arena.ArenaRun{JobID: "job-1", Platform: "youtube"})
	require.Error(t, err, "platform without a seeded run")
}

func TestDuplicateJobRejected(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	seedJob(t, s, "reddit")
	err := s.CreateJob(context.Background(), arena.Job{ID: "job-1"}, nil)
	require.Error(t, err)
}
