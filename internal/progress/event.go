// Package progress provides the event primitives and the non-blocking hub
// that workers use to report collection progress. Events batch on a
// background goroutine and fan out to pluggable sinks (structured logs,
// Prometheus, the downstream publisher).
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageArenaStart Stage = "ARENA_START"
	StageItem       Stage = "ITEM"
	StageArenaDone  Stage = "ARENA_DONE"
	StageArenaError Stage = "ARENA_ERROR"
	StageJobDone    Stage = "JOB_DONE"
)

// Event is one unit of collection progress.
type Event struct {
	// JobID identifies the job run.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage is the lifecycle milestone.
	Stage Stage `json:"stage"`
	// Platform scopes arena-level events.
	Platform string `json:"platform,omitempty"`
	// Items carries the item count delta (ITEM) or total (ARENA_DONE).
	Items int64 `json:"items,omitempty"`
	// Duplicates counts items flagged by the dedupe index.
	Duplicates int64 `json:"duplicates,omitempty"`
	// Dur captures elapsed time for terminal events.
	Dur time.Duration `json:"dur,omitempty"`
	// Note attaches low-volume context such as error text. Never secrets.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone:
	case StageArenaStart, StageItem, StageArenaDone, StageArenaError:
		if e.Platform == "" {
			return fmt.Errorf("%s requires platform", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
