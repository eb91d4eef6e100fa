package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/medialens/arena-collector/internal/progress"
)

// PrometheusSink exports collection progress via Prometheus. It owns the
// collectors for jobs started/running and per-platform arena outcomes.
type PrometheusSink struct {
	jobsStarted prometheus.Counter
	jobsRunning prometheus.Gauge
	jobRuntime  prometheus.Histogram

	arenaRuns    *prometheus.CounterVec
	arenaRuntime *prometheus.HistogramVec
	itemsFlowed  *prometheus.CounterVec
	dupesFlowed  *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collection_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collection_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collection_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		arenaRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collection_arena_runs_completed_total",
			Help: "Arena runs completed partitioned by platform and result.",
		}, []string{"platform", "result"}),
		arenaRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collection_arena_runtime_seconds",
			Help:    "Wall time per arena run partitioned by platform.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"platform"}),
		itemsFlowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collection_items_total",
			Help: "Items emitted through the pipeline per platform.",
		}, []string{"platform"}),
		dupesFlowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collection_duplicates_total",
			Help: "Items flagged as duplicates per platform.",
		}, []string{"platform"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsRunning,
		s.jobRuntime,
		s.arenaRuns,
		s.arenaRuntime,
		s.itemsFlowed,
		s.dupesFlowed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		if evt.Dur > 0 {
			s.jobRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.StageItem:
		s.itemsFlowed.WithLabelValues(evt.Platform).Add(max64(evt.Items, 1))
		if evt.Duplicates > 0 {
			s.dupesFlowed.WithLabelValues(evt.Platform).Add(float64(evt.Duplicates))
		}
	case progress.StageArenaDone:
		s.arenaRuns.WithLabelValues(evt.Platform, "success").Inc()
		if evt.Dur > 0 {
			s.arenaRuntime.WithLabelValues(evt.Platform).Observe(evt.Dur.Seconds())
		}
	case progress.StageArenaError:
		s.arenaRuns.WithLabelValues(evt.Platform, "error").Inc()
		if evt.Dur > 0 {
			s.arenaRuntime.WithLabelValues(evt.Platform).Observe(evt.Dur.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func max64(v, floor int64) float64 {
	if v < floor {
		v = floor
	}
	return float64(v)
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
