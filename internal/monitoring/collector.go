// Package monitoring computes point-in-time health snapshots of the
// engine: run outcomes over a recent window and the current pattern
// population by lifecycle status.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/pattern"
)

// Snapshot holds a point-in-time view of engine health.
type Snapshot struct {
	RunsTotal      int        `json:"runs_total"`
	RunsCompleted  int        `json:"runs_completed"`
	RunsFailed     int        `json:"runs_failed"`
	RunFailRate    float64    `json:"run_fail_rate"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	ReportsLastRun int        `json:"reports_last_run"`

	PatternsEmerging   int `json:"patterns_emerging"`
	PatternsActive     int `json:"patterns_active"`
	PatternsDeclining  int `json:"patterns_declining"`
	PatternsHistorical int `json:"patterns_historical"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector builds snapshots from the pattern store.
type Collector struct {
	store pattern.Store
	now   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(store pattern.Store) *Collector {
	return &Collector{store: store, now: time.Now}
}

// Collect computes a snapshot over the most recent lookbackRuns runs.
func (c *Collector) Collect(ctx context.Context, lookbackRuns int) (*Snapshot, error) {
	if lookbackRuns <= 0 {
		lookbackRuns = 20
	}

	snap := &Snapshot{CollectedAt: c.now().UTC()}

	runs, err := c.store.ListRuns(ctx, lookbackRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.RunsTotal = len(runs)
	for i, r := range runs {
		if i == 0 {
			snap.LastRunAt = &r.StartedAt
			snap.LastRunStatus = string(r.Status)
			snap.ReportsLastRun = r.Counters.ReportsAnalyzed
		}
		switch r.Status {
		case model.RunCompleted:
			snap.RunsCompleted++
		case model.RunFailed:
			snap.RunsFailed++
		}
	}
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	patterns, err := c.store.ListByStatus(ctx,
		model.StatusEmerging, model.StatusActive,
		model.StatusDeclining, model.StatusHistorical)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list patterns")
	}
	for _, p := range patterns {
		switch p.Status {
		case model.StatusEmerging:
			snap.PatternsEmerging++
		case model.StatusActive:
			snap.PatternsActive++
		case model.StatusDeclining:
			snap.PatternsDeclining++
		case model.StatusHistorical:
			snap.PatternsHistorical++
		}
	}

	return snap, nil
}
