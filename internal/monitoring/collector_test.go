package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/pattern"
)

// statStore implements the two pattern.Store methods the collector reads.
type statStore struct {
	pattern.Store
	runs     []model.AnalysisRun
	patterns []model.DetectedPattern
}

func (s *statStore) ListRuns(_ context.Context, limit int) ([]model.AnalysisRun, error) {
	if len(s.runs) > limit {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func (s *statStore) ListByStatus(_ context.Context, statuses ...model.PatternStatus) ([]model.DetectedPattern, error) {
	want := map[model.PatternStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.DetectedPattern
	for _, p := range s.patterns {
		if want[p.Status] {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestCollect(t *testing.T) {
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := &statStore{
		runs: []model.AnalysisRun{
			{ID: "r3", Status: model.RunCompleted, StartedAt: started, Counters: model.RunCounters{ReportsAnalyzed: 140}},
			{ID: "r2", Status: model.RunFailed, StartedAt: started.Add(-time.Hour)},
			{ID: "r1", Status: model.RunCompleted, StartedAt: started.Add(-2 * time.Hour)},
		},
		patterns: []model.DetectedPattern{
			{ID: "p1", Status: model.StatusActive},
			{ID: "p2", Status: model.StatusActive},
			{ID: "p3", Status: model.StatusEmerging},
			{ID: "p4", Status: model.StatusHistorical},
		},
	}

	snap, err := NewCollector(store).Collect(context.Background(), 20)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 1e-9)
	require.NotNil(t, snap.LastRunAt)
	assert.Equal(t, started, *snap.LastRunAt)
	assert.Equal(t, 140, snap.ReportsLastRun)

	assert.Equal(t, 2, snap.PatternsActive)
	assert.Equal(t, 1, snap.PatternsEmerging)
	assert.Equal(t, 0, snap.PatternsDeclining)
	assert.Equal(t, 1, snap.PatternsHistorical)
}

func TestCollect_NoRuns(t *testing.T) {
	snap, err := NewCollector(&statStore{}).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Nil(t, snap.LastRunAt)
}
