package engine

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/pattern-cli/internal/config"
	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/pattern"
)

// runStore implements pattern.Store in memory, tracking run records and
// created patterns.
type runStore struct {
	patterns map[string]*model.DetectedPattern
	runs     map[string]*model.AnalysisRun
	active   bool
	nextID   int
}

func newRunStore() *runStore {
	return &runStore{
		patterns: map[string]*model.DetectedPattern{},
		runs:     map[string]*model.AnalysisRun{},
	}
}

func (s *runStore) StartRun(_ context.Context, runType model.RunType) (*model.AnalysisRun, error) {
	if s.active {
		return nil, pattern.ErrRunInProgress
	}
	s.active = true
	s.nextID++
	run := &model.AnalysisRun{
		ID:        fmt.Sprintf("run-%d", s.nextID),
		Type:      runType,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *runStore) CompleteRun(_ context.Context, runID string, c model.RunCounters) error {
	now := time.Now().UTC()
	r := s.runs[runID]
	r.Status = model.RunCompleted
	r.Counters = c
	r.CompletedAt = &now
	s.active = false
	return nil
}

func (s *runStore) FailRun(_ context.Context, runID string, errMsg string, c model.RunCounters) error {
	now := time.Now().UTC()
	r := s.runs[runID]
	r.Status = model.RunFailed
	r.Error = errMsg
	r.Counters = c
	r.CompletedAt = &now
	s.active = false
	return nil
}

func (s *runStore) CreatePattern(_ context.Context, p *model.DetectedPattern) error {
	if p.ID == "" {
		s.nextID++
		p.ID = fmt.Sprintf("p-%d", s.nextID)
	}
	cp := *p
	s.patterns[p.ID] = &cp
	return nil
}

func (s *runStore) UpdatePattern(_ context.Context, p *model.DetectedPattern) error {
	cp := *p
	s.patterns[p.ID] = &cp
	return nil
}

func (s *runStore) ListByStatus(_ context.Context, statuses ...model.PatternStatus) ([]model.DetectedPattern, error) {
	want := map[model.PatternStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.DetectedPattern
	for _, p := range s.patterns {
		if want[p.Status] {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *runStore) GetPattern(context.Context, string) (*model.DetectedPattern, error) {
	return nil, pattern.ErrNotFound
}
func (s *runStore) Trending(context.Context, int) ([]model.DetectedPattern, error) { return nil, nil }
func (s *runStore) Nearby(context.Context, float64, float64, float64, int, []model.PatternStatus) ([]model.NearbyPattern, error) {
	return nil, nil
}
func (s *runStore) ReplaceLinks(context.Context, string, []model.PatternReportLink) error {
	return nil
}
func (s *runStore) SetNarrative(context.Context, string, string, string, string, time.Time) error {
	return nil
}
func (s *runStore) FreshInsight(context.Context, string, model.InsightType, time.Time) (*model.PatternInsight, error) {
	return nil, pattern.ErrNotFound
}
func (s *runStore) SaveInsight(context.Context, *model.PatternInsight) error { return nil }
func (s *runStore) MarkInsightsStale(context.Context, string) error          { return nil }
func (s *runStore) LatestDigest(context.Context, time.Time) (*model.PatternInsight, error) {
	return nil, pattern.ErrNotFound
}
func (s *runStore) ListRuns(context.Context, int) ([]model.AnalysisRun, error) { return nil, nil }
func (s *runStore) Migrate(context.Context) error                              { return nil }
func (s *runStore) Close() error                                               { return nil }

// reportSource implements report.Store over a fixed slice.
type reportSource struct {
	reports []model.Report
	err     error
}

func (r *reportSource) Qualifying(context.Context, time.Time) ([]model.Report, error) {
	return r.reports, r.err
}

func clusterReports(n int, daysAgo int) []model.Report {
	out := make([]model.Report, n)
	for i := range out {
		lat := 30.0 + 0.05*float64(i%3)
		lng := -97.0 + 0.05*math.Floor(float64(i)/3)
		event := time.Now().UTC().AddDate(0, 0, -daysAgo-i%5)
		out[i] = model.Report{
			ID:        fmt.Sprintf("r%d", i),
			Category:  "lights",
			Latitude:  &lat,
			Longitude: &lng,
			EventDate: &event,
			Status:    model.ReportStatusApproved,
		}
	}
	return out
}

func testParams() Params {
	return ResolveParams(config.DetectConfig{
		EpsKm:     50,
		MinPoints: 5,
		DaysBack:  365,
		WeeksBack: 52,
		YearsBack: 3,
	}, nil)
}

func TestRun_DetectsAndCompletes(t *testing.T) {
	store := newRunStore()
	src := &reportSource{reports: clusterReports(9, 10)}
	orch := New(store, src, testParams())

	run, err := orch.Run(context.Background(), model.RunIncremental)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, 9, run.Counters.ReportsAnalyzed)
	assert.GreaterOrEqual(t, run.Counters.PatternsDetected, 1)
	require.NotNil(t, store.runs[run.ID].CompletedAt)

	found := false
	for _, p := range store.patterns {
		if p.Type == model.PatternGeographicCluster {
			found = true
			assert.Equal(t, model.StatusEmerging, p.Status)
			assert.Equal(t, run.ID, p.LastRunID)
		}
	}
	assert.True(t, found, "expected a geographic cluster pattern")
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	store := newRunStore()
	store.active = true
	orch := New(store, &reportSource{}, testParams())

	_, err := orch.Run(context.Background(), model.RunFull)
	require.Error(t, err)
	assert.True(t, eris.Is(err, pattern.ErrRunInProgress))
}

func TestRun_ReportLoadFailureRecorded(t *testing.T) {
	store := newRunStore()
	src := &reportSource{err: eris.New("connection refused")}
	orch := New(store, src, testParams())

	run, err := orch.Run(context.Background(), model.RunFull)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunFailed, run.Status)

	stored := store.runs[run.ID]
	assert.Equal(t, model.RunFailed, stored.Status)
	assert.Contains(t, stored.Error, "connection refused")
	require.NotNil(t, stored.CompletedAt)
	assert.False(t, store.active, "a failed run must release the slot")
}

func TestRun_DetectorFailureRecorded(t *testing.T) {
	store := newRunStore()
	src := &reportSource{reports: clusterReports(6, 10)}
	params := testParams()
	params.Cluster.EpsKm = 0 // rejected by the detector

	orch := New(store, src, params)
	run, err := orch.Run(context.Background(), model.RunIncremental)
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Contains(t, store.runs[run.ID].Error, "cluster detection")
}

func TestRun_EmptyCorpusCompletesQuietly(t *testing.T) {
	store := newRunStore()
	orch := New(store, &reportSource{}, testParams())

	run, err := orch.Run(context.Background(), model.RunFull)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Zero(t, run.Counters.ReportsAnalyzed)
	assert.Zero(t, run.Counters.PatternsDetected)
}

func TestResolveParams_TuningOverrides(t *testing.T) {
	eps := 25.0
	frames := 5
	threshold := 3.0
	tuning := &config.Tuning{
		Cluster:  config.ClusterTuning{EpsKm: &eps},
		Temporal: config.TemporalTuning{SpikeThreshold: &threshold},
		Wave:     config.WaveTuning{MinFrames: &frames},
	}

	p := ResolveParams(config.DetectConfig{EpsKm: 50, MinPoints: 5, DaysBack: 365, WeeksBack: 52, YearsBack: 3}, tuning)
	assert.Equal(t, 25.0, p.Cluster.EpsKm)
	assert.Equal(t, 25.0, p.Wave.EpsKm)
	assert.Equal(t, 5, p.Wave.MinFrames)
	assert.Equal(t, defaultFrameDays, p.Wave.FrameDays)
	assert.Equal(t, 3.0, p.SpikeThreshold)
}
