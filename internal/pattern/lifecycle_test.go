package pattern

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/pattern-cli/internal/detect"
	"github.com/fieldsight/pattern-cli/internal/model"
)

// memStore is an in-memory Store for lifecycle tests. Only the methods the
// Reconciler touches do real work.
type memStore struct {
	patterns map[string]*model.DetectedPattern
	links    map[string][]model.PatternReportLink
	staled   map[string]int
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		patterns: map[string]*model.DetectedPattern{},
		links:    map[string][]model.PatternReportLink{},
		staled:   map[string]int{},
	}
}

func (m *memStore) CreatePattern(_ context.Context, p *model.DetectedPattern) error {
	if p.ID == "" {
		m.nextID++
		p.ID = fmt.Sprintf("p%d", m.nextID)
	}
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *memStore) UpdatePattern(_ context.Context, p *model.DetectedPattern) error {
	if _, ok := m.patterns[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *memStore) GetPattern(_ context.Context, id string) (*model.DetectedPattern, error) {
	p, ok := m.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListByStatus(_ context.Context, statuses ...model.PatternStatus) ([]model.DetectedPattern, error) {
	want := map[model.PatternStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []model.DetectedPattern
	for _, p := range m.patterns {
		if want[p.Status] {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) Trending(context.Context, int) ([]model.DetectedPattern, error) { return nil, nil }

func (m *memStore) Nearby(context.Context, float64, float64, float64, int, []model.PatternStatus) ([]model.NearbyPattern, error) {
	return nil, nil
}

func (m *memStore) ReplaceLinks(_ context.Context, patternID string, links []model.PatternReportLink) error {
	m.links[patternID] = links
	if p, ok := m.patterns[patternID]; ok {
		p.ReportCount = len(links)
	}
	return nil
}

func (m *memStore) SetNarrative(context.Context, string, string, string, string, time.Time) error {
	return nil
}

func (m *memStore) FreshInsight(context.Context, string, model.InsightType, time.Time) (*model.PatternInsight, error) {
	return nil, ErrNotFound
}

func (m *memStore) SaveInsight(context.Context, *model.PatternInsight) error { return nil }

func (m *memStore) MarkInsightsStale(_ context.Context, patternID string) error {
	m.staled[patternID]++
	return nil
}

func (m *memStore) LatestDigest(context.Context, time.Time) (*model.PatternInsight, error) {
	return nil, ErrNotFound
}

func (m *memStore) StartRun(context.Context, model.RunType) (*model.AnalysisRun, error) {
	return nil, nil
}
func (m *memStore) CompleteRun(context.Context, string, model.RunCounters) error { return nil }
func (m *memStore) FailRun(context.Context, string, string, model.RunCounters) error {
	return nil
}
func (m *memStore) ListRuns(context.Context, int) ([]model.AnalysisRun, error) { return nil, nil }
func (m *memStore) Migrate(context.Context) error                              { return nil }
func (m *memStore) Close() error                                               { return nil }

func clusterCandidate(lat, lng, significance float64, reports int) detect.Candidate {
	radius := 20.0
	refs := make([]detect.ReportRef, reports)
	for i := range refs {
		refs[i] = detect.ReportRef{ReportID: fmt.Sprintf("r%d", i), Relevance: 0.9}
	}
	return detect.Candidate{
		Type:         model.PatternGeographicCluster,
		Significance: significance,
		Confidence:   0.6,
		CenterLat:    &lat,
		CenterLng:    &lng,
		RadiusKm:     &radius,
		Metadata:     model.NewClusterMetadata(model.ClusterMeta{DensityPerKm2: 0.3, RadiusKm: radius}),
		Categories:   []string{"lights"},
		Reports:      refs,
		MinPoints:    5,
	}
}

func onlyPattern(t *testing.T, store *memStore) *model.DetectedPattern {
	t.Helper()
	require.Len(t, store.patterns, 1)
	for _, p := range store.patterns {
		return p
	}
	return nil
}

func TestReconcile_NewCandidateStartsEmerging(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)

	counters, err := rec.Reconcile(context.Background(), "run-1", []detect.Candidate{
		clusterCandidate(30.0, -97.0, 0.7, 6),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.PatternsDetected)

	p := onlyPattern(t, store)
	assert.Equal(t, model.StatusEmerging, p.Status)
	assert.Equal(t, 1, p.RunsObserved)
	assert.Equal(t, "run-1", p.LastRunID)
	assert.Len(t, store.links[p.ID], 6)
}

func TestReconcile_PromotesToActiveAfterSecondRun(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "run-1", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.6, 6)})
	require.NoError(t, err)

	// Centroid drifts slightly but stays within eps; significance holds.
	counters, err := rec.Reconcile(ctx, "run-2", []detect.Candidate{clusterCandidate(30.1, -97.05, 0.65, 7)})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.PatternsUpdated)
	assert.Equal(t, 0, counters.PatternsDetected)

	p := onlyPattern(t, store)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, 2, p.RunsObserved)
	require.NotNil(t, p.PrevSignificance)
	assert.InDelta(t, 0.6, *p.PrevSignificance, 1e-9)
}

func TestReconcile_DistantCandidateIsNewPattern(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "run-1", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.6, 6)})
	require.NoError(t, err)

	counters, err := rec.Reconcile(ctx, "run-2", []detect.Candidate{clusterCandidate(35.0, -90.0, 0.6, 6)})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.PatternsDetected)
	assert.Len(t, store.patterns, 2)
}

func TestReconcile_SignificanceDropMovesToDeclining(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "run-1", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.8, 8)})
	require.NoError(t, err)
	_, err = rec.Reconcile(ctx, "run-2", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.8, 8)})
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, onlyPattern(t, store).Status)

	// 0.5 < 0.8 * 0.8: below the decline threshold.
	_, err = rec.Reconcile(ctx, "run-3", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.5, 5)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeclining, onlyPattern(t, store).Status)
}

func TestReconcile_DecliningReactivatesOnGrowth(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	sigs := []float64{0.8, 0.8, 0.5}
	for i, sig := range sigs {
		_, err := rec.Reconcile(ctx, fmt.Sprintf("run-%d", i+1), []detect.Candidate{clusterCandidate(30.0, -97.0, sig, 6)})
		require.NoError(t, err)
	}
	require.Equal(t, model.StatusDeclining, onlyPattern(t, store).Status)

	_, err := rec.Reconcile(ctx, "run-4", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.9, 9)})
	require.NoError(t, err)

	p := onlyPattern(t, store)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, 0, p.RunsSinceGrowth)
}

func TestReconcile_UndetectedPatternAgesOut(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "run-1", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.8, 8)})
	require.NoError(t, err)
	_, err = rec.Reconcile(ctx, "run-2", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.8, 8)})
	require.NoError(t, err)

	// Two empty runs: active -> declining -> historical.
	_, err = rec.Reconcile(ctx, "run-3", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeclining, onlyPattern(t, store).Status)

	counters, err := rec.Reconcile(ctx, "run-4", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.PatternsArchived)
	assert.Equal(t, model.StatusHistorical, onlyPattern(t, store).Status)

	// Historical patterns are outside the live set and stay put.
	_, err = rec.Reconcile(ctx, "run-5", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHistorical, onlyPattern(t, store).Status)
	assert.Equal(t, "run-4", onlyPattern(t, store).LastRunID)
}

func TestReconcile_NeverReturnsToEmerging(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	sigs := []float64{0.8, 0.8, 0.4, 0.9}
	for i, sig := range sigs {
		_, err := rec.Reconcile(ctx, fmt.Sprintf("run-%d", i+1), []detect.Candidate{clusterCandidate(30.0, -97.0, sig, 6)})
		require.NoError(t, err)
		assert.NotEqual(t, model.StatusEmerging, onlyPattern(t, store).Status, "run %d", i+1)
	}
}

func TestReconcile_StaleInsightOnDataChange(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, "run-1", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.6, 6)})
	require.NoError(t, err)
	p := onlyPattern(t, store)

	// Same measurements: nothing feeding the hash changed.
	_, err = rec.Reconcile(ctx, "run-2", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.6, 6)})
	require.NoError(t, err)
	assert.Equal(t, 0, store.staled[p.ID])

	_, err = rec.Reconcile(ctx, "run-3", []detect.Candidate{clusterCandidate(30.0, -97.0, 0.75, 9)})
	require.NoError(t, err)
	assert.Equal(t, 1, store.staled[p.ID])
}

func TestReconcile_TemporalMatchesOnDateWindow(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	start := time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	cand := detect.Candidate{
		Type:         model.PatternTemporalAnomaly,
		Significance: 0.8,
		Confidence:   0.7,
		DateStart:    &start,
		DateEnd:      &end,
		Metadata: model.NewTemporalMetadata(model.TemporalMeta{
			ZScore: 4.2, IsSpike: true, WindowWeeks: 52, LatestCount: 20, Mean: 10, StdDev: 2.4,
		}),
		Reports: []detect.ReportRef{{ReportID: "r1", Relevance: 1}},
	}

	_, err := rec.Reconcile(ctx, "run-1", []detect.Candidate{cand})
	require.NoError(t, err)

	counters, err := rec.Reconcile(ctx, "run-2", []detect.Candidate{cand})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.PatternsUpdated)
	assert.Len(t, store.patterns, 1)
}

func TestReconcile_HistoricalReactivatesOnRedetection(t *testing.T) {
	store := newMemStore()
	rec := NewReconciler(store, 50)
	ctx := context.Background()

	lat, lng, radius := 41.0, -87.0, 20.0
	require.NoError(t, store.CreatePattern(ctx, &model.DetectedPattern{
		Type:              model.PatternGeographicCluster,
		Status:            model.StatusHistorical,
		SignificanceScore: 0.4,
		ConfidenceScore:   0.5,
		CenterLat:         &lat,
		CenterLng:         &lng,
		RadiusKm:          &radius,
		RunsObserved:      6,
		RunsSinceGrowth:   3,
	}))

	counters, err := rec.Reconcile(ctx, "run-7", []detect.Candidate{clusterCandidate(41.0, -87.0, 0.7, 7)})
	require.NoError(t, err)
	assert.Equal(t, 1, counters.PatternsUpdated)
	assert.Equal(t, 0, counters.PatternsDetected)

	// The archived row comes back as active; no duplicate emerging pattern.
	p := onlyPattern(t, store)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, 0, p.RunsSinceGrowth)
	assert.InDelta(t, 0.7, p.SignificanceScore, 1e-9)
	assert.Equal(t, "run-7", p.LastRunID)
}
