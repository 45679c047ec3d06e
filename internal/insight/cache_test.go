package insight

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/pattern-cli/internal/config"
	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/pattern"
)

// fakeStore implements pattern.Store in memory for cache tests.
type fakeStore struct {
	mu       sync.Mutex
	patterns map[string]*model.DetectedPattern
	insights []*model.PatternInsight
	saves    int
}

func newFakeStore(patterns ...*model.DetectedPattern) *fakeStore {
	fs := &fakeStore{patterns: map[string]*model.DetectedPattern{}}
	for _, p := range patterns {
		fs.patterns[p.ID] = p
	}
	return fs
}

func (f *fakeStore) GetPattern(_ context.Context, id string) (*model.DetectedPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patterns[id]
	if !ok {
		return nil, pattern.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) FreshInsight(_ context.Context, patternID string, typ model.InsightType, now time.Time) (*model.PatternInsight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.insights) - 1; i >= 0; i-- {
		ins := f.insights[i]
		if ins.Type != typ || ins.PatternID == nil || *ins.PatternID != patternID {
			continue
		}
		if ins.Fresh(now) {
			cp := *ins
			return &cp, nil
		}
	}
	return nil, pattern.ErrNotFound
}

func (f *fakeStore) SaveInsight(_ context.Context, ins *model.PatternInsight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ins.ID == "" {
		ins.ID = fmt.Sprintf("ins%d", len(f.insights)+1)
	}
	cp := *ins
	f.insights = append(f.insights, &cp)
	f.saves++
	return nil
}

func (f *fakeStore) SetNarrative(_ context.Context, patternID, title, summary, narrative string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patterns[patternID]
	if !ok {
		return pattern.ErrNotFound
	}
	p.Title, p.Summary, p.Narrative = title, summary, narrative
	p.NarrativeGeneratedAt = &at
	return nil
}

func (f *fakeStore) MarkInsightsStale(_ context.Context, patternID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ins := range f.insights {
		if ins.PatternID != nil && *ins.PatternID == patternID {
			ins.IsStale = true
		}
	}
	return nil
}

func (f *fakeStore) LatestDigest(_ context.Context, now time.Time) (*model.PatternInsight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.insights) - 1; i >= 0; i-- {
		ins := f.insights[i]
		if ins.Type == model.InsightWeeklyDigest && ins.PatternID == nil && ins.Fresh(now) {
			cp := *ins
			return &cp, nil
		}
	}
	return nil, pattern.ErrNotFound
}

func (f *fakeStore) Trending(_ context.Context, limit int) ([]model.DetectedPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DetectedPattern
	for _, p := range f.patterns {
		if p.Status == model.StatusActive || p.Status == model.StatusEmerging {
			out = append(out, *p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) CreatePattern(context.Context, *model.DetectedPattern) error { return nil }
func (f *fakeStore) UpdatePattern(context.Context, *model.DetectedPattern) error { return nil }
func (f *fakeStore) ListByStatus(context.Context, ...model.PatternStatus) ([]model.DetectedPattern, error) {
	return nil, nil
}
func (f *fakeStore) Nearby(context.Context, float64, float64, float64, int, []model.PatternStatus) ([]model.NearbyPattern, error) {
	return nil, nil
}
func (f *fakeStore) ReplaceLinks(context.Context, string, []model.PatternReportLink) error {
	return nil
}
func (f *fakeStore) StartRun(context.Context, model.RunType) (*model.AnalysisRun, error) {
	return nil, nil
}
func (f *fakeStore) CompleteRun(context.Context, string, model.RunCounters) error { return nil }
func (f *fakeStore) FailRun(context.Context, string, string, model.RunCounters) error {
	return nil
}
func (f *fakeStore) ListRuns(context.Context, int) ([]model.AnalysisRun, error) { return nil, nil }
func (f *fakeStore) Migrate(context.Context) error                              { return nil }
func (f *fakeStore) Close() error                                               { return nil }

// fakeGenerator counts calls and returns a canned well-formed response.
type fakeGenerator struct {
	calls atomic.Int64
	delay time.Duration
	fail  bool
	text  string
}

func (g *fakeGenerator) Generate(ctx context.Context, _ string, _ int64) (string, error) {
	g.calls.Add(1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.fail {
		return "", eris.New("model overloaded")
	}
	if g.text != "" {
		return g.text, nil
	}
	return "TITLE: Cluster Near Austin\nSUMMARY: Eight reports clustered tightly.\nNARRATIVE: A dense cluster of sightings formed west of the city.", nil
}

func (g *fakeGenerator) Model() string { return "test-model" }

func testConfig() config.InsightConfig {
	return config.InsightConfig{
		TTLHours:              24,
		DigestTTLDays:         7,
		DigestTopN:            5,
		GenerationTimeoutSecs: 1,
	}
}

func testPattern(id string) *model.DetectedPattern {
	lat, lng, radius := 30.27, -97.74, 20.0
	return &model.DetectedPattern{
		ID:                id,
		Type:              model.PatternGeographicCluster,
		Status:            model.StatusActive,
		ConfidenceScore:   0.6,
		SignificanceScore: 0.7,
		ReportCount:       8,
		CenterLat:         &lat,
		CenterLng:         &lng,
		RadiusKm:          &radius,
		Metadata:          model.NewClusterMetadata(model.ClusterMeta{DensityPerKm2: 0.4, RadiusKm: radius}),
		Categories:        []string{"lights"},
	}
}

func TestGetOrGenerate_MissGeneratesAndCaches(t *testing.T) {
	store := newFakeStore(testPattern("p1"))
	gen := &fakeGenerator{}
	svc := NewService(store, gen, testConfig())

	ins, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Cluster Near Austin", ins.Title)
	assert.Equal(t, "test-model", ins.ModelUsed)
	assert.Equal(t, int64(1), gen.calls.Load())
	assert.True(t, ins.ValidUntil.Sub(ins.GeneratedAt) == 24*time.Hour)

	// Narrative mirrored onto the pattern row.
	p, err := store.GetPattern(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Cluster Near Austin", p.Title)
	require.NotNil(t, p.NarrativeGeneratedAt)

	// Second call is a pure cache hit.
	again, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, ins.ID, again.ID)
	assert.Equal(t, int64(1), gen.calls.Load())
}

func TestGetOrGenerate_UnknownPattern(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeGenerator{}, testConfig())
	_, err := svc.GetOrGenerate(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, eris.Is(err, pattern.ErrNotFound))
}

func TestGetOrGenerate_HashMismatchRegenerates(t *testing.T) {
	p := testPattern("p1")
	store := newFakeStore(p)
	gen := &fakeGenerator{}
	svc := NewService(store, gen, testConfig())

	_, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), gen.calls.Load())

	// Source data moves: the cached insight's hash no longer matches.
	store.mu.Lock()
	store.patterns["p1"].ReportCount = 12
	store.mu.Unlock()

	ins, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen.calls.Load())
	assert.Equal(t, sourceHash(store.patterns["p1"]), ins.SourceDataHash)
}

func TestGetOrGenerate_StaleInsightRegenerates(t *testing.T) {
	store := newFakeStore(testPattern("p1"))
	gen := &fakeGenerator{}
	svc := NewService(store, gen, testConfig())

	_, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, store.MarkInsightsStale(context.Background(), "p1"))

	_, err = svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen.calls.Load())
}

func TestGetOrGenerate_GeneratorFailureFallsBack(t *testing.T) {
	store := newFakeStore(testPattern("p1"))
	gen := &fakeGenerator{fail: true}
	svc := NewService(store, gen, testConfig())

	ins, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fallbackModel, ins.ModelUsed)
	assert.Contains(t, ins.Title, "Geographic Cluster")
	assert.NotEmpty(t, ins.Content)

	// The fallback is cached: the failing generator is not retried.
	_, err = svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen.calls.Load())
}

func TestGetOrGenerate_MalformedResponseFallsBack(t *testing.T) {
	store := newFakeStore(testPattern("p1"))
	gen := &fakeGenerator{text: "here is some prose with no sections at all"}
	svc := NewService(store, gen, testConfig())

	ins, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fallbackModel, ins.ModelUsed)
}

func TestGetOrGenerate_TimeoutFallsBack(t *testing.T) {
	store := newFakeStore(testPattern("p1"))
	gen := &fakeGenerator{delay: 5 * time.Second}
	cfg := testConfig()
	cfg.GenerationTimeoutSecs = 1
	svc := NewService(store, gen, cfg)
	svc.genTimeout = 50 * time.Millisecond

	start := time.Now()
	ins, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fallbackModel, ins.ModelUsed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGetOrGenerate_NilGeneratorUsesFallback(t *testing.T) {
	store := newFakeStore(testPattern("p1"))
	svc := NewService(store, nil, testConfig())

	ins, err := svc.GetOrGenerate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fallbackModel, ins.ModelUsed)
}

func TestGetOrGenerate_ConcurrentCallersShareOneGeneration(t *testing.T) {
	store := newFakeStore(testPattern("p1"))
	gen := &fakeGenerator{delay: 20 * time.Millisecond}
	svc := NewService(store, gen, testConfig())

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.GetOrGenerate(context.Background(), "p1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int64(1), gen.calls.Load())
	assert.Equal(t, 1, store.saves)
}

func TestParseResponse(t *testing.T) {
	text := "TITLE: A Headline\nSUMMARY: One sentence.\nNARRATIVE: First paragraph.\n\nSecond paragraph."
	p, ok := parseResponse(text)
	require.True(t, ok)
	assert.Equal(t, "A Headline", p.Title)
	assert.Equal(t, "One sentence.", p.Summary)
	assert.Equal(t, "First paragraph.\nSecond paragraph.", p.Narrative)

	_, ok = parseResponse("TITLE: Only A Title")
	assert.False(t, ok)
	_, ok = parseResponse("")
	assert.False(t, ok)
}
