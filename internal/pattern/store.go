// Package pattern owns the persisted pattern records: storage, lifecycle
// reconciliation, and the analysis run audit trail.
package pattern

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/model"
)

// ErrNotFound marks a lookup for a pattern or insight that does not exist.
var ErrNotFound = eris.New("pattern: not found")

// ErrRunInProgress marks an attempt to start an analysis run while another
// is still running. Runs are serialized by the store, not by caller
// discipline.
var ErrRunInProgress = eris.New("pattern: analysis run already in progress")

// Store defines the persistence interface for patterns, their report
// links, cached insights, and the run audit trail.
type Store interface {
	// Patterns
	CreatePattern(ctx context.Context, p *model.DetectedPattern) error
	UpdatePattern(ctx context.Context, p *model.DetectedPattern) error
	GetPattern(ctx context.Context, id string) (*model.DetectedPattern, error)
	ListByStatus(ctx context.Context, statuses ...model.PatternStatus) ([]model.DetectedPattern, error)
	Trending(ctx context.Context, limit int) ([]model.DetectedPattern, error)
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int, statuses []model.PatternStatus) ([]model.NearbyPattern, error)

	// Report links. ReplaceLinks swaps the full membership of a pattern
	// and recomputes report_count in the same transaction.
	ReplaceLinks(ctx context.Context, patternID string, links []model.PatternReportLink) error

	// SetNarrative mirrors generated text onto the pattern row for fast
	// read access.
	SetNarrative(ctx context.Context, patternID, title, summary, narrative string, at time.Time) error

	// Insights
	FreshInsight(ctx context.Context, patternID string, typ model.InsightType, now time.Time) (*model.PatternInsight, error)
	SaveInsight(ctx context.Context, ins *model.PatternInsight) error
	MarkInsightsStale(ctx context.Context, patternID string) error
	LatestDigest(ctx context.Context, now time.Time) (*model.PatternInsight, error)

	// Analysis runs. StartRun atomically claims the single run slot,
	// returning ErrRunInProgress when another run is live.
	StartRun(ctx context.Context, runType model.RunType) (*model.AnalysisRun, error)
	CompleteRun(ctx context.Context, runID string, c model.RunCounters) error
	FailRun(ctx context.Context, runID string, errMsg string, c model.RunCounters) error
	ListRuns(ctx context.Context, limit int) ([]model.AnalysisRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
