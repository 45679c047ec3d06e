package pattern

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/db"
	"github.com/fieldsight/pattern-cli/internal/model"
)

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgresStore creates a PostgresStore over an existing pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// NewPostgres connects a pool and wraps it in a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS detected_patterns (
	id                 TEXT PRIMARY KEY,
	pattern_type       TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'emerging',
	confidence_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	significance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	prev_significance  DOUBLE PRECISION,
	report_count       INTEGER NOT NULL DEFAULT 0,
	center_lat         DOUBLE PRECISION,
	center_lng         DOUBLE PRECISION,
	radius_km          DOUBLE PRECISION,
	date_start         TIMESTAMPTZ,
	date_end           TIMESTAMPTZ,
	metadata           JSONB NOT NULL,
	categories         JSONB NOT NULL DEFAULT '[]',
	title              TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	narrative          TEXT NOT NULL DEFAULT '',
	narrative_generated_at TIMESTAMPTZ,
	runs_observed      INTEGER NOT NULL DEFAULT 1,
	runs_since_growth  INTEGER NOT NULL DEFAULT 0,
	last_run_id        TEXT NOT NULL DEFAULT '',
	first_detected_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_patterns_status ON detected_patterns(status);
CREATE INDEX IF NOT EXISTS idx_patterns_type ON detected_patterns(pattern_type);
CREATE INDEX IF NOT EXISTS idx_patterns_significance ON detected_patterns(significance_score DESC);

CREATE TABLE IF NOT EXISTS pattern_reports (
	pattern_id TEXT NOT NULL REFERENCES detected_patterns(id) ON DELETE CASCADE,
	report_id  TEXT NOT NULL,
	relevance  DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	PRIMARY KEY (pattern_id, report_id)
);

CREATE TABLE IF NOT EXISTS pattern_insights (
	id               TEXT PRIMARY KEY,
	pattern_id       TEXT REFERENCES detected_patterns(id) ON DELETE CASCADE,
	insight_type     TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	summary          TEXT NOT NULL DEFAULT '',
	model_used       TEXT NOT NULL DEFAULT '',
	source_data_hash TEXT NOT NULL DEFAULT '',
	is_stale         BOOLEAN NOT NULL DEFAULT FALSE,
	generated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	valid_until      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_insights_pattern ON pattern_insights(pattern_id, insight_type, generated_at DESC);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id           TEXT PRIMARY KEY,
	run_type     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	reports_analyzed  INTEGER NOT NULL DEFAULT 0,
	patterns_detected INTEGER NOT NULL DEFAULT 0,
	patterns_updated  INTEGER NOT NULL DEFAULT 0,
	patterns_archived INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_running_run ON analysis_runs(status) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_runs_started ON analysis_runs(started_at DESC);
`

// Migrate creates the engine's tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "pattern: migrate")
}

// Close releases the underlying pool if this store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const patternColumns = `
	id, pattern_type, status, confidence_score, significance_score,
	prev_significance, report_count, center_lat, center_lng, radius_km,
	date_start, date_end, metadata, categories, title, summary, narrative,
	narrative_generated_at, runs_observed, runs_since_growth, last_run_id,
	first_detected_at, last_updated_at`

// CreatePattern implements Store. Assigns an ID when the pattern has none.
func (s *PostgresStore) CreatePattern(ctx context.Context, p *model.DetectedPattern) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Metadata.Validate(); err != nil {
		return err
	}
	cats, err := json.Marshal(categoriesOrEmpty(p.Categories))
	if err != nil {
		return eris.Wrap(err, "pattern: marshal categories")
	}

	sql := `
		INSERT INTO detected_patterns (
			id, pattern_type, status, confidence_score, significance_score,
			prev_significance, report_count, center_lat, center_lng, radius_km,
			date_start, date_end, metadata, categories, runs_observed,
			runs_since_growth, last_run_id, first_detected_at, last_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = s.pool.Exec(ctx, sql,
		p.ID, p.Type, p.Status, p.ConfidenceScore, p.SignificanceScore,
		p.PrevSignificance, p.ReportCount, p.CenterLat, p.CenterLng, p.RadiusKm,
		p.DateStart, p.DateEnd, p.Metadata.Canonical(), cats, p.RunsObserved,
		p.RunsSinceGrowth, p.LastRunID, p.FirstDetectedAt, p.LastUpdatedAt,
	)
	return eris.Wrap(err, "pattern: create")
}

// UpdatePattern implements Store. Narrative fields are managed separately
// by SetNarrative.
func (s *PostgresStore) UpdatePattern(ctx context.Context, p *model.DetectedPattern) error {
	if err := p.Metadata.Validate(); err != nil {
		return err
	}
	cats, err := json.Marshal(categoriesOrEmpty(p.Categories))
	if err != nil {
		return eris.Wrap(err, "pattern: marshal categories")
	}

	sql := `
		UPDATE detected_patterns SET
			status = $1, confidence_score = $2, significance_score = $3,
			prev_significance = $4, report_count = $5, center_lat = $6,
			center_lng = $7, radius_km = $8, date_start = $9, date_end = $10,
			metadata = $11, categories = $12, runs_observed = $13,
			runs_since_growth = $14, last_run_id = $15, last_updated_at = $16
		WHERE id = $17
	`
	tag, err := s.pool.Exec(ctx, sql,
		p.Status, p.ConfidenceScore, p.SignificanceScore,
		p.PrevSignificance, p.ReportCount, p.CenterLat,
		p.CenterLng, p.RadiusKm, p.DateStart, p.DateEnd,
		p.Metadata.Canonical(), cats, p.RunsObserved,
		p.RunsSinceGrowth, p.LastRunID, p.LastUpdatedAt,
		p.ID,
	)
	if err != nil {
		return eris.Wrap(err, "pattern: update")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pattern %s", p.ID)
	}
	return nil
}

// GetPattern implements Store.
func (s *PostgresStore) GetPattern(ctx context.Context, id string) (*model.DetectedPattern, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+patternColumns+` FROM detected_patterns WHERE id = $1`, id)
	p, err := scanPattern(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "pattern %s", id)
		}
		return nil, eris.Wrap(err, "pattern: get")
	}
	return p, nil
}

// ListByStatus implements Store.
func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...model.PatternStatus) ([]model.DetectedPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM detected_patterns WHERE status = ANY($1) ORDER BY significance_score DESC`,
		statusStrings(statuses),
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: list by status")
	}
	return scanPatterns(rows)
}

// Trending implements Store: active and emerging patterns by descending
// significance.
func (s *PostgresStore) Trending(ctx context.Context, limit int) ([]model.DetectedPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM detected_patterns
		 WHERE status = ANY($1) ORDER BY significance_score DESC LIMIT $2`,
		[]string{string(model.StatusActive), string(model.StatusEmerging)}, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: trending")
	}
	return scanPatterns(rows)
}

// Nearby implements Store using a haversine expression evaluated in SQL.
func (s *PostgresStore) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int, statuses []model.PatternStatus) ([]model.NearbyPattern, error) {
	if len(statuses) == 0 {
		statuses = []model.PatternStatus{model.StatusActive, model.StatusEmerging}
	}
	sql := `
		SELECT id, pattern_type, report_count, significance_score, distance_km FROM (
			SELECT id, pattern_type, report_count, significance_score,
			       6371 * 2 * asin(sqrt(
			           power(sin(radians(center_lat - $1) / 2), 2) +
			           cos(radians($1)) * cos(radians(center_lat)) *
			           power(sin(radians(center_lng - $2) / 2), 2)
			       )) AS distance_km
			FROM detected_patterns
			WHERE center_lat IS NOT NULL AND center_lng IS NOT NULL AND status = ANY($3)
		) candidates
		WHERE distance_km <= $4
		ORDER BY distance_km
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, sql, lat, lng, statusStrings(statuses), radiusKm, limit)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: nearby")
	}
	defer rows.Close()

	var out []model.NearbyPattern
	for rows.Next() {
		var n model.NearbyPattern
		if err := rows.Scan(&n.PatternID, &n.Type, &n.ReportCount, &n.Significance, &n.DistanceKm); err != nil {
			return nil, eris.Wrap(err, "pattern: scan nearby row")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ReplaceLinks implements Store: swaps the pattern's membership and
// recomputes report_count transactionally.
func (s *PostgresStore) ReplaceLinks(ctx context.Context, patternID string, links []model.PatternReportLink) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "pattern: begin replace links")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM pattern_reports WHERE pattern_id = $1`, patternID); err != nil {
		return eris.Wrap(err, "pattern: clear links")
	}

	rows := make([][]any, len(links))
	for i, l := range links {
		rows[i] = []any{patternID, l.ReportID, model.ClampScore(l.Relevance)}
	}
	if _, err := db.CopyInto(ctx, tx, "pattern_reports",
		[]string{"pattern_id", "report_id", "relevance"}, rows); err != nil {
		return eris.Wrap(err, "pattern: copy links")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE detected_patterns SET report_count = $1, last_updated_at = now() WHERE id = $2`,
		len(links), patternID,
	); err != nil {
		return eris.Wrap(err, "pattern: update report count")
	}

	return eris.Wrap(tx.Commit(ctx), "pattern: commit replace links")
}

// SetNarrative implements Store.
func (s *PostgresStore) SetNarrative(ctx context.Context, patternID, title, summary, narrative string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE detected_patterns SET title = $1, summary = $2, narrative = $3, narrative_generated_at = $4 WHERE id = $5`,
		title, summary, narrative, at, patternID,
	)
	if err != nil {
		return eris.Wrap(err, "pattern: set narrative")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pattern %s", patternID)
	}
	return nil
}

const insightColumns = `
	id, pattern_id, insight_type, title, content, summary, model_used,
	source_data_hash, is_stale, generated_at, valid_until`

// FreshInsight implements Store: the newest non-stale, unexpired insight
// of the given type for a pattern, or ErrNotFound.
func (s *PostgresStore) FreshInsight(ctx context.Context, patternID string, typ model.InsightType, now time.Time) (*model.PatternInsight, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+insightColumns+` FROM pattern_insights
		 WHERE pattern_id = $1 AND insight_type = $2 AND is_stale = FALSE AND valid_until > $3
		 ORDER BY generated_at DESC LIMIT 1`,
		patternID, typ, now,
	)
	ins, err := scanInsight(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "insight for pattern %s", patternID)
		}
		return nil, eris.Wrap(err, "pattern: fresh insight")
	}
	return ins, nil
}

// SaveInsight implements Store. Earlier rows are superseded, not mutated.
func (s *PostgresStore) SaveInsight(ctx context.Context, ins *model.PatternInsight) error {
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pattern_insights (id, pattern_id, insight_type, title, content, summary,
		 model_used, source_data_hash, is_stale, generated_at, valid_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ins.ID, ins.PatternID, ins.Type, ins.Title, ins.Content, ins.Summary,
		ins.ModelUsed, ins.SourceDataHash, ins.IsStale, ins.GeneratedAt, ins.ValidUntil,
	)
	return eris.Wrap(err, "pattern: save insight")
}

// MarkInsightsStale implements Store: subsequent reads treat the rows as
// cache misses.
func (s *PostgresStore) MarkInsightsStale(ctx context.Context, patternID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pattern_insights SET is_stale = TRUE WHERE pattern_id = $1`, patternID)
	return eris.Wrap(err, "pattern: mark insights stale")
}

// LatestDigest implements Store: the newest fresh weekly digest.
func (s *PostgresStore) LatestDigest(ctx context.Context, now time.Time) (*model.PatternInsight, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+insightColumns+` FROM pattern_insights
		 WHERE pattern_id IS NULL AND insight_type = $1 AND is_stale = FALSE AND valid_until > $2
		 ORDER BY generated_at DESC LIMIT 1`,
		model.InsightWeeklyDigest, now,
	)
	ins, err := scanInsight(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "weekly digest")
		}
		return nil, eris.Wrap(err, "pattern: latest digest")
	}
	return ins, nil
}

// StartRun implements Store: claims the single run slot by inserting the
// run directly as running in one statement, so a crash can never strand a
// half-claimed row. Concurrent claims that slip past the NOT EXISTS check
// collide on the partial unique index and surface as ErrRunInProgress.
func (s *PostgresStore) StartRun(ctx context.Context, runType model.RunType) (*model.AnalysisRun, error) {
	if !runType.Valid() {
		return nil, eris.Errorf("pattern: invalid run type %q", runType)
	}
	run := &model.AnalysisRun{
		ID:        uuid.NewString(),
		Type:      runType,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_runs (id, run_type, status, started_at)
		 SELECT $1, $2, 'running', $3
		 WHERE NOT EXISTS (SELECT 1 FROM analysis_runs WHERE status = 'running')`,
		run.ID, run.Type, run.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if eris.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrRunInProgress
		}
		return nil, eris.Wrap(err, "pattern: start run")
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrRunInProgress
	}
	return run, nil
}

// CompleteRun implements Store.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, c model.RunCounters) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_runs SET status = 'completed', reports_analyzed = $1,
		 patterns_detected = $2, patterns_updated = $3, patterns_archived = $4,
		 completed_at = now() WHERE id = $5`,
		c.ReportsAnalyzed, c.PatternsDetected, c.PatternsUpdated, c.PatternsArchived, runID,
	)
	return eris.Wrap(err, "pattern: complete run")
}

// FailRun implements Store: records the failure verbatim and still sets
// completed_at so a failed run never looks in-flight.
func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string, c model.RunCounters) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_runs SET status = 'failed', error = $1, reports_analyzed = $2,
		 patterns_detected = $3, patterns_updated = $4, patterns_archived = $5,
		 completed_at = now() WHERE id = $6`,
		errMsg, c.ReportsAnalyzed, c.PatternsDetected, c.PatternsUpdated, c.PatternsArchived, runID,
	)
	return eris.Wrap(err, "pattern: fail run")
}

// ListRuns implements Store, most recent first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.AnalysisRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_type, status, reports_analyzed, patterns_detected,
		 patterns_updated, patterns_archived, error, started_at, completed_at
		 FROM analysis_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		var r model.AnalysisRun
		if err := rows.Scan(
			&r.ID, &r.Type, &r.Status, &r.Counters.ReportsAnalyzed,
			&r.Counters.PatternsDetected, &r.Counters.PatternsUpdated,
			&r.Counters.PatternsArchived, &r.Error, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, eris.Wrap(err, "pattern: scan run row")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- scan helpers ---

func scanPattern(row pgx.Row) (*model.DetectedPattern, error) {
	var p model.DetectedPattern
	var metaRaw, catsRaw []byte
	err := row.Scan(
		&p.ID, &p.Type, &p.Status, &p.ConfidenceScore, &p.SignificanceScore,
		&p.PrevSignificance, &p.ReportCount, &p.CenterLat, &p.CenterLng, &p.RadiusKm,
		&p.DateStart, &p.DateEnd, &metaRaw, &catsRaw, &p.Title, &p.Summary, &p.Narrative,
		&p.NarrativeGeneratedAt, &p.RunsObserved, &p.RunsSinceGrowth, &p.LastRunID,
		&p.FirstDetectedAt, &p.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Metadata, err = model.DecodeMetadata(metaRaw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(catsRaw, &p.Categories); err != nil {
		return nil, eris.Wrap(err, "pattern: decode categories")
	}
	return &p, nil
}

func scanPatterns(rows pgx.Rows) ([]model.DetectedPattern, error) {
	defer rows.Close()
	var out []model.DetectedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "pattern: scan row")
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanInsight(row pgx.Row) (*model.PatternInsight, error) {
	var ins model.PatternInsight
	err := row.Scan(
		&ins.ID, &ins.PatternID, &ins.Type, &ins.Title, &ins.Content, &ins.Summary,
		&ins.ModelUsed, &ins.SourceDataHash, &ins.IsStale, &ins.GeneratedAt, &ins.ValidUntil,
	)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

func statusStrings(statuses []model.PatternStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func categoriesOrEmpty(cats []string) []string {
	if cats == nil {
		return []string{}
	}
	return cats
}
