package pattern

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fieldsight/pattern-cli/internal/geostat"
	"github.com/fieldsight/pattern-cli/internal/model"
)

// SQLiteStore implements Store on an embedded database for single-node
// deployments. Timestamps are stored as RFC3339 strings.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: open sqlite")
	}
	// WAL survives concurrent reader/writer access from the serve and
	// analyze commands sharing one file.
	if _, err := conn.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "pattern: sqlite pragmas")
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS detected_patterns (
	id                 TEXT PRIMARY KEY,
	pattern_type       TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'emerging',
	confidence_score   REAL NOT NULL DEFAULT 0,
	significance_score REAL NOT NULL DEFAULT 0,
	prev_significance  REAL,
	report_count       INTEGER NOT NULL DEFAULT 0,
	center_lat         REAL,
	center_lng         REAL,
	radius_km          REAL,
	date_start         TEXT,
	date_end           TEXT,
	metadata           TEXT NOT NULL,
	categories         TEXT NOT NULL DEFAULT '[]',
	title              TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL DEFAULT '',
	narrative          TEXT NOT NULL DEFAULT '',
	narrative_generated_at TEXT,
	runs_observed      INTEGER NOT NULL DEFAULT 1,
	runs_since_growth  INTEGER NOT NULL DEFAULT 0,
	last_run_id        TEXT NOT NULL DEFAULT '',
	first_detected_at  TEXT NOT NULL,
	last_updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_status ON detected_patterns(status);
CREATE INDEX IF NOT EXISTS idx_patterns_significance ON detected_patterns(significance_score DESC);

CREATE TABLE IF NOT EXISTS pattern_reports (
	pattern_id TEXT NOT NULL REFERENCES detected_patterns(id) ON DELETE CASCADE,
	report_id  TEXT NOT NULL,
	relevance  REAL NOT NULL DEFAULT 1.0,
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
	is_stale         INTEGER NOT NULL DEFAULT 0,
	generated_at     TEXT NOT NULL,
	valid_until      TEXT NOT NULL
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
	started_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_running_run ON analysis_runs(status) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_runs_started ON analysis_runs(started_at DESC);
`

// DB exposes the underlying handle so other stores can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Migrate implements Store.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "pattern: sqlite migrate")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func sqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "pattern: parse time %q", s)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreatePattern implements Store.
func (s *SQLiteStore) CreatePattern(ctx context.Context, p *model.DetectedPattern) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO detected_patterns (
			id, pattern_type, status, confidence_score, significance_score,
			prev_significance, report_count, center_lat, center_lng, radius_km,
			date_start, date_end, metadata, categories, runs_observed,
			runs_since_growth, last_run_id, first_detected_at, last_updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Type, p.Status, p.ConfidenceScore, p.SignificanceScore,
		p.PrevSignificance, p.ReportCount, p.CenterLat, p.CenterLng, p.RadiusKm,
		sqliteTimePtr(p.DateStart), sqliteTimePtr(p.DateEnd),
		string(p.Metadata.Canonical()), string(cats), p.RunsObserved,
		p.RunsSinceGrowth, p.LastRunID, sqliteTime(p.FirstDetectedAt), sqliteTime(p.LastUpdatedAt),
	)
	return eris.Wrap(err, "pattern: create")
}

// UpdatePattern implements Store.
func (s *SQLiteStore) UpdatePattern(ctx context.Context, p *model.DetectedPattern) error {
	if err := p.Metadata.Validate(); err != nil {
		return err
	}
	cats, err := json.Marshal(categoriesOrEmpty(p.Categories))
	if err != nil {
		return eris.Wrap(err, "pattern: marshal categories")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE detected_patterns SET
			status = ?, confidence_score = ?, significance_score = ?,
			prev_significance = ?, report_count = ?, center_lat = ?,
			center_lng = ?, radius_km = ?, date_start = ?, date_end = ?,
			metadata = ?, categories = ?, runs_observed = ?,
			runs_since_growth = ?, last_run_id = ?, last_updated_at = ?
		WHERE id = ?`,
		p.Status, p.ConfidenceScore, p.SignificanceScore,
		p.PrevSignificance, p.ReportCount, p.CenterLat,
		p.CenterLng, p.RadiusKm, sqliteTimePtr(p.DateStart), sqliteTimePtr(p.DateEnd),
		string(p.Metadata.Canonical()), string(cats), p.RunsObserved,
		p.RunsSinceGrowth, p.LastRunID, sqliteTime(p.LastUpdatedAt),
		p.ID,
	)
	if err != nil {
		return eris.Wrap(err, "pattern: update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "pattern %s", p.ID)
	}
	return nil
}

// GetPattern implements Store.
func (s *SQLiteStore) GetPattern(ctx context.Context, id string) (*model.DetectedPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM detected_patterns WHERE id = ?`, id)
	p, err := s.scanPattern(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "pattern %s", id)
		}
		return nil, eris.Wrap(err, "pattern: get")
	}
	return p, nil
}

// ListByStatus implements Store.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...model.PatternStatus) ([]model.DetectedPattern, error) {
	placeholders, args := inClause(statuses)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM detected_patterns WHERE status IN (`+placeholders+`) ORDER BY significance_score DESC`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: list by status")
	}
	return s.scanPatterns(rows)
}

// Trending implements Store.
func (s *SQLiteStore) Trending(ctx context.Context, limit int) ([]model.DetectedPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM detected_patterns
		 WHERE status IN (?, ?) ORDER BY significance_score DESC LIMIT ?`,
		string(model.StatusActive), string(model.StatusEmerging), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: trending")
	}
	return s.scanPatterns(rows)
}

// Nearby implements Store. SQLite lacks the trig functions the Postgres
// store uses, so the distance filter runs in Go over the spatial rows.
func (s *SQLiteStore) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int, statuses []model.PatternStatus) ([]model.NearbyPattern, error) {
	if len(statuses) == 0 {
		statuses = []model.PatternStatus{model.StatusActive, model.StatusEmerging}
	}
	placeholders, args := inClause(statuses)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern_type, report_count, significance_score, center_lat, center_lng
		 FROM detected_patterns
		 WHERE center_lat IS NOT NULL AND center_lng IS NOT NULL AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: nearby")
	}
	defer rows.Close()

	var out []model.NearbyPattern
	for rows.Next() {
		var n model.NearbyPattern
		var cLat, cLng float64
		if err := rows.Scan(&n.PatternID, &n.Type, &n.ReportCount, &n.Significance, &cLat, &cLng); err != nil {
			return nil, eris.Wrap(err, "pattern: scan nearby row")
		}
		n.DistanceKm = geostat.HaversineKm(lat, lng, cLat, cLng)
		if n.DistanceKm <= radiusKm {
			out = append(out, n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "pattern: nearby rows")
	}

	sortNearby(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReplaceLinks implements Store.
func (s *SQLiteStore) ReplaceLinks(ctx context.Context, patternID string, links []model.PatternReportLink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "pattern: begin replace links")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pattern_reports WHERE pattern_id = ?`, patternID); err != nil {
		return eris.Wrap(err, "pattern: clear links")
	}
	for _, l := range links {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pattern_reports (pattern_id, report_id, relevance) VALUES (?, ?, ?)`,
			patternID, l.ReportID, model.ClampScore(l.Relevance),
		); err != nil {
			return eris.Wrap(err, "pattern: insert link")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE detected_patterns SET report_count = ?, last_updated_at = ? WHERE id = ?`,
		len(links), sqliteTime(time.Now()), patternID,
	); err != nil {
		return eris.Wrap(err, "pattern: update report count")
	}
	return eris.Wrap(tx.Commit(), "pattern: commit replace links")
}

// SetNarrative implements Store.
func (s *SQLiteStore) SetNarrative(ctx context.Context, patternID, title, summary, narrative string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE detected_patterns SET title = ?, summary = ?, narrative = ?, narrative_generated_at = ? WHERE id = ?`,
		title, summary, narrative, sqliteTime(at), patternID,
	)
	if err != nil {
		return eris.Wrap(err, "pattern: set narrative")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "pattern %s", patternID)
	}
	return nil
}

// FreshInsight implements Store.
func (s *SQLiteStore) FreshInsight(ctx context.Context, patternID string, typ model.InsightType, now time.Time) (*model.PatternInsight, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+insightColumns+` FROM pattern_insights
		 WHERE pattern_id = ? AND insight_type = ? AND is_stale = 0 AND valid_until > ?
		 ORDER BY generated_at DESC LIMIT 1`,
		patternID, typ, sqliteTime(now),
	)
	ins, err := s.scanInsight(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "insight for pattern %s", patternID)
		}
		return nil, eris.Wrap(err, "pattern: fresh insight")
	}
	return ins, nil
}

// SaveInsight implements Store.
func (s *SQLiteStore) SaveInsight(ctx context.Context, ins *model.PatternInsight) error {
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pattern_insights (id, pattern_id, insight_type, title, content, summary,
		 model_used, source_data_hash, is_stale, generated_at, valid_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, ins.PatternID, ins.Type, ins.Title, ins.Content, ins.Summary,
		ins.ModelUsed, ins.SourceDataHash, ins.IsStale,
		sqliteTime(ins.GeneratedAt), sqliteTime(ins.ValidUntil),
	)
	return eris.Wrap(err, "pattern: save insight")
}

// MarkInsightsStale implements Store.
func (s *SQLiteStore) MarkInsightsStale(ctx context.Context, patternID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pattern_insights SET is_stale = 1 WHERE pattern_id = ?`, patternID)
	return eris.Wrap(err, "pattern: mark insights stale")
}

// LatestDigest implements Store.
func (s *SQLiteStore) LatestDigest(ctx context.Context, now time.Time) (*model.PatternInsight, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+insightColumns+` FROM pattern_insights
		 WHERE pattern_id IS NULL AND insight_type = ? AND is_stale = 0 AND valid_until > ?
		 ORDER BY generated_at DESC LIMIT 1`,
		model.InsightWeeklyDigest, sqliteTime(now),
	)
	ins, err := s.scanInsight(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "weekly digest")
		}
		return nil, eris.Wrap(err, "pattern: latest digest")
	}
	return ins, nil
}

// StartRun implements Store. The guarded insert claims the run slot as
// running in one statement; SQLite serializes writers, so the check and
// insert cannot interleave.
func (s *SQLiteStore) StartRun(ctx context.Context, runType model.RunType) (*model.AnalysisRun, error) {
	if !runType.Valid() {
		return nil, eris.Errorf("pattern: invalid run type %q", runType)
	}
	run := &model.AnalysisRun{
		ID:        uuid.NewString(),
		Type:      runType,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, run_type, status, started_at)
		 SELECT ?, ?, 'running', ?
		 WHERE NOT EXISTS (SELECT 1 FROM analysis_runs WHERE status = 'running')`,
		run.ID, run.Type, sqliteTime(run.StartedAt),
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: start run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRunInProgress
	}
	return run, nil
}

// CompleteRun implements Store.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, c model.RunCounters) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = 'completed', reports_analyzed = ?,
		 patterns_detected = ?, patterns_updated = ?, patterns_archived = ?,
		 completed_at = ? WHERE id = ?`,
		c.ReportsAnalyzed, c.PatternsDetected, c.PatternsUpdated, c.PatternsArchived,
		sqliteTime(time.Now()), runID,
	)
	return eris.Wrap(err, "pattern: complete run")
}

// FailRun implements Store.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string, c model.RunCounters) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = 'failed', error = ?, reports_analyzed = ?,
		 patterns_detected = ?, patterns_updated = ?, patterns_archived = ?,
		 completed_at = ? WHERE id = ?`,
		errMsg, c.ReportsAnalyzed, c.PatternsDetected, c.PatternsUpdated, c.PatternsArchived,
		sqliteTime(time.Now()), runID,
	)
	return eris.Wrap(err, "pattern: fail run")
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.AnalysisRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_type, status, reports_analyzed, patterns_detected,
		 patterns_updated, patterns_archived, error, started_at, completed_at
		 FROM analysis_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		var r model.AnalysisRun
		var started string
		var completed *string
		if err := rows.Scan(
			&r.ID, &r.Type, &r.Status, &r.Counters.ReportsAnalyzed,
			&r.Counters.PatternsDetected, &r.Counters.PatternsUpdated,
			&r.Counters.PatternsArchived, &r.Error, &started, &completed,
		); err != nil {
			return nil, eris.Wrap(err, "pattern: scan run row")
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type sqlRow interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanPattern(row sqlRow) (*model.DetectedPattern, error) {
	var p model.DetectedPattern
	var metaRaw, catsRaw string
	var dateStart, dateEnd, narrAt *string
	var first, updated string
	err := row.Scan(
		&p.ID, &p.Type, &p.Status, &p.ConfidenceScore, &p.SignificanceScore,
		&p.PrevSignificance, &p.ReportCount, &p.CenterLat, &p.CenterLng, &p.RadiusKm,
		&dateStart, &dateEnd, &metaRaw, &catsRaw, &p.Title, &p.Summary, &p.Narrative,
		&narrAt, &p.RunsObserved, &p.RunsSinceGrowth, &p.LastRunID,
		&first, &updated,
	)
	if err != nil {
		return nil, err
	}
	if p.DateStart, err = parseTimePtr(dateStart); err != nil {
		return nil, err
	}
	if p.DateEnd, err = parseTimePtr(dateEnd); err != nil {
		return nil, err
	}
	if p.NarrativeGeneratedAt, err = parseTimePtr(narrAt); err != nil {
		return nil, err
	}
	if p.FirstDetectedAt, err = parseTime(first); err != nil {
		return nil, err
	}
	if p.LastUpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if p.Metadata, err = model.DecodeMetadata([]byte(metaRaw)); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(catsRaw), &p.Categories); err != nil {
		return nil, eris.Wrap(err, "pattern: decode categories")
	}
	return &p, nil
}

func (s *SQLiteStore) scanPatterns(rows *sql.Rows) ([]model.DetectedPattern, error) {
	defer rows.Close()
	var out []model.DetectedPattern
	for rows.Next() {
		p, err := s.scanPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "pattern: scan row")
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanInsight(row sqlRow) (*model.PatternInsight, error) {
	var ins model.PatternInsight
	var generated, valid string
	err := row.Scan(
		&ins.ID, &ins.PatternID, &ins.Type, &ins.Title, &ins.Content, &ins.Summary,
		&ins.ModelUsed, &ins.SourceDataHash, &ins.IsStale, &generated, &valid,
	)
	if err != nil {
		return nil, err
	}
	if ins.GeneratedAt, err = parseTime(generated); err != nil {
		return nil, err
	}
	if ins.ValidUntil, err = parseTime(valid); err != nil {
		return nil, err
	}
	return &ins, nil
}

func inClause(statuses []model.PatternStatus) (string, []any) {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", "), args
}

func sortNearby(ps []model.NearbyPattern) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].DistanceKm < ps[j].DistanceKm })
}
