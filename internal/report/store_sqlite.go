package report

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/model"
)

// SQLiteStore implements Store against a local SQLite reports table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore over an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Qualifying implements Store.
func (s *SQLiteStore) Qualifying(ctx context.Context, since time.Time) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, latitude, longitude, event_date
		FROM reports
		WHERE status = 'approved'
		  AND latitude IS NOT NULL
		  AND longitude IS NOT NULL
		  AND event_date IS NOT NULL
		  AND event_date >= ?
		ORDER BY event_date
	`, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, eris.Wrap(err, "report: sqlite query qualifying")
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		r := model.Report{Status: model.ReportStatusApproved}
		var eventDate string
		if err := rows.Scan(&r.ID, &r.Category, &r.Latitude, &r.Longitude, &eventDate); err != nil {
			return nil, eris.Wrap(err, "report: sqlite scan qualifying row")
		}
		t, err := time.Parse(time.RFC3339, eventDate)
		if err != nil {
			return nil, eris.Wrapf(err, "report: sqlite parse event date %q", eventDate)
		}
		r.EventDate = &t
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
