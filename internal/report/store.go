// Package report provides read-only access to the report store. The engine
// never writes reports; only approved, geocoded, dated rows participate in
// detection.
package report

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/db"
	"github.com/fieldsight/pattern-cli/internal/model"
)

// Store reads qualifying reports for the detectors.
type Store interface {
	// Qualifying returns approved, geocoded reports with an event date on
	// or after since, ordered by event date ascending.
	Qualifying(ctx context.Context, since time.Time) ([]model.Report, error)
}

// PostgresStore implements Store against the shared reports table.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Qualifying implements Store.
func (s *PostgresStore) Qualifying(ctx context.Context, since time.Time) ([]model.Report, error) {
	sql := `
		SELECT id, category, latitude, longitude, event_date
		FROM reports
		WHERE status = 'approved'
		  AND latitude IS NOT NULL
		  AND longitude IS NOT NULL
		  AND event_date IS NOT NULL
		  AND event_date >= $1
		ORDER BY event_date
	`
	rows, err := s.pool.Query(ctx, sql, since)
	if err != nil {
		return nil, eris.Wrap(err, "report: query qualifying")
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		r := model.Report{Status: model.ReportStatusApproved}
		if err := rows.Scan(&r.ID, &r.Category, &r.Latitude, &r.Longitude, &r.EventDate); err != nil {
			return nil, eris.Wrap(err, "report: scan qualifying row")
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
