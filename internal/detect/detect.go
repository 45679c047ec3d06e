// Package detect implements the four report detectors: geographic
// clustering, weekly anomaly scoring, seasonal indexing, and flap wave
// tracking. Detectors are pure functions over in-memory report slices;
// data-quality problems yield empty results, never errors.
package detect

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/model"
)

// ErrInvalidParams marks malformed detector input, rejected before any
// computation.
var ErrInvalidParams = eris.New("detect: invalid parameters")

// ReportRef ties a report to a detector result with a relevance score.
type ReportRef struct {
	ReportID  string
	Relevance float64
}

// Candidate is a detector result normalized for the lifecycle manager.
type Candidate struct {
	Type         model.PatternType
	Significance float64
	Confidence   float64

	CenterLat *float64
	CenterLng *float64
	RadiusKm  *float64

	DateStart *time.Time
	DateEnd   *time.Time

	Metadata   model.Metadata
	Categories []string
	Reports    []ReportRef

	// MinPoints records the cluster-size threshold in force when a spatial
	// candidate was produced, so persisted cluster patterns can assert
	// report_count >= MinPoints.
	MinPoints int
}

// qualifying filters reports down to those participating in detection with
// an event date on or after cutoff.
func qualifying(reports []model.Report, cutoff time.Time) []model.Report {
	var out []model.Report
	for _, r := range reports {
		if !r.Qualifies() {
			continue
		}
		if r.EventDate.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}
