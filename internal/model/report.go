// Package model defines the typed entities shared across the pattern engine:
// reports, detected patterns, insights, and analysis runs.
package model

import "time"

// ReportStatus represents the moderation state of a report.
type ReportStatus string

const (
	ReportStatusPending  ReportStatus = "pending"
	ReportStatusApproved ReportStatus = "approved"
	ReportStatusRejected ReportStatus = "rejected"
)

// Report is a user- or archive-submitted sighting report. The engine reads
// reports but never writes them.
type Report struct {
	ID        string       `json:"id"`
	Category  string       `json:"category"`
	Latitude  *float64     `json:"latitude,omitempty"`
	Longitude *float64     `json:"longitude,omitempty"`
	EventDate *time.Time   `json:"event_date,omitempty"`
	Status    ReportStatus `json:"status"`
}

// Geocoded reports true when the report carries both coordinates.
func (r *Report) Geocoded() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Qualifies reports true when the report participates in detection:
// approved, geocoded, and dated.
func (r *Report) Qualifies() bool {
	return r.Status == ReportStatusApproved && r.Geocoded() && r.EventDate != nil
}
