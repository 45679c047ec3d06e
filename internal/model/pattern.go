package model

import "time"

// PatternType classifies a detected pattern by the detector that produced it.
type PatternType string

const (
	PatternGeographicCluster         PatternType = "geographic_cluster"
	PatternTemporalAnomaly           PatternType = "temporal_anomaly"
	PatternFlapWave                  PatternType = "flap_wave"
	PatternCharacteristicCorrelation PatternType = "characteristic_correlation"
	PatternRegionalConcentration     PatternType = "regional_concentration"
	PatternSeasonal                  PatternType = "seasonal_pattern"
	PatternTimeOfDay                 PatternType = "time_of_day_pattern"
	PatternDateCorrelation           PatternType = "date_correlation"
)

// Valid reports whether t is a known pattern type.
func (t PatternType) Valid() bool {
	switch t {
	case PatternGeographicCluster, PatternTemporalAnomaly, PatternFlapWave,
		PatternCharacteristicCorrelation, PatternRegionalConcentration,
		PatternSeasonal, PatternTimeOfDay, PatternDateCorrelation:
		return true
	}
	return false
}

// Spatial reports whether patterns of this type carry a geographic center,
// which drives how the lifecycle manager matches detector output against
// persisted patterns.
func (t PatternType) Spatial() bool {
	switch t {
	case PatternGeographicCluster, PatternFlapWave, PatternRegionalConcentration:
		return true
	}
	return false
}

// PatternStatus tracks a pattern through its lifecycle.
type PatternStatus string

const (
	StatusEmerging   PatternStatus = "emerging"
	StatusActive     PatternStatus = "active"
	StatusDeclining  PatternStatus = "declining"
	StatusHistorical PatternStatus = "historical"
)

// Valid reports whether s is a known pattern status.
func (s PatternStatus) Valid() bool {
	switch s {
	case StatusEmerging, StatusActive, StatusDeclining, StatusHistorical:
		return true
	}
	return false
}

// DetectedPattern is a persisted pattern record owned by the engine.
type DetectedPattern struct {
	ID                string        `json:"id"`
	Type              PatternType   `json:"pattern_type"`
	Status            PatternStatus `json:"status"`
	ConfidenceScore   float64       `json:"confidence_score"`
	SignificanceScore float64       `json:"significance_score"`
	ReportCount       int           `json:"report_count"`

	CenterLat *float64 `json:"center_lat,omitempty"`
	CenterLng *float64 `json:"center_lng,omitempty"`
	RadiusKm  *float64 `json:"radius_km,omitempty"`

	DateStart *time.Time `json:"date_start,omitempty"`
	DateEnd   *time.Time `json:"date_end,omitempty"`

	Metadata   Metadata `json:"metadata"`
	Categories []string `json:"categories"`

	Title                string     `json:"title,omitempty"`
	Summary              string     `json:"summary,omitempty"`
	Narrative            string     `json:"narrative,omitempty"`
	NarrativeGeneratedAt *time.Time `json:"narrative_generated_at,omitempty"`

	// Lifecycle bookkeeping used by the reconciler's state machine.
	PrevSignificance *float64 `json:"prev_significance,omitempty"`
	RunsObserved     int      `json:"runs_observed"`
	RunsSinceGrowth  int      `json:"runs_since_growth"`
	LastRunID        string   `json:"last_run_id,omitempty"`

	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// PatternReportLink ties a report to a pattern with a relevance score.
// The (PatternID, ReportID) pair is unique.
type PatternReportLink struct {
	PatternID string  `json:"pattern_id"`
	ReportID  string  `json:"report_id"`
	Relevance float64 `json:"relevance"`
}

// NearbyPattern is a pattern row augmented with its haversine distance from
// a query point.
type NearbyPattern struct {
	PatternID    string      `json:"pattern_id"`
	Type         PatternType `json:"pattern_type"`
	DistanceKm   float64     `json:"distance_km"`
	ReportCount  int         `json:"report_count"`
	Significance float64     `json:"significance"`
}

// ClampScore bounds a score to [0, 1].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
