package model

import "time"

// InsightType distinguishes per-pattern narratives from aggregate digests.
type InsightType string

const (
	InsightPatternNarrative InsightType = "pattern_narrative"
	InsightWeeklyDigest     InsightType = "weekly_digest"
)

// PatternInsight is a cached, AI-generated narrative. Rows are superseded by
// later generations and marked stale rather than deleted.
type PatternInsight struct {
	ID             string      `json:"id"`
	PatternID      *string     `json:"pattern_id,omitempty"` // nil for digests
	Type           InsightType `json:"insight_type"`
	Title          string      `json:"title"`
	Content        string      `json:"content"`
	Summary        string      `json:"summary"`
	ModelUsed      string      `json:"model_used"`
	SourceDataHash string      `json:"source_data_hash"`
	IsStale        bool        `json:"is_stale"`
	GeneratedAt    time.Time   `json:"generated_at"`
	ValidUntil     time.Time   `json:"valid_until"`
}

// Fresh reports whether the insight can be served at the given time.
func (i *PatternInsight) Fresh(now time.Time) bool {
	return !i.IsStale && i.ValidUntil.After(now)
}
