package model

import "time"

// RunType distinguishes full re-analysis from incremental updates.
type RunType string

const (
	RunFull        RunType = "full"
	RunIncremental RunType = "incremental"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	return t == RunFull || t == RunIncremental
}

// RunStatus tracks an analysis run through execution.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunCounters tallies the work performed by one analysis run.
type RunCounters struct {
	ReportsAnalyzed  int `json:"reports_analyzed"`
	PatternsDetected int `json:"patterns_detected"`
	PatternsUpdated  int `json:"patterns_updated"`
	PatternsArchived int `json:"patterns_archived"`
}

// AnalysisRun is one append-only audit record per orchestration invocation.
type AnalysisRun struct {
	ID          string      `json:"id"`
	Type        RunType     `json:"run_type"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}
