package models

import "time"

// RunRecord is one completed corrective run, persisted for offline
// analysis of loop behavior.
type RunRecord struct {
	ID             string
	QueryText      string
	TaskType       string
	Answer         string
	FirstScore     float64
	FinalScore     float64
	IterationCount int
	Reason         string
	LatencyMS      int
	CreatedAt      time.Time
}

// IterationRecord is one assessment inside a run.
type IterationRecord struct {
	ID         int
	RunID      string
	Sequence   int
	Overall    float64
	Scores     string // JSON map metric -> score
	IssueCount int
}

// CorrectionRecord is one applied correction inside a run.
type CorrectionRecord struct {
	ID         int
	RunID      string
	Sequence   int
	Strategy   string
	Targets    string // JSON list of metric names
	ScoreDelta float64
	Failed     bool
	Error      string
	CreatedAt  time.Time
}
