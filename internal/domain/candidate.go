package domain

import "time"

// Candidate is a normalized document fetched from a retrieval source.
type Candidate struct {
	Source      string
	ExternalID  string
	Title       string
	Abstract    string
	Authors     []string
	Categories  []string
	PublishedAt time.Time
	URL         string
}

// RankedCandidate pairs a candidate with its BM25 score.
type RankedCandidate struct {
	Candidate Candidate
	Score     float64
}

// AnalysisResult captures relevance scoring for a (task, candidate) pair.
type AnalysisResult struct {
	Score     float64
	Rationale string
	Surface   bool
	Backend   string
	Fallback  bool
}

// Clamp keeps a score inside the 0..100 range.
func Clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// Finding is a relevance-qualified result persisted for a task.
type Finding struct {
	ID              string
	TaskID          string
	Candidate       Candidate
	Score           float64
	Rationale       string
	InstantNotified bool
	CreatedAt       time.Time
}

// Key identifies a finding inside its task.
func (f Finding) Key() string {
	return f.Candidate.ExternalID
}
