package usecase

import (
	"sort"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

type analyzed struct {
	candidate domain.RankedCandidate
	result    domain.AnalysisResult
}

// decide keeps analyses at or above the task's minimum relevance, best
// first, and turns them into findings.
func decide(task domain.Task, items []analyzed, now time.Time, newID func() string) []domain.Finding {
	var kept []analyzed
	for _, it := range items {
		if it.result.Score >= task.MinRelevance {
			kept = append(kept, it)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].result.Score > kept[j].result.Score
	})

	findings := make([]domain.Finding, 0, len(kept))
	for _, it := range kept {
		findings = append(findings, domain.Finding{
			ID:        newID(),
			TaskID:    task.ID,
			Candidate: it.candidate.Candidate,
			Score:     it.result.Score,
			Rationale: it.result.Rationale,
			CreatedAt: now,
		})
	}
	return findings
}
