// Package analysis scores short-listed candidates for relevance to a task.
package analysis

import (
	"context"
	"strings"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
	"github.com/fresh-milkshake/searcher-agent/internal/ranking"
)

const (
	BackendHeuristic = "heuristic"
	maxRationale     = 800
)

// Heuristic scores by term overlap between the task and the candidate, mixed
// with the candidate's BM25 score. It is deterministic and never fails.
type Heuristic struct{}

var _ ports.Analyzer = Heuristic{}

func (Heuristic) Analyze(_ context.Context, description string, c domain.RankedCandidate) (domain.AnalysisResult, error) {
	return domain.AnalysisResult{
		Score:     HeuristicScore(description, c),
		Rationale: Truncate(c.Candidate.Abstract, maxRationale),
		Backend:   BackendHeuristic,
	}, nil
}

// HeuristicScore is 70% query-term coverage and 30% clamped BM25, on 0..100.
func HeuristicScore(description string, c domain.RankedCandidate) float64 {
	query := uniq(ranking.Tokenize(description))
	if len(query) == 0 {
		return 0
	}
	doc := uniq(ranking.Tokenize(c.Candidate.Title + " " + c.Candidate.Abstract))

	hits := 0
	for term := range query {
		if _, ok := doc[term]; ok {
			hits++
		}
	}
	overlap := 100 * float64(hits) / float64(len(query))
	return domain.Clamp(0.7*overlap + 0.3*domain.Clamp(c.Score))
}

// Truncate trims s to at most max runes.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func uniq(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}
