// Package ranking scores candidate documents against a query with Okapi BM25
// over title and abstract.
package ranking

import (
	"math"
	"sort"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// BM25 is a stateless ranker.
type BM25 struct {
	K1 float64
	B  float64
}

var _ ports.Ranker = BM25{}

// New returns a ranker with the usual k1/b parameters.
func New() BM25 {
	return BM25{K1: DefaultK1, B: DefaultB}
}

// Rank scores every candidate and returns them best first. Equal scores keep
// their retrieval order.
func (r BM25) Rank(query string, candidates []domain.Candidate) []domain.RankedCandidate {
	if len(candidates) == 0 {
		return []domain.RankedCandidate{}
	}

	docs := make([][]string, len(candidates))
	for i, c := range candidates {
		docs[i] = Tokenize(c.Title + " " + c.Abstract)
	}
	scores := r.Scores(Tokenize(query), docs)

	out := make([]domain.RankedCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = domain.RankedCandidate{Candidate: c, Score: scores[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Scores computes BM25 for pre-tokenized documents, aligned with docs.
func (r BM25) Scores(query []string, docs [][]string) []float64 {
	k1, b := r.K1, r.B
	if k1 == 0 && b == 0 {
		k1, b = DefaultK1, DefaultB
	}

	n := float64(len(docs))
	df := make(map[string]int)
	total := 0
	for _, doc := range docs {
		total += len(doc)
		seen := make(map[string]struct{}, len(doc))
		for _, term := range doc {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			df[term]++
		}
	}
	avgdl := float64(total) / math.Max(n, 1)

	idf := make(map[string]float64, len(query))
	for _, term := range query {
		nt := float64(df[term])
		idf[term] = math.Log((n-nt+0.5)/(nt+0.5) + 1)
	}

	scores := make([]float64, len(docs))
	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, term := range doc {
			tf[term]++
		}
		dl := float64(len(doc))
		var score float64
		for _, term := range query {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			denom := f + k1*(1-b+b*(dl/math.Max(avgdl, 1e-6)))
			score += idf[term] * (f * (k1 + 1)) / math.Max(denom, 1e-6)
		}
		scores[i] = score
	}
	return scores
}

// Top ranks candidates and keeps the best k; k <= 0 keeps everything.
func (r BM25) Top(query string, candidates []domain.Candidate, k int) []domain.RankedCandidate {
	return TopK(r.Rank(query, candidates), k)
}

// TopK truncates a ranked list.
func TopK(ranked []domain.RankedCandidate, k int) []domain.RankedCandidate {
	if k <= 0 || len(ranked) <= k {
		return ranked
	}
	return ranked[:k]
}
