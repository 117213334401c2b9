package domain

import (
	"encoding/json"
	"strings"
)

// SearchRequest is the parsed form of a task description.
type SearchRequest struct {
	Query      string
	Queries    []string
	Categories []string
}

// SearchQuery is one expanded query with an optional source hint.
type SearchQuery struct {
	Text   string
	Source string
}

type structuredDescription struct {
	Query      string   `json:"query"`
	Queries    []string `json:"queries"`
	Categories []string `json:"categories"`
}

// ParseRequest reads a task description. Plain text is used verbatim; a JSON
// object may override the query text and carry explicit queries and arXiv
// categories.
func ParseRequest(description string) SearchRequest {
	raw := strings.TrimSpace(description)
	req := SearchRequest{Query: raw}
	if !strings.HasPrefix(raw, "{") {
		return req
	}

	var parsed structuredDescription
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return req
	}
	if q := strings.TrimSpace(parsed.Query); q != "" {
		req.Query = q
	}
	req.Queries = compact(parsed.Queries)
	req.Categories = compact(parsed.Categories)
	if req.Query == raw && len(req.Queries) > 0 {
		req.Query = strings.Join(req.Queries, " ")
	}
	return req
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SourceFailure records a retrieval source that failed for one query.
type SourceFailure struct {
	Source string
	Query  string
	Err    string
}

// Diagnostics describe how a cycle went without affecting its outcome.
type Diagnostics struct {
	Retrieved         int
	Ranked            int
	Analyzed          int
	SkippedPrior      int
	AnalysisFailures  int
	AnalysisFallbacks int
	Broadened         bool
	SourceFailures    []SourceFailure
}

// CycleOutput is what one pipeline run hands back to the manager.
type CycleOutput struct {
	NewFindings []Finding
	UsedQueries []string
	Diagnostics Diagnostics
}
