package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// Completer sends one system and user prompt pair and returns the model text.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

const analysisSystemPrompt = `You are an expert research assistant. Given a paper's title and abstract,
assess relevance to the user's task and write a concise summary.
Reply with JSON only: {"relevance": <0-100>, "summary": "<text>"}.`

const strategySystemPrompt = `You turn a user task into a compact set of boolean-friendly search queries.
Prefer keyword-style queries (AND/OR/NOT, parentheses allowed), avoid redundancy,
respect category constraints and keep the set small and high-precision.
Reply with JSON only: {"queries": [{"query_text": "...", "source": "<source>", "rationale": "..."}]}.`

type analysisReply struct {
	Relevance *float64 `json:"relevance"`
	Summary   string   `json:"summary"`
}

type planReply struct {
	Queries []struct {
		QueryText string `json:"query_text"`
		Source    string `json:"source"`
		Rationale string `json:"rationale"`
	} `json:"queries"`
}

// Analyzer scores candidates with an LLM.
type Analyzer struct {
	model Completer
}

var _ ports.Analyzer = (*Analyzer)(nil)

// NewAnalyzer scores candidates with model.
func NewAnalyzer(model Completer) *Analyzer {
	return &Analyzer{model: model}
}

func (a *Analyzer) Analyze(ctx context.Context, description string, c domain.RankedCandidate) (domain.AnalysisResult, error) {
	raw, err := a.model.Complete(ctx, analysisSystemPrompt, analysisPrompt(description, c.Candidate))
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	var reply analysisReply
	if err := decodeJSON(raw, &reply); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("%s analysis reply: %w", a.model.Name(), err)
	}
	if reply.Relevance == nil {
		return domain.AnalysisResult{}, fmt.Errorf("%s analysis reply has no relevance", a.model.Name())
	}
	return domain.AnalysisResult{
		Score:     domain.Clamp(*reply.Relevance),
		Rationale: strings.TrimSpace(reply.Summary),
		Backend:   a.model.Name(),
	}, nil
}

// Expander asks an LLM for a query plan with per-query source hints.
type Expander struct {
	model   Completer
	sources []string
}

var _ ports.QueryExpander = (*Expander)(nil)

// NewExpander builds an expander that may route queries to sources.
func NewExpander(model Completer, sources []string) *Expander {
	return &Expander{model: model, sources: sources}
}

func (e *Expander) Expand(ctx context.Context, req domain.SearchRequest, max int) ([]domain.SearchQuery, error) {
	raw, err := e.model.Complete(ctx, strategySystemPrompt, strategyPrompt(req, max, e.sources))
	if err != nil {
		return nil, err
	}
	var plan planReply
	if err := decodeJSON(raw, &plan); err != nil {
		return nil, fmt.Errorf("%s query plan: %w", e.model.Name(), err)
	}

	var out []domain.SearchQuery
	for _, q := range plan.Queries {
		text := strings.TrimSpace(q.QueryText)
		if text == "" {
			continue
		}
		out = append(out, domain.SearchQuery{Text: text, Source: strings.ToLower(strings.TrimSpace(q.Source))})
		if max > 0 && len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s query plan is empty", e.model.Name())
	}
	return out, nil
}

func analysisPrompt(description string, c domain.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", strings.TrimSpace(description))
	fmt.Fprintf(&b, "Title: %s\n", c.Title)
	if len(c.Authors) > 0 {
		fmt.Fprintf(&b, "Authors: %s\n", strings.Join(c.Authors, ", "))
	}
	fmt.Fprintf(&b, "Abstract: %s\n", c.Abstract)
	return b.String()
}

func strategyPrompt(req domain.SearchRequest, max int, sources []string) string {
	categories := "none"
	if len(req.Categories) > 0 {
		categories = strings.Join(req.Categories, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Query)
	fmt.Fprintf(&b, "Categories: %s\n", categories)
	if len(req.Queries) > 0 {
		fmt.Fprintf(&b, "User-suggested queries: %s\n", strings.Join(req.Queries, "; "))
	}
	if len(sources) > 0 {
		fmt.Fprintf(&b, "Available sources: %s\n", strings.Join(sources, ", "))
	}
	fmt.Fprintf(&b, "Max queries: %d\n\nProduce up to %d focused queries with rationales.", max, max)
	return b.String()
}

// decodeJSON reads the first JSON object in s, tolerating code fences and
// prose around it.
func decodeJSON(s string, out any) error {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in reply")
	}
	return json.Unmarshal([]byte(s[start:end+1]), out)
}
