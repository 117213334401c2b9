package usecase

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// StaticExpander passes the request through: explicit queries if present,
// otherwise the query text itself.
type StaticExpander struct{}

var _ ports.QueryExpander = StaticExpander{}

func (StaticExpander) Expand(_ context.Context, req domain.SearchRequest, max int) ([]domain.SearchQuery, error) {
	texts := req.Queries
	if len(texts) == 0 {
		texts = []string{req.Query}
	}
	return toQueries(texts, max), nil
}

// HeuristicExpander adds review and artifact variants to the base query.
type HeuristicExpander struct{}

var _ ports.QueryExpander = HeuristicExpander{}

func (HeuristicExpander) Expand(_ context.Context, req domain.SearchRequest, max int) ([]domain.SearchQuery, error) {
	base := strings.TrimSpace(req.Query)
	texts := append([]string{}, req.Queries...)
	texts = append(texts,
		base,
		base+" AND (survey OR review)",
		base+" AND (benchmark OR dataset OR code)",
		base+" NOT theory-only",
	)
	return toQueries(texts, max), nil
}

// FallbackExpander tries primary and falls back when it fails or returns
// nothing.
type FallbackExpander struct {
	Primary  ports.QueryExpander
	Fallback ports.QueryExpander
	Logger   *slog.Logger
}

var _ ports.QueryExpander = FallbackExpander{}

func (f FallbackExpander) Expand(ctx context.Context, req domain.SearchRequest, max int) ([]domain.SearchQuery, error) {
	if f.Primary != nil {
		queries, err := f.Primary.Expand(ctx, req, max)
		if err == nil && len(queries) > 0 {
			return queries, nil
		}
		if f.Logger != nil {
			f.Logger.Warn("query expansion failed, using fallback", "error", err)
		}
	}
	fallback := f.Fallback
	if fallback == nil {
		fallback = HeuristicExpander{}
	}
	return fallback.Expand(ctx, req, max)
}

// Broaden derives wider variants of queries joined with AND: drop the last
// clause, keep the first two clauses, and the plain words. Variants equal to
// an input query or to each other are dropped.
func Broaden(queries []domain.SearchQuery) []domain.SearchQuery {
	seen := map[string]struct{}{}
	for _, q := range queries {
		seen[strings.ToLower(q.Text)] = struct{}{}
	}

	var out []domain.SearchQuery
	add := func(text, source string) {
		text = strings.TrimSpace(text)
		key := strings.ToLower(text)
		if text == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, domain.SearchQuery{Text: text, Source: source})
	}

	for _, q := range queries {
		var parts []string
		for _, p := range strings.Split(q.Text, " AND ") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 1 {
			add(strings.Join(parts[:len(parts)-1], " AND "), q.Source)
		}
		if len(parts) > 2 {
			add(strings.Join(parts[:2], " AND "), q.Source)
		}
		add(strings.Join(parts, " "), q.Source)
	}
	return out
}

func toQueries(texts []string, max int) []domain.SearchQuery {
	seen := map[string]struct{}{}
	var out []domain.SearchQuery
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(t)]; dup {
			continue
		}
		seen[strings.ToLower(t)] = struct{}{}
		out = append(out, domain.SearchQuery{Text: t})
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
