package retrieval

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// GatewayConfig controls source selection and call bounds.
type GatewayConfig struct {
	// DefaultSources are queried, in order, for queries without a usable hint.
	DefaultSources []string
	Timeout        time.Duration
	Concurrency    int
}

// Gateway implements ports.RetrievalGateway over a Registry.
type Gateway struct {
	registry *Registry
	cfg      GatewayConfig
	logger   *slog.Logger
}

var _ ports.RetrievalGateway = (*Gateway)(nil)

// NewGateway wires the registry with selection settings.
func NewGateway(reg *Registry, cfg GatewayConfig, log *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if len(cfg.DefaultSources) == 0 && reg != nil {
		cfg.DefaultSources = reg.Names()
	}
	return &Gateway{registry: reg, cfg: cfg, logger: log}
}

type call struct {
	query  string
	source Source
}

// SourcesFor picks the sources a query is sent to: its hint when that names a
// registered source, otherwise the configured defaults.
func (g *Gateway) SourcesFor(q domain.SearchQuery) []string {
	if q.Source != "" && g.registry.Has(q.Source) {
		return []string{q.Source}
	}
	var out []string
	for _, name := range g.cfg.DefaultSources {
		if g.registry.Has(name) {
			out = append(out, name)
		}
	}
	return out
}

// Fetch runs every (query, source) pair concurrently. Results are merged in
// plan order and deduplicated by external id, so the output does not depend
// on which call finishes first. A failing call is recorded and skipped.
func (g *Gateway) Fetch(ctx context.Context, queries []domain.SearchQuery, opts ports.FetchOptions) ([]domain.Candidate, []domain.SourceFailure) {
	if g.registry == nil {
		return nil, []domain.SourceFailure{{Err: "source registry is not configured"}}
	}

	var plan []call
	for _, q := range queries {
		for _, name := range g.SourcesFor(q) {
			src, err := g.registry.Resolve(name)
			if err != nil {
				continue
			}
			plan = append(plan, call{query: q.Text, source: src})
		}
	}
	g.debug("fetch", "queries", len(queries), "calls", len(plan))

	results := make([][]domain.Candidate, len(plan))
	errs := make([]error, len(plan))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(g.cfg.Concurrency)
	for i, c := range plan {
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, g.cfg.Timeout)
			defer cancel()

			found, err := c.source.Search(callCtx, Request{
				Query:      c.query,
				Limit:      opts.PerQueryLimit,
				Categories: opts.Categories,
			})
			if err != nil {
				errs[i] = err
				return nil
			}
			for j := range found {
				if found[j].Source == "" {
					found[j].Source = c.source.Name()
				}
			}
			results[i] = found
			return nil
		})
	}
	_ = group.Wait()

	var (
		merged   []domain.Candidate
		failures []domain.SourceFailure
		seen     = map[string]struct{}{}
	)
	for i, c := range plan {
		if errs[i] != nil {
			g.warn("source failed", "source", c.source.Name(), "query", c.query, "error", errs[i])
			failures = append(failures, domain.SourceFailure{
				Source: c.source.Name(),
				Query:  c.query,
				Err:    errs[i].Error(),
			})
			continue
		}
		for _, cand := range results[i] {
			if cand.ExternalID == "" {
				continue
			}
			if _, dup := seen[cand.ExternalID]; dup {
				continue
			}
			seen[cand.ExternalID] = struct{}{}
			merged = append(merged, cand)
		}
	}

	g.debug("fetch done", "candidates", len(merged), "failures", len(failures))
	return merged, failures
}

func (g *Gateway) debug(msg string, args ...interface{}) {
	if g.logger != nil {
		g.logger.Debug(msg, args...)
	}
}

func (g *Gateway) warn(msg string, args ...interface{}) {
	if g.logger != nil {
		g.logger.Warn(msg, args...)
	}
}
