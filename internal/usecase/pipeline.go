package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// PipelineConfig bounds one research cycle.
type PipelineConfig struct {
	MaxQueries          int
	PerQueryLimit       int
	TopK                int
	MaxAnalyze          int
	AnalysisConcurrency int
	BroadenOnEmpty      bool
}

// PipelineDeps wires the stage adapters into the research pipeline.
type PipelineDeps struct {
	Expander ports.QueryExpander
	Gateway  ports.RetrievalGateway
	Ranker   ports.Ranker
	Analyzer ports.Analyzer
	Config   PipelineConfig
	Logger   *slog.Logger
	Clock    func() time.Time
	NewID    func() string
}

// Pipeline runs retrieval, ranking, analysis and decision for one cycle.
// It holds no per-task state.
type Pipeline struct {
	expander ports.QueryExpander
	gateway  ports.RetrievalGateway
	ranker   ports.Ranker
	analyzer ports.Analyzer
	cfg      PipelineConfig
	logger   *slog.Logger
	clock    func() time.Time
	newID    func() string
}

var _ ports.CycleRunner = (*Pipeline)(nil)

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	cfg := deps.Config
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 5
	}
	if cfg.PerQueryLimit <= 0 {
		cfg.PerQueryLimit = 25
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.MaxAnalyze <= 0 {
		cfg.MaxAnalyze = 10
	}
	if cfg.AnalysisConcurrency <= 0 {
		cfg.AnalysisConcurrency = 4
	}
	expander := deps.Expander
	if expander == nil {
		expander = StaticExpander{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Pipeline{
		expander: expander,
		gateway:  deps.Gateway,
		ranker:   deps.Ranker,
		analyzer: deps.Analyzer,
		cfg:      cfg,
		logger:   deps.Logger,
		clock:    clock,
		newID:    newID,
	}
}

// RunCycle executes one cycle for task. prior holds the external ids of
// findings the task already has; they are never analyzed again. Source
// failures and empty retrieval are reported in diagnostics, not as errors.
func (p *Pipeline) RunCycle(ctx context.Context, task domain.Task, prior map[string]bool) (domain.CycleOutput, error) {
	var out domain.CycleOutput
	if p.gateway == nil || p.ranker == nil || p.analyzer == nil {
		return out, domain.NewFatal(fmt.Errorf("pipeline is not fully configured"))
	}

	req := domain.ParseRequest(task.Description)
	if req.Query == "" {
		return out, domain.NewFatal(fmt.Errorf("task %s has an empty description", task.ID))
	}

	queries, err := p.expander.Expand(ctx, req, p.cfg.MaxQueries)
	if err != nil || len(queries) == 0 {
		p.warn("expansion produced no queries, using task text", "task_id", task.ID, "error", err)
		queries, _ = StaticExpander{}.Expand(ctx, req, p.cfg.MaxQueries)
	}
	for _, q := range queries {
		out.UsedQueries = append(out.UsedQueries, q.Text)
	}

	opts := ports.FetchOptions{PerQueryLimit: p.cfg.PerQueryLimit, Categories: req.Categories}
	candidates, failures := p.gateway.Fetch(ctx, queries, opts)
	out.Diagnostics.SourceFailures = append(out.Diagnostics.SourceFailures, failures...)

	if len(candidates) == 0 && p.cfg.BroadenOnEmpty {
		if wider := Broaden(queries); len(wider) > 0 {
			out.Diagnostics.Broadened = true
			for _, q := range wider {
				out.UsedQueries = append(out.UsedQueries, q.Text)
			}
			candidates, failures = p.gateway.Fetch(ctx, wider, opts)
			out.Diagnostics.SourceFailures = append(out.Diagnostics.SourceFailures, failures...)
		}
	}
	out.Diagnostics.Retrieved = len(candidates)
	if err := ctx.Err(); err != nil {
		return out, domain.NewTransient(err)
	}
	if len(candidates) == 0 {
		p.debug("cycle retrieved nothing", "task_id", task.ID, "failures", len(out.Diagnostics.SourceFailures))
		return out, nil
	}

	ranked := p.ranker.Rank(req.Query, candidates)
	if len(ranked) > p.cfg.TopK {
		ranked = ranked[:p.cfg.TopK]
	}
	out.Diagnostics.Ranked = len(ranked)

	var todo []domain.RankedCandidate
	for _, rc := range ranked {
		if prior[rc.Candidate.ExternalID] {
			out.Diagnostics.SkippedPrior++
			continue
		}
		if len(todo) < p.cfg.MaxAnalyze {
			todo = append(todo, rc)
		}
	}
	if len(todo) == 0 {
		return out, nil
	}

	results, err := p.analyze(ctx, task, todo, &out.Diagnostics)
	if err != nil {
		return out, err
	}

	out.NewFindings = decide(task, results, p.clock().UTC(), p.newID)
	p.debug("cycle finished", "task_id", task.ID,
		"retrieved", out.Diagnostics.Retrieved,
		"analyzed", out.Diagnostics.Analyzed,
		"findings", len(out.NewFindings))
	return out, nil
}

// analyze scores candidates concurrently. Individual failures are counted
// and skipped; the cycle fails only when every analysis failed.
func (p *Pipeline) analyze(ctx context.Context, task domain.Task, todo []domain.RankedCandidate, diag *domain.Diagnostics) ([]analyzed, error) {
	slots := make([]*analyzed, len(todo))
	var (
		mu       sync.Mutex
		lastErr  error
		fatalErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.AnalysisConcurrency)
	for i, rc := range todo {
		g.Go(func() error {
			res, err := p.analyzer.Analyze(gctx, task.Description, rc)
			if err != nil {
				p.warn("analysis failed", "task_id", task.ID, "candidate", rc.Candidate.ExternalID, "error", err)
				mu.Lock()
				lastErr = err
				if domain.Classify(err) == domain.FailureFatal {
					fatalErr = err
				}
				mu.Unlock()
				return nil
			}
			slots[i] = &analyzed{candidate: rc, result: res}
			return nil
		})
	}
	_ = g.Wait()

	var results []analyzed
	for _, s := range slots {
		if s == nil {
			diag.AnalysisFailures++
			continue
		}
		if s.result.Fallback {
			diag.AnalysisFallbacks++
		}
		results = append(results, *s)
	}
	diag.Analyzed = len(results)

	if len(results) == 0 {
		if fatalErr != nil {
			return nil, fatalErr
		}
		if err := ctx.Err(); err != nil {
			return nil, domain.NewTransient(err)
		}
		return nil, domain.NewTransient(fmt.Errorf("all %d analyses failed: %w", len(todo), lastErr))
	}
	return results, nil
}

func (p *Pipeline) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Pipeline) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
