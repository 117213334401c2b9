package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// Stage wraps the configured analyzer with a per-call deadline and an
// optional fallback analyzer.
type Stage struct {
	primary  ports.Analyzer
	fallback ports.Analyzer
	timeout  time.Duration
	logger   *slog.Logger
}

var _ ports.Analyzer = (*Stage)(nil)

// StageConfig configures NewStage. A nil Fallback disables fallback.
type StageConfig struct {
	Primary  ports.Analyzer
	Fallback ports.Analyzer
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewStage constructs the analysis stage, defaulting to the heuristic scorer.
func NewStage(cfg StageConfig) *Stage {
	primary := cfg.Primary
	if primary == nil {
		primary = Heuristic{}
	}
	return &Stage{
		primary:  primary,
		fallback: cfg.Fallback,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Analyze returns the primary result, or the fallback result marked as such
// when the primary fails. Without a fallback, failures come back transient.
func (s *Stage) Analyze(ctx context.Context, description string, c domain.RankedCandidate) (domain.AnalysisResult, error) {
	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.primary.Analyze(callCtx, description, c)
	if err == nil {
		res.Score = domain.Clamp(res.Score)
		return res, nil
	}

	if ctx.Err() != nil {
		return domain.AnalysisResult{}, domain.NewTransient(ctx.Err())
	}
	if s.fallback == nil {
		if domain.Classify(err) == domain.FailureFatal {
			return domain.AnalysisResult{}, err
		}
		return domain.AnalysisResult{}, domain.NewTransient(fmt.Errorf("analyze %s: %w", c.Candidate.ExternalID, err))
	}

	if s.logger != nil {
		s.logger.Warn("analyzer failed, using fallback",
			"candidate", c.Candidate.ExternalID, "timeout", domain.IsTimeout(err), "error", err)
	}
	res, ferr := s.fallback.Analyze(ctx, description, c)
	if ferr != nil {
		return domain.AnalysisResult{}, domain.NewTransient(fmt.Errorf("fallback analyze %s: %w", c.Candidate.ExternalID, ferr))
	}
	res.Score = domain.Clamp(res.Score)
	res.Fallback = true
	return res, nil
}
