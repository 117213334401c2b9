package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/agent"
	"github.com/fresh-milkshake/searcher-agent/internal/analysis"
	"github.com/fresh-milkshake/searcher-agent/internal/config"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/llm"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/scheduler"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/sources"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/storage"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/telegram"
	"github.com/fresh-milkshake/searcher-agent/internal/logging"
	"github.com/fresh-milkshake/searcher-agent/internal/notify"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
	"github.com/fresh-milkshake/searcher-agent/internal/queue"
	"github.com/fresh-milkshake/searcher-agent/internal/ranking"
	"github.com/fresh-milkshake/searcher-agent/internal/retrieval"
	"github.com/fresh-milkshake/searcher-agent/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	tasks    *usecase.TaskService
	manager  *agent.Manager
	digests  *usecase.Scheduler
	dispatch *usecase.Scheduler
	recovery *usecase.Scheduler
}

// New opens the store and builds every component from configuration.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	app := &Application{cfg: cfg, logger: baseLogger, store: store}
	if err := app.wire(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return app, nil
}

func (a *Application) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.logger
	httpClient := &http.Client{Timeout: cfg.Pipeline.SourceTimeout}

	registry := retrieval.NewRegistry(
		sources.NewArxiv(httpClient, cfg.Sources.Arxiv.URL),
		sources.NewScholar(httpClient, cfg.Sources.Scholar.URL),
		sources.NewPubMed(httpClient, cfg.Sources.PubMed.URL),
		sources.NewGitHub(httpClient, cfg.Sources.GitHub.URL, cfg.Sources.GitHub.Token),
	)
	for _, name := range cfg.Pipeline.DefaultSources {
		if !registry.Has(name) {
			return fmt.Errorf("unknown default source %q (have %s)", name, strings.Join(registry.Names(), ", "))
		}
	}
	gateway := retrieval.NewGateway(registry, retrieval.GatewayConfig{
		DefaultSources: cfg.Pipeline.DefaultSources,
		Timeout:        cfg.Pipeline.SourceTimeout,
	}, log.With("component", "retrieval"))

	analyzer, err := a.analyzer(ctx)
	if err != nil {
		return err
	}
	expander, err := a.expander(ctx, registry.Names())
	if err != nil {
		return err
	}

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Expander: expander,
		Gateway:  gateway,
		Ranker:   ranking.New(),
		Analyzer: analyzer,
		Config: usecase.PipelineConfig{
			MaxQueries:          cfg.Pipeline.MaxQueries,
			PerQueryLimit:       cfg.Pipeline.PerQueryLimit,
			TopK:                cfg.Pipeline.TopK,
			MaxAnalyze:          cfg.Pipeline.MaxAnalyze,
			AnalysisConcurrency: cfg.Pipeline.AnalysisConcurrency,
			BroadenOnEmpty:      cfg.Pipeline.BroadenOnEmpty,
		},
		Logger: log.With("component", "pipeline"),
	})

	q := queue.New(a.store, queue.Config{
		Plans: cfg.Plans.Table(),
		Priority: queue.PriorityConfig{
			RecencyBonus:   cfg.Queue.RecencyBonus,
			RecencyWindow:  cfg.Queue.RecencyWindow,
			StarvationBase: cfg.Queue.StarvationBase,
			AgingPerMinute: cfg.Queue.AgingPerMinute,
		},
		RetryCeiling: cfg.Agent.RetryCeiling,
		Logger:       log.With("component", "queue"),
	})

	a.tasks = usecase.NewTaskService(usecase.TaskServiceDeps{
		Store:               a.store,
		Queue:               q,
		DefaultMinRelevance: cfg.Pipeline.DefaultMinRelevance,
		Logger:              log.With("component", "tasks"),
	})

	notifier := a.notifier()
	policy := notify.NewPolicy(nil, nil)
	a.manager = agent.NewManager(agent.Deps{
		Store:    a.store,
		Queue:    q,
		Runner:   pipeline,
		Policy:   policy,
		Notifier: notifier,
		Config: agent.Config{
			ID:           cfg.Agent.ID,
			Workers:      cfg.Agent.Workers,
			PollInterval: cfg.Agent.PollInterval,
			DryRun:       cfg.Agent.DryRun,
			StaleLease:   cfg.Agent.StaleLease,
		},
		Logger: log.With("component", "agent"),
	})

	schedLog := log.With("component", "scheduler")
	a.digests = usecase.NewScheduler(
		scheduler.NewTicker(cfg.Notifications.DigestInterval), schedLog,
		notify.NewDigestJob(a.store, policy, log.With("component", "digest")),
	)
	a.dispatch = usecase.NewScheduler(
		scheduler.NewTicker(cfg.Notifications.DispatchInterval), schedLog,
		notify.NewDispatcher(a.store, notifier, notify.DispatcherConfig{
			TestUserID:    cfg.Agent.TestUserID,
			DefaultChatID: cfg.Notifications.Telegram.ChatID,
			BatchSize:     cfg.Notifications.DispatchBatch,
			Logger:        log.With("component", "dispatch"),
		}),
	)

	var recoveryDriver ports.Scheduler
	if stale := cfg.Agent.StaleLease; stale > 0 {
		recoveryDriver = scheduler.NewTicker(max(stale/2, time.Minute))
	}
	a.recovery = usecase.NewScheduler(recoveryDriver, schedLog, a.manager.StaleLeaseJob())
	return nil
}

func (a *Application) analyzer(ctx context.Context) (ports.Analyzer, error) {
	backend := strings.ToLower(a.cfg.Analysis.Backend)
	stage := analysis.StageConfig{
		Timeout: a.cfg.Pipeline.AnalysisTimeout,
		Logger:  a.logger.With("component", "analysis"),
	}
	if backend == "" || backend == analysis.BackendHeuristic {
		stage.Primary = analysis.Heuristic{}
		return analysis.NewStage(stage), nil
	}

	model, err := a.completer(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("analysis backend: %w", err)
	}
	stage.Primary = llm.NewAnalyzer(model)
	if a.cfg.Analysis.Fallback {
		stage.Fallback = analysis.Heuristic{}
	}
	return analysis.NewStage(stage), nil
}

func (a *Application) expander(ctx context.Context, sourceNames []string) (ports.QueryExpander, error) {
	switch name := strings.ToLower(a.cfg.Pipeline.Expander); name {
	case "", "static":
		return usecase.StaticExpander{}, nil
	case "heuristic":
		return usecase.HeuristicExpander{}, nil
	default:
		model, err := a.completer(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("query expander: %w", err)
		}
		return usecase.FallbackExpander{
			Primary:  llm.NewExpander(model, sourceNames),
			Fallback: usecase.HeuristicExpander{},
			Logger:   a.logger.With("component", "expander"),
		}, nil
	}
}

func (a *Application) completer(ctx context.Context, name string) (llm.Completer, error) {
	switch name {
	case "openai", "chatgpt":
		if a.cfg.ChatGPT.APIKey == "" {
			return nil, errors.New("chatgpt api key is not set")
		}
		return llm.NewChatGPTClient(a.cfg.ChatGPT, nil), nil
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, a.cfg.Gemini, nil)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", name)
	}
}

func (a *Application) notifier() ports.Notifier {
	tg := a.cfg.Notifications.Telegram
	if tg.BotToken == "" {
		a.logger.Warn("telegram bot token not set, notifications go to the log")
		return notify.LogNotifier{Logger: a.logger.With("component", "notifier")}
	}
	return telegram.NewNotifier(tg.BotToken, tg.APIURL, nil)
}

// Tasks exposes the task command surface.
func (a *Application) Tasks() *usecase.TaskService {
	return a.tasks
}

// Run starts the background schedulers and the worker pool, and blocks
// until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	schedulers := []struct {
		name string
		s    *usecase.Scheduler
	}{
		{"digest", a.digests},
		{"dispatch", a.dispatch},
		{"recovery", a.recovery},
	}
	stopCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	started := 0
	defer func() {
		sctx, cancel := stopCtx()
		defer cancel()
		for _, sc := range schedulers[:started] {
			if err := sc.s.Stop(sctx); err != nil {
				a.logger.Warn("stop scheduler", "scheduler", sc.name, "error", err)
			}
		}
	}()
	for _, sc := range schedulers {
		if err := sc.s.Start(ctx); err != nil {
			return fmt.Errorf("start %s scheduler: %w", sc.name, err)
		}
		started++
	}

	return a.manager.Run(ctx)
}

// Close releases the store.
func (a *Application) Close() error {
	return a.store.Close()
}
