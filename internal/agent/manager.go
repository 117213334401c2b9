// Package agent runs the research workers: each worker repeatedly leases a
// task from the queue, runs one cycle and commits the outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/notify"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
	"github.com/fresh-milkshake/searcher-agent/internal/queue"
)

// Config tunes the worker pool.
type Config struct {
	// ID prefixes worker ids: "<ID>-1", "<ID>-2", ...
	ID           string
	Workers      int
	PollInterval time.Duration
	// DryRun skips persisting findings; instant messages go straight to the
	// notifier instead of the outbox.
	DryRun bool
	// StaleLease is how old another process's lease must be before it is
	// recovered, at start and by StaleLeaseJob.
	StaleLease time.Duration
}

// Deps wires the manager.
type Deps struct {
	Store    ports.Store
	Queue    *queue.Queue
	Runner   ports.CycleRunner
	Policy   *notify.Policy
	Notifier ports.Notifier
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Manager owns the worker loop.
type Manager struct {
	store    ports.Store
	queue    *queue.Queue
	runner   ports.CycleRunner
	policy   *notify.Policy
	notifier ports.Notifier
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time

	// dry-run findings per task, since nothing is persisted
	dryMu    sync.Mutex
	dryFound map[string]int
}

// NewManager builds a worker pool from deps, defaulting missing config.
func NewManager(deps Deps) *Manager {
	cfg := deps.Config
	if cfg.ID == "" {
		cfg.ID = "agent"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := deps.Policy
	if policy == nil {
		policy = notify.NewPolicy(clock, nil)
	}
	return &Manager{
		store:    deps.Store,
		queue:    deps.Queue,
		runner:   deps.Runner,
		policy:   policy,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		dryFound: make(map[string]int),
	}
}

// WorkerIDs lists the ids Run starts workers with.
func (m *Manager) WorkerIDs() []string {
	ids := make([]string, m.cfg.Workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", m.cfg.ID, i+1)
	}
	return ids
}

// Run releases leases left behind by earlier runs and runs the workers
// until ctx is done. Leases held by this manager's own worker ids are
// released whatever their age, since none of those workers is alive yet.
func (m *Manager) Run(ctx context.Context) error {
	n, err := m.queue.ReleaseWorkers(ctx, m.WorkerIDs())
	if err != nil {
		return fmt.Errorf("release own leases: %w", err)
	}
	if n > 0 {
		m.logger.Info("leases from previous run released", "count", n)
	}
	if err := m.recoverStale(ctx, m.clock()); err != nil {
		return err
	}

	m.logger.Info("agent started", "workers", m.cfg.Workers, "poll_interval", m.cfg.PollInterval, "dry_run", m.cfg.DryRun)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.WorkerIDs() {
		g.Go(func() error {
			m.work(gctx, id)
			return nil
		})
	}
	err = g.Wait()
	m.logger.Info("agent stopped")
	return err
}

func (m *Manager) recoverStale(ctx context.Context, now time.Time) error {
	if m.cfg.StaleLease <= 0 {
		return nil
	}
	n, err := m.queue.RecoverStale(ctx, now.Add(-m.cfg.StaleLease), m.WorkerIDs()...)
	if err != nil {
		return fmt.Errorf("recover stale leases: %w", err)
	}
	if n > 0 {
		m.logger.Info("stale leases recovered", "count", n)
	}
	return nil
}

// StaleLeaseJob releases, on every run, leases older than the configured
// stale age that belong to other processes.
type StaleLeaseJob struct {
	m *Manager
}

// StaleLeaseJob returns the periodic recovery job for this manager.
func (m *Manager) StaleLeaseJob() StaleLeaseJob {
	return StaleLeaseJob{m: m}
}

// Name identifies the job in scheduler logs.
func (j StaleLeaseJob) Name() string { return "stale-leases" }

// Run recovers leases older than the stale age as of at.
func (j StaleLeaseJob) Run(ctx context.Context, at time.Time) error {
	return j.m.recoverStale(ctx, at)
}

func (m *Manager) work(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		busy, err := m.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("worker iteration failed", "worker_id", workerID, "error", err)
		}
		if busy && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// RunOnce leases at most one task for workerID and processes one cycle of
// it. It reports false when no task was available.
func (m *Manager) RunOnce(ctx context.Context, workerID string) (bool, error) {
	task, err := m.queue.DequeueNext(ctx, workerID)
	if errors.Is(err, domain.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	return true, m.process(ctx, workerID, task)
}

func (m *Manager) process(ctx context.Context, workerID string, task domain.Task) error {
	log := m.logger.With("task_id", task.ID, "worker_id", workerID)
	if err := task.Validate(); err != nil {
		return m.fail(ctx, log, workerID, task, err)
	}

	prior, err := m.store.FindingKeys(ctx, task.ID)
	if err != nil {
		return m.requeue(ctx, log, workerID, task, domain.NewTransient(err))
	}

	started := m.clock()
	out, err := m.runner.RunCycle(ctx, task, prior)
	switch domain.Classify(err) {
	case domain.FailureTransient:
		return m.requeue(ctx, log, workerID, task, err)
	case domain.FailureFatal:
		return m.fail(ctx, log, workerID, task, err)
	}

	for _, sf := range out.Diagnostics.SourceFailures {
		log.Warn("source failed", "source", sf.Source, "query", sf.Query, "error", sf.Err)
	}
	log.Info("cycle finished",
		"cycle", task.CyclesCompleted+1,
		"findings", len(out.NewFindings),
		"retrieved", out.Diagnostics.Retrieved,
		"analyzed", out.Diagnostics.Analyzed,
		"broadened", out.Diagnostics.Broadened,
		"elapsed", m.clock().Sub(started))
	return m.commit(ctx, log, workerID, task, out)
}

// commit persists findings, their instant notifications and the task's
// cycle bookkeeping in one transaction.
func (m *Manager) commit(ctx context.Context, log *slog.Logger, workerID string, task domain.Task, out domain.CycleOutput) error {
	pctx := context.WithoutCancel(ctx)

	var (
		owner   domain.User
		instant []domain.Finding
		next    domain.Task
	)
	err := m.store.WithTx(pctx, func(tx ports.Repository) error {
		var err error
		if owner, err = notify.Owner(pctx, tx, task); err != nil {
			return err
		}
		findings := append([]domain.Finding(nil), out.NewFindings...)
		instant = m.policy.MarkInstant(owner, findings)

		if !m.cfg.DryRun {
			var inserted []domain.Finding
			for _, f := range findings {
				ok, err := tx.InsertFinding(pctx, f)
				if err != nil {
					return err
				}
				if ok {
					inserted = append(inserted, f)
				}
			}
			if err := m.policy.InstantTx(pctx, tx, owner, task, inserted); err != nil {
				return err
			}
		}

		if next, err = m.queue.FinishCycleTx(pctx, tx, task.ID, workerID); err != nil {
			return err
		}
		if next.Status == domain.StatusCompleted && !m.cfg.DryRun {
			return m.policy.CycleLimitTx(pctx, tx, owner, next)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit cycle for task %s: %w", task.ID, err)
	}

	if m.cfg.DryRun {
		found := m.countDryRun(task.ID, len(out.NewFindings))
		m.sendDirect(pctx, log, owner, task, instant)
		if next.Status == domain.StatusCompleted {
			m.sendCycleLimit(pctx, log, owner, next, found)
		}
	}
	if next.Status != domain.StatusQueued {
		log.Info("task state after cycle", "status", next.Status, "cycles", next.CyclesCompleted)
	}
	return nil
}

// countDryRun adds n to the findings a dry-run task produced so far and
// returns the running total.
func (m *Manager) countDryRun(taskID string, n int) int {
	m.dryMu.Lock()
	defer m.dryMu.Unlock()
	m.dryFound[taskID] += n
	return m.dryFound[taskID]
}

func (m *Manager) sendCycleLimit(ctx context.Context, log *slog.Logger, owner domain.User, task domain.Task, dryFound int) {
	m.dryMu.Lock()
	delete(m.dryFound, task.ID)
	m.dryMu.Unlock()

	persisted, err := m.store.CountFindings(ctx, task.ID)
	if err != nil {
		log.Warn("count findings for cycle-limit message", "error", err)
	}
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, owner.NotifyChat(), notify.CycleLimitMessage(task, persisted+dryFound)); err != nil {
		log.Warn("dry-run notification failed", "trigger", domain.TriggerCycleLimit, "error", err)
	}
}

func (m *Manager) sendDirect(ctx context.Context, log *slog.Logger, owner domain.User, task domain.Task, findings []domain.Finding) {
	if m.notifier == nil {
		return
	}
	for _, f := range findings {
		if err := m.notifier.Send(ctx, owner.NotifyChat(), notify.InstantMessage(task, f)); err != nil {
			log.Warn("dry-run notification failed", "candidate", f.Key(), "error", err)
		}
	}
}

func (m *Manager) requeue(ctx context.Context, log *slog.Logger, workerID string, task domain.Task, cause error) error {
	log.Warn("cycle failed, requeueing", "error", cause)
	return m.release(ctx, workerID, task, cause, m.queue.RequeueTx)
}

func (m *Manager) fail(ctx context.Context, log *slog.Logger, workerID string, task domain.Task, cause error) error {
	log.Error("cycle failed fatally", "error", cause)
	return m.release(ctx, workerID, task, cause, m.queue.FailTx)
}

type releaseFunc func(ctx context.Context, tx ports.Repository, taskID, workerID string, reason error) (domain.Task, error)

func (m *Manager) release(ctx context.Context, workerID string, task domain.Task, cause error, fn releaseFunc) error {
	pctx := context.WithoutCancel(ctx)
	err := m.store.WithTx(pctx, func(tx ports.Repository) error {
		next, err := fn(pctx, tx, task.ID, workerID, cause)
		if err != nil {
			return err
		}
		if next.Status != domain.StatusFailed {
			return nil
		}
		owner, err := notify.Owner(pctx, tx, next)
		if err != nil {
			return err
		}
		return m.policy.FailedTx(pctx, tx, owner, next)
	})
	if err != nil {
		return fmt.Errorf("release task %s: %w", task.ID, err)
	}
	return nil
}
