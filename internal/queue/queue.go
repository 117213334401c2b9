// Package queue owns task lifecycle transitions: submission, priority
// dequeue with per-user concurrency, cycle completion and retries. Every
// transition is a status-guarded compare-and-swap inside a transaction, so
// the store is the only synchronization point between workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// Config tunes a Queue.
type Config struct {
	Plans    domain.PlanTable
	Priority PriorityConfig
	// RetryCeiling is the number of transient failures tolerated before a
	// task fails.
	RetryCeiling int
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Queue is the persistent, priority-ordered task queue.
type Queue struct {
	store        ports.Store
	plans        domain.PlanTable
	model        PriorityModel
	retryCeiling int
	clock        func() time.Time
	logger       *slog.Logger
}

// New returns a queue over store, defaulting missing config.
func New(store ports.Store, cfg Config) *Queue {
	plans := cfg.Plans
	if plans == nil {
		plans = domain.DefaultPlans()
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		store:        store,
		plans:        plans,
		model:        NewPriorityModel(cfg.Priority, plans),
		retryCeiling: cfg.RetryCeiling,
		clock:        clock,
		logger:       cfg.Logger,
	}
}

// Plans exposes the tier table the queue enforces.
func (q *Queue) Plans() domain.PlanTable {
	return q.plans
}

func (q *Queue) now() time.Time {
	return q.clock().UTC().Truncate(time.Microsecond)
}

// SubmitTx inserts a new task as queued with its initial priority.
func (q *Queue) SubmitTx(ctx context.Context, tx ports.Repository, task domain.Task, tier domain.PlanTier) (domain.Task, error) {
	now := q.now()
	task.Status = domain.StatusQueued
	task.WorkerID = ""
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if err := task.Validate(); err != nil {
		return domain.Task{}, err
	}
	task.Priority = q.model.Score(task, tier, now)
	if err := tx.InsertTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Enqueue puts a queued or paused task (back) into the queue with a fresh
// priority. Running, completed, failed and cancelled tasks are rejected.
func (q *Queue) Enqueue(ctx context.Context, taskID string) (domain.Task, error) {
	var out domain.Task
	err := q.store.WithTx(ctx, func(tx ports.Repository) error {
		var err error
		out, err = q.EnqueueTx(ctx, tx, taskID)
		return err
	})
	return out, err
}

// EnqueueTx is Enqueue inside an open transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx ports.Repository, taskID string) (domain.Task, error) {
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.StatusQueued && task.Status != domain.StatusPaused {
		return domain.Task{}, domain.InvalidState(task.ID, task.Status, domain.StatusQueued)
	}
	if !task.CycleBudgetLeft() {
		return domain.Task{}, domain.InvalidState(task.ID, task.Status, domain.StatusQueued)
	}

	tier := domain.PlanFree
	if user, err := tx.GetUser(ctx, task.UserID); err == nil {
		tier = user.Plan
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Task{}, err
	}

	now := q.now()
	next := task
	next.Status = domain.StatusQueued
	next.UpdatedAt = now
	next.Priority = q.model.Score(next, tier, now)
	if err := q.swap(ctx, tx, task, next); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

type candidate struct {
	task     domain.Task
	tier     domain.PlanTier
	priority float64
}

// DequeueNext leases the highest-priority queued task whose owner is below
// their plan's concurrency to workerID, marking it running. It returns
// domain.ErrNoTask when nothing is eligible.
func (q *Queue) DequeueNext(ctx context.Context, workerID string) (domain.Task, error) {
	if workerID == "" {
		return domain.Task{}, fmt.Errorf("dequeue: worker id is required")
	}

	var picked domain.Task
	err := q.store.WithTx(ctx, func(tx ports.Repository) error {
		tasks, err := tx.ListTasks(ctx, ports.TaskFilter{
			Statuses: []domain.TaskStatus{domain.StatusQueued},
			Idle:     true,
		})
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return domain.ErrNoTask
		}

		userIDs := make([]string, 0, len(tasks))
		seen := make(map[string]struct{}, len(tasks))
		for _, t := range tasks {
			if _, ok := seen[t.UserID]; !ok {
				seen[t.UserID] = struct{}{}
				userIDs = append(userIDs, t.UserID)
			}
		}
		users, err := tx.GetUsers(ctx, userIDs)
		if err != nil {
			return err
		}
		inFlight, err := tx.InFlightByUser(ctx)
		if err != nil {
			return err
		}

		now := q.now()
		cands := make([]candidate, 0, len(tasks))
		for _, t := range tasks {
			tier := domain.PlanFree
			if u, ok := users[t.UserID]; ok {
				tier = u.Plan
			}
			cands = append(cands, candidate{task: t, tier: tier, priority: q.model.Score(t, tier, now)})
		}
		sort.SliceStable(cands, func(i, j int) bool {
			a, b := cands[i], cands[j]
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			if !a.task.UpdatedAt.Equal(b.task.UpdatedAt) {
				return a.task.UpdatedAt.After(b.task.UpdatedAt)
			}
			return a.task.ID < b.task.ID
		})

		locked := make(map[string]bool)
		for _, c := range cands {
			limit := q.plans.Lookup(c.tier).MaxConcurrent
			if inFlight[c.task.UserID] >= limit {
				continue
			}
			if !locked[c.task.UserID] {
				// Serialize concurrent dequeuers per owner, then recount
				// under the lock.
				if err := tx.LockUser(ctx, c.task.UserID); err != nil {
					return err
				}
				locked[c.task.UserID] = true
				if inFlight, err = tx.InFlightByUser(ctx); err != nil {
					return err
				}
				if inFlight[c.task.UserID] >= limit {
					continue
				}
			}

			next := c.task
			next.Status = domain.StatusRunning
			next.WorkerID = workerID
			next.Priority = c.priority
			next.StartedAt = &now
			next.LastDequeuedAt = &now
			next.UpdatedAt = now
			ok, err := tx.UpdateTask(ctx, next, ports.TaskGuard{Status: domain.StatusQueued})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			picked = next
			return nil
		}
		return domain.ErrNoTask
	})
	if err != nil {
		return domain.Task{}, err
	}

	q.debug("task dequeued", "task_id", picked.ID, "worker_id", workerID, "priority", picked.Priority)
	return picked, nil
}

// FinishCycleTx records a successful cycle for a task leased by workerID and
// releases the lease. Tasks that reached their cycle limit complete; paused
// and cancelled tasks keep their status.
func (q *Queue) FinishCycleTx(ctx context.Context, tx ports.Repository, taskID, workerID string) (domain.Task, error) {
	task, err := q.leased(ctx, tx, taskID, workerID)
	if err != nil {
		return domain.Task{}, err
	}

	now := q.now()
	next := release(task, now)
	next.CyclesCompleted++
	next.RetryCount = 0
	next.LastError = ""

	switch task.Status {
	case domain.StatusRunning, domain.StatusQueued:
		next.Status = domain.StatusQueued
		if !next.CycleBudgetLeft() {
			next.Status = domain.StatusCompleted
			next.CompletedAt = &now
		}
	case domain.StatusPaused:
		if !next.CycleBudgetLeft() {
			next.Status = domain.StatusCompleted
			next.CompletedAt = &now
		}
	case domain.StatusCancelled:
	default:
		return domain.Task{}, domain.InvalidState(task.ID, task.Status, domain.StatusQueued)
	}

	if err := q.swap(ctx, tx, task, next); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

// Requeue releases a task after a transient failure. The retry counter is
// independent of cycles; past the ceiling the task fails.
func (q *Queue) Requeue(ctx context.Context, taskID, workerID string, reason error) (domain.Task, error) {
	var out domain.Task
	err := q.store.WithTx(ctx, func(tx ports.Repository) error {
		var err error
		out, err = q.RequeueTx(ctx, tx, taskID, workerID, reason)
		return err
	})
	return out, err
}

// RequeueTx is Requeue inside an open transaction.
func (q *Queue) RequeueTx(ctx context.Context, tx ports.Repository, taskID, workerID string, reason error) (domain.Task, error) {
	task, err := q.leased(ctx, tx, taskID, workerID)
	if err != nil {
		return domain.Task{}, err
	}

	now := q.now()
	next := release(task, now)
	next.RetryCount++
	next.LastError = errText(reason)

	if task.Status == domain.StatusRunning || task.Status == domain.StatusQueued {
		next.Status = domain.StatusQueued
		if next.RetryCount > q.retryCeiling {
			next.Status = domain.StatusFailed
			next.CompletedAt = &now
		}
	}

	if err := q.swap(ctx, tx, task, next); err != nil {
		return domain.Task{}, err
	}
	if next.Status == domain.StatusFailed {
		q.warn("task failed after retries", "task_id", task.ID, "retries", next.RetryCount, "error", next.LastError)
	}
	return next, nil
}

// FailTx terminates a task after a fatal error. A task cancelled while in
// flight stays cancelled.
func (q *Queue) FailTx(ctx context.Context, tx ports.Repository, taskID, workerID string, reason error) (domain.Task, error) {
	task, err := q.leased(ctx, tx, taskID, workerID)
	if err != nil {
		return domain.Task{}, err
	}

	now := q.now()
	next := release(task, now)
	next.LastError = errText(reason)
	if task.Status != domain.StatusCancelled {
		next.Status = domain.StatusFailed
		next.CompletedAt = &now
	}
	if err := q.swap(ctx, tx, task, next); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

// RecoverStale releases leases taken before cutoff, except those held by
// the worker ids in keep. Running tasks go back to the queue; it returns how
// many leases were released.
func (q *Queue) RecoverStale(ctx context.Context, cutoff time.Time, keep ...string) (int, error) {
	skip := make(map[string]bool, len(keep))
	for _, id := range keep {
		skip[id] = true
	}
	return q.releaseLeases(ctx, func(t domain.Task) bool {
		if skip[t.WorkerID] {
			return false
		}
		return t.StartedAt == nil || t.StartedAt.Before(cutoff)
	})
}

// ReleaseWorkers releases every lease held by workerIDs regardless of age.
// Callers pass ids that cannot belong to a live worker, such as their own
// before starting.
func (q *Queue) ReleaseWorkers(ctx context.Context, workerIDs []string) (int, error) {
	owned := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		owned[id] = true
	}
	return q.releaseLeases(ctx, func(t domain.Task) bool {
		return owned[t.WorkerID]
	})
}

func (q *Queue) releaseLeases(ctx context.Context, match func(domain.Task) bool) (int, error) {
	recovered := 0
	err := q.store.WithTx(ctx, func(tx ports.Repository) error {
		tasks, err := tx.ListTasks(ctx, ports.TaskFilter{Statuses: []domain.TaskStatus{
			domain.StatusRunning, domain.StatusQueued, domain.StatusPaused, domain.StatusCancelled,
		}})
		if err != nil {
			return err
		}
		now := q.now()
		for _, t := range tasks {
			if t.WorkerID == "" || !match(t) {
				continue
			}
			next := release(t, now)
			if t.Status == domain.StatusRunning {
				next.Status = domain.StatusQueued
			}
			ok, err := tx.UpdateTask(ctx, next, ports.TaskGuard{Status: t.Status, WorkerID: t.WorkerID})
			if err != nil {
				return err
			}
			if ok {
				recovered++
				q.warn("released abandoned lease", "task_id", t.ID, "worker_id", t.WorkerID)
			}
		}
		return nil
	})
	return recovered, err
}

func (q *Queue) leased(ctx context.Context, tx ports.Repository, taskID, workerID string) (domain.Task, error) {
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if workerID == "" || task.WorkerID != workerID {
		return domain.Task{}, fmt.Errorf("task %s is not leased by %q: %w", taskID, workerID, domain.ErrInvalidState)
	}
	return task, nil
}

func (q *Queue) swap(ctx context.Context, tx ports.Repository, prev, next domain.Task) error {
	ok, err := tx.UpdateTask(ctx, next, ports.TaskGuard{Status: prev.Status, WorkerID: prev.WorkerID})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s changed concurrently: %w", prev.ID, domain.ErrInvalidState)
	}
	return nil
}

func release(t domain.Task, now time.Time) domain.Task {
	t.WorkerID = ""
	t.StartedAt = nil
	t.UpdatedAt = now
	return t
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (q *Queue) debug(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Debug(msg, args...)
	}
}

func (q *Queue) warn(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Warn(msg, args...)
	}
}
