package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
	"github.com/fresh-milkshake/searcher-agent/internal/queue"
)

// TaskServiceDeps wires the task command surface.
type TaskServiceDeps struct {
	Store               ports.Store
	Queue               *queue.Queue
	DefaultMinRelevance float64
	Logger              *slog.Logger
	Clock               func() time.Time
	NewID               func() string
}

// TaskService is what front-ends (CLI, bot) use to manage research tasks.
type TaskService struct {
	store        ports.Store
	queue        *queue.Queue
	minRelevance float64
	logger       *slog.Logger
	clock        func() time.Time
	newID        func() string
}

// NewTaskService constructs the task command surface.
func NewTaskService(deps TaskServiceDeps) *TaskService {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	minRelevance := deps.DefaultMinRelevance
	if minRelevance <= 0 {
		minRelevance = 50
	}
	return &TaskService{
		store:        deps.Store,
		queue:        deps.Queue,
		minRelevance: minRelevance,
		logger:       deps.Logger,
		clock:        clock,
		newID:        newID,
	}
}

func (s *TaskService) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// CreateTask queues a new task for userID, creating a Free user on first
// use. It fails with domain.ErrQuotaExceeded when the plan's daily quota or
// concurrency limit is reached.
func (s *TaskService) CreateTask(ctx context.Context, userID, description string) (domain.Task, error) {
	userID = strings.TrimSpace(userID)
	description = strings.TrimSpace(description)
	if userID == "" {
		return domain.Task{}, fmt.Errorf("create task: user id is required")
	}
	if description == "" {
		return domain.Task{}, fmt.Errorf("create task: description is required")
	}

	var created domain.Task
	err := s.store.WithTx(ctx, func(tx ports.Repository) error {
		user, err := s.ensureUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		plan := s.queue.Plans().Lookup(user.Plan)

		now := s.now()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		today, err := tx.CountTasks(ctx, ports.TaskFilter{UserID: userID, CreatedSince: dayStart})
		if err != nil {
			return err
		}
		if today >= plan.DailyQuota {
			return fmt.Errorf("%s plan allows %d tasks per day: %w", user.Plan.DisplayName(), plan.DailyQuota, domain.ErrQuotaExceeded)
		}
		active, err := tx.CountTasks(ctx, ports.TaskFilter{
			UserID:   userID,
			Statuses: []domain.TaskStatus{domain.StatusQueued, domain.StatusRunning},
		})
		if err != nil {
			return err
		}
		if active >= plan.MaxConcurrent {
			return fmt.Errorf("%s plan allows %d active tasks: %w", user.Plan.DisplayName(), plan.MaxConcurrent, domain.ErrQuotaExceeded)
		}

		minRelevance := user.Settings.MinRelevance
		if minRelevance <= 0 {
			minRelevance = s.minRelevance
		}
		created, err = s.queue.SubmitTx(ctx, tx, domain.Task{
			ID:           s.newID(),
			UserID:       userID,
			Title:        domain.TitleFromDescription(description),
			Description:  description,
			CyclesLimit:  plan.CycleLimit,
			MinRelevance: minRelevance,
			CreatedAt:    now,
		}, user.Plan)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}

	s.info("task created", "task_id", created.ID, "user_id", userID, "cycles_limit", created.CyclesLimit)
	return created, nil
}

// PauseTask stops a queued or running task from being scheduled. A running
// cycle finishes first.
func (s *TaskService) PauseTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.transition(ctx, taskID, domain.StatusPaused)
}

// ResumeTask puts a paused task back into the queue.
func (s *TaskService) ResumeTask(ctx context.Context, taskID string) (domain.Task, error) {
	var out domain.Task
	err := s.store.WithTx(ctx, func(tx ports.Repository) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != domain.StatusPaused {
			return domain.InvalidState(task.ID, task.Status, domain.StatusQueued)
		}
		out, err = s.queue.EnqueueTx(ctx, tx, taskID)
		return err
	})
	return out, err
}

// CancelTask terminates a task. An in-flight cycle still completes and its
// findings are kept.
func (s *TaskService) CancelTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.transition(ctx, taskID, domain.StatusCancelled)
}

func (s *TaskService) transition(ctx context.Context, taskID string, to domain.TaskStatus) (domain.Task, error) {
	var out domain.Task
	err := s.store.WithTx(ctx, func(tx ports.Repository) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(task.Status, to) {
			return domain.InvalidState(task.ID, task.Status, to)
		}
		now := s.now()
		next := task
		next.Status = to
		next.UpdatedAt = now
		if to.Terminal() {
			next.CompletedAt = &now
		}
		ok, err := tx.UpdateTask(ctx, next, ports.TaskGuard{Status: task.Status, WorkerID: task.WorkerID})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %s changed concurrently: %w", task.ID, domain.ErrInvalidState)
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	s.info("task status changed", "task_id", taskID, "status", to)
	return out, nil
}

// GetStatus reports progress for one task.
func (s *TaskService) GetStatus(ctx context.Context, taskID string) (domain.StatusReport, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.StatusReport{}, err
	}
	findings, err := s.store.CountFindings(ctx, taskID)
	if err != nil {
		return domain.StatusReport{}, err
	}
	return domain.StatusReport{
		TaskID:          task.ID,
		Status:          task.Status,
		CyclesCompleted: task.CyclesCompleted,
		CyclesLimit:     task.CyclesLimit,
		LastError:       task.LastError,
		Findings:        findings,
	}, nil
}

// ListTasks returns a user's tasks, oldest first.
func (s *TaskService) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return s.store.ListTasks(ctx, ports.TaskFilter{UserID: userID})
}

// Findings returns a task's findings, best first.
func (s *TaskService) Findings(ctx context.Context, taskID string) (domain.Task, []domain.Finding, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	findings, err := s.store.ListFindings(ctx, ports.FindingFilter{TaskID: taskID})
	if err != nil {
		return domain.Task{}, nil, err
	}
	return task, findings, nil
}

// UpgradePlan moves a user to another tier. Limits apply from the next
// check; running tasks keep their cycle limit.
func (s *TaskService) UpgradePlan(ctx context.Context, userID string, tier domain.PlanTier) (domain.User, error) {
	if _, err := domain.ParsePlanTier(string(tier)); err != nil {
		return domain.User{}, err
	}
	var out domain.User
	err := s.store.WithTx(ctx, func(tx ports.Repository) error {
		user, err := s.ensureUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		user.Plan = tier
		user.UpdatedAt = s.now()
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		out = user
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	s.info("plan changed", "user_id", userID, "plan", tier)
	return out, nil
}

func (s *TaskService) ensureUser(ctx context.Context, tx ports.Repository, userID string) (domain.User, error) {
	user, err := tx.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}
	now := s.now()
	user = domain.User{
		ID:        userID,
		ChatID:    userID,
		Plan:      domain.PlanFree,
		Settings:  domain.DefaultSettings(s.minRelevance),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.SaveUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (s *TaskService) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}
