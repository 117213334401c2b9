package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// DigestJob enqueues daily and weekly digests for the last closed period.
// It is safe to run often: each (task, trigger, period) is enqueued once.
type DigestJob struct {
	store  ports.Store
	policy *Policy
	logger *slog.Logger
}

// NewDigestJob constructs the periodic digest producer.
func NewDigestJob(store ports.Store, policy *Policy, logger *slog.Logger) *DigestJob {
	return &DigestJob{store: store, policy: policy, logger: logger}
}

// Name identifies the job in scheduler logs.
func (j *DigestJob) Name() string { return "digest" }

// DailyPeriod is the previous UTC day relative to at.
func DailyPeriod(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	end := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, 0, -1), end
}

// WeeklyPeriod is the previous Monday-to-Monday UTC week relative to at.
func WeeklyPeriod(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	today := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(today.Weekday()) + 6) % 7
	end := today.AddDate(0, 0, -offset)
	return end.AddDate(0, 0, -7), end
}

// Run enqueues the digests due at time at. Only tasks with findings in the
// weekly or daily window are loaded.
func (j *DigestJob) Run(ctx context.Context, at time.Time) error {
	dayStart, dayEnd := DailyPeriod(at)
	weekStart, weekEnd := WeeklyPeriod(at)

	// The weekly window starts first and the daily one ends last.
	findings, err := j.store.ListFindings(ctx, ports.FindingFilter{
		Since:          weekStart,
		Until:          dayEnd,
		ExcludeInstant: true,
	})
	if err != nil {
		return fmt.Errorf("list findings for digest: %w", err)
	}
	if len(findings) == 0 {
		return nil
	}

	byTask := make(map[string][]domain.Finding)
	var taskIDs []string
	for _, f := range findings {
		if _, ok := byTask[f.TaskID]; !ok {
			taskIDs = append(taskIDs, f.TaskID)
		}
		byTask[f.TaskID] = append(byTask[f.TaskID], f)
	}

	tasks := make([]domain.Task, 0, len(taskIDs))
	userIDs := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		task, err := j.store.GetTask(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load digest task: %w", err)
		}
		tasks = append(tasks, task)
		userIDs = append(userIDs, task.UserID)
	}
	users, err := j.store.GetUsers(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("load digest recipients: %w", err)
	}

	enqueued := 0
	for _, task := range tasks {
		user, ok := users[task.UserID]
		if !ok {
			continue
		}
		found := byTask[task.ID]
		n, err := j.enqueue(ctx, user, task, domain.TriggerDaily, dayStart,
			within(found, dayStart, dayEnd, user.Settings.DailyThreshold))
		if err != nil {
			return err
		}
		enqueued += n
		n, err = j.enqueue(ctx, user, task, domain.TriggerWeekly, weekStart,
			within(found, weekStart, weekEnd, user.Settings.WeeklyThreshold))
		if err != nil {
			return err
		}
		enqueued += n
	}
	if enqueued > 0 && j.logger != nil {
		j.logger.Info("digests enqueued", "count", enqueued)
	}
	return nil
}

// within keeps findings created in [from, until) scoring at least threshold.
func within(findings []domain.Finding, from, until time.Time, threshold float64) []domain.Finding {
	var out []domain.Finding
	for _, f := range findings {
		if f.CreatedAt.Before(from) || !f.CreatedAt.Before(until) {
			continue
		}
		if f.Score >= threshold {
			out = append(out, f)
		}
	}
	return out
}

func (j *DigestJob) enqueue(ctx context.Context, user domain.User, task domain.Task, trigger domain.Trigger, from time.Time, selected []domain.Finding) (int, error) {
	if len(selected) == 0 {
		return 0, nil
	}
	n := j.policy.record(user, task, trigger, domain.DigestKey(trigger, task.ID, from),
		DigestMessage(trigger, task, from, selected))
	added, err := j.store.EnqueueNotification(ctx, n)
	if err != nil {
		return 0, err
	}
	if added {
		return 1, nil
	}
	return 0, nil
}
