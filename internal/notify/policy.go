// Package notify decides which notifications a task earns, writes them to the
// outbox and delivers the outbox through a ports.Notifier.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// Policy turns task events into outbox records. Every record carries a
// dedupe key, so enqueueing the same event twice is a no-op.
type Policy struct {
	clock func() time.Time
	newID func() string
}

// NewPolicy constructs the notification policy.
func NewPolicy(clock func() time.Time, newID func() string) *Policy {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Policy{clock: clock, newID: newID}
}

// MarkInstant flags findings that reach the user's instant threshold and
// returns the flagged ones.
func (p *Policy) MarkInstant(user domain.User, findings []domain.Finding) []domain.Finding {
	var instant []domain.Finding
	for i := range findings {
		if findings[i].Score >= user.Settings.InstantThreshold {
			findings[i].InstantNotified = true
			instant = append(instant, findings[i])
		}
	}
	return instant
}

// InstantTx enqueues one message per flagged finding.
func (p *Policy) InstantTx(ctx context.Context, tx ports.Repository, user domain.User, task domain.Task, findings []domain.Finding) error {
	for _, f := range findings {
		if !f.InstantNotified {
			continue
		}
		if _, err := tx.EnqueueNotification(ctx, p.record(user, task, domain.TriggerInstant,
			domain.InstantKey(task.ID, f.Key()), InstantMessage(task, f))); err != nil {
			return err
		}
	}
	return nil
}

// CycleLimitTx enqueues the end-of-task message, at most once per task.
func (p *Policy) CycleLimitTx(ctx context.Context, tx ports.Repository, user domain.User, task domain.Task) error {
	total, err := tx.CountFindings(ctx, task.ID)
	if err != nil {
		return err
	}
	_, err = tx.EnqueueNotification(ctx, p.record(user, task, domain.TriggerCycleLimit,
		domain.TaskKey(domain.TriggerCycleLimit, task.ID), CycleLimitMessage(task, total)))
	return err
}

// FailedTx enqueues the failure report, at most once per task.
func (p *Policy) FailedTx(ctx context.Context, tx ports.Repository, user domain.User, task domain.Task) error {
	_, err := tx.EnqueueNotification(ctx, p.record(user, task, domain.TriggerFailed,
		domain.TaskKey(domain.TriggerFailed, task.ID), FailedMessage(task)))
	return err
}

// Owner loads the task's user, falling back to a default Free user keyed by
// the owner id so messages still have a destination.
func Owner(ctx context.Context, tx ports.Repository, task domain.Task) (domain.User, error) {
	user, err := tx.GetUser(ctx, task.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{ID: task.UserID, Plan: domain.PlanFree, Settings: domain.DefaultSettings(task.MinRelevance)}, nil
	}
	return user, err
}

func (p *Policy) record(user domain.User, task domain.Task, trigger domain.Trigger, key, message string) domain.Notification {
	return domain.Notification{
		ID:        p.newID(),
		UserID:    user.ID,
		ChatID:    user.NotifyChat(),
		TaskID:    task.ID,
		Trigger:   trigger,
		DedupeKey: key,
		Message:   message,
		CreatedAt: p.clock().UTC().Truncate(time.Microsecond),
	}
}
