package domain

import (
	"fmt"
	"time"
)

// Trigger names what caused a notification.
type Trigger string

const (
	TriggerInstant    Trigger = "instant"
	TriggerDaily      Trigger = "daily"
	TriggerWeekly     Trigger = "weekly"
	TriggerCycleLimit Trigger = "cycle_limit"
	TriggerFailed     Trigger = "task_failed"
)

// Notification is an outbox record; DedupeKey is unique across the store.
type Notification struct {
	ID        string
	UserID    string
	ChatID    string
	TaskID    string
	Trigger   Trigger
	DedupeKey string
	Message   string
	CreatedAt time.Time
	SentAt    *time.Time
}

// InstantKey dedupes instant messages per finding.
func InstantKey(taskID, externalID string) string {
	return fmt.Sprintf("%s:%s:%s", TriggerInstant, taskID, externalID)
}

// TaskKey dedupes one-per-task triggers.
func TaskKey(trigger Trigger, taskID string) string {
	return fmt.Sprintf("%s:%s", trigger, taskID)
}

// DigestKey dedupes digests per task and period.
func DigestKey(trigger Trigger, taskID string, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s", trigger, taskID, periodStart.UTC().Format("2006-01-02"))
}
