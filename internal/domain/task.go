package domain

import (
	"fmt"
	"time"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusQueued: {
		StatusRunning:   {},
		StatusPaused:    {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusQueued:    {}, // requeue and crash recovery
		StatusCompleted: {},
		StatusPaused:    {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusPaused: {
		StatusQueued:    {},
		StatusCompleted: {},
		StatusCancelled: {},
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task is visible to the queue.
func (s TaskStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Task is a unit of user research intent.
type Task struct {
	ID              string
	UserID          string
	Title           string
	Description     string
	Status          TaskStatus
	Priority        float64
	CyclesCompleted int
	CyclesLimit     int
	MinRelevance    float64
	RetryCount      int
	WorkerID        string
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	LastDequeuedAt  *time.Time
	CompletedAt     *time.Time
}

// CycleBudgetLeft reports whether another cycle may run.
func (t Task) CycleBudgetLeft() bool {
	return t.CyclesCompleted < t.CyclesLimit
}

// Validate checks the fields every persisted task must carry.
func (t Task) Validate() error {
	if t.ID == "" {
		return NewFatal(fmt.Errorf("task has no id"))
	}
	if t.UserID == "" {
		return NewFatal(fmt.Errorf("task %s has no owner", t.ID))
	}
	if t.CyclesLimit <= 0 {
		return NewFatal(fmt.Errorf("task %s has cycle limit %d", t.ID, t.CyclesLimit))
	}
	if t.CyclesCompleted > t.CyclesLimit {
		return NewFatal(fmt.Errorf("task %s completed %d of %d cycles", t.ID, t.CyclesCompleted, t.CyclesLimit))
	}
	return nil
}

// StatusReport is the read model exposed to front-ends.
type StatusReport struct {
	TaskID          string
	Status          TaskStatus
	CyclesCompleted int
	CyclesLimit     int
	LastError       string
	Findings        int
}

// TitleFromDescription derives a short display title.
func TitleFromDescription(description string) string {
	const max = 100
	runes := []rune(description)
	if len(runes) <= max {
		return description
	}
	return string(runes[:max]) + "..."
}
