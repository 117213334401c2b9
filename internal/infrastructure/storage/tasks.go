package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

var taskColumns = []string{
	"id", "user_id", "title", "description", "status", "priority",
	"cycles_completed", "cycles_limit", "min_relevance", "retry_count",
	"worker_id", "last_error", "created_at", "updated_at",
	"started_at", "last_dequeued_at", "completed_at",
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                    domain.Task
		status                               string
		createdAt, updatedAt                 int64
		startedAt, lastDequeued, completedAt sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Description, &status, &t.Priority,
		&t.CyclesCompleted, &t.CyclesLimit, &t.MinRelevance, &t.RetryCount,
		&t.WorkerID, &t.LastError, &createdAt, &updatedAt,
		&startedAt, &lastDequeued, &completedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = fromMicros(createdAt)
	t.UpdatedAt = fromMicros(updatedAt)
	t.StartedAt = timePtr(startedAt)
	t.LastDequeuedAt = timePtr(lastDequeued)
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

func (r *repo) InsertTask(ctx context.Context, t domain.Task) error {
	q := r.sb.Insert("tasks").Columns(taskColumns...).Values(
		t.ID, t.UserID, t.Title, t.Description, string(t.Status), t.Priority,
		t.CyclesCompleted, t.CyclesLimit, t.MinRelevance, t.RetryCount,
		t.WorkerID, t.LastError, micros(t.CreatedAt), micros(t.UpdatedAt),
		nullMicros(t.StartedAt), nullMicros(t.LastDequeuedAt), nullMicros(t.CompletedAt),
	)
	if _, err := r.exec(ctx, q); err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (r *repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row, err := r.queryRow(ctx, r.sb.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Task{}, err
	}
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask writes every mutable column, but only while the stored row still
// matches guard. It reports false when another writer got there first.
func (r *repo) UpdateTask(ctx context.Context, t domain.Task, guard ports.TaskGuard) (bool, error) {
	q := r.sb.Update("tasks").SetMap(map[string]any{
		"title":            t.Title,
		"description":      t.Description,
		"status":           string(t.Status),
		"priority":         t.Priority,
		"cycles_completed": t.CyclesCompleted,
		"cycles_limit":     t.CyclesLimit,
		"min_relevance":    t.MinRelevance,
		"retry_count":      t.RetryCount,
		"worker_id":        t.WorkerID,
		"last_error":       t.LastError,
		"updated_at":       micros(t.UpdatedAt),
		"started_at":       nullMicros(t.StartedAt),
		"last_dequeued_at": nullMicros(t.LastDequeuedAt),
		"completed_at":     nullMicros(t.CompletedAt),
	}).Where(sq.Eq{
		"id":        t.ID,
		"status":    string(guard.Status),
		"worker_id": guard.WorkerID,
	})

	res, err := r.exec(ctx, q)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func applyTaskFilter(b sq.SelectBuilder, f ports.TaskFilter) sq.SelectBuilder {
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if !f.CreatedSince.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": micros(f.CreatedSince)})
	}
	if f.Idle {
		b = b.Where(sq.Eq{"worker_id": ""})
	}
	return b
}

func (r *repo) ListTasks(ctx context.Context, f ports.TaskFilter) ([]domain.Task, error) {
	q := applyTaskFilter(r.sb.Select(taskColumns...).From("tasks"), f).OrderBy("created_at", "id")
	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *repo) CountTasks(ctx context.Context, f ports.TaskFilter) (int, error) {
	n, err := r.count(ctx, applyTaskFilter(r.sb.Select("COUNT(*)").From("tasks"), f))
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// InFlightByUser counts leased tasks per owner.
func (r *repo) InFlightByUser(ctx context.Context) (map[string]int, error) {
	q := r.sb.Select("user_id", "COUNT(*)").From("tasks").
		Where(sq.NotEq{"worker_id": ""}).
		GroupBy("user_id")
	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("in-flight tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			userID string
			n      int
		)
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan in-flight: %w", err)
		}
		out[userID] = n
	}
	return out, rows.Err()
}
