package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

var notificationColumns = []string{
	"id", "user_id", "chat_id", "task_id", "kind", "dedupe_key", "message", "created_at", "sent_at",
}

// EnqueueNotification appends to the outbox. A repeated dedupe key is a no-op
// and reports false.
func (r *repo) EnqueueNotification(ctx context.Context, n domain.Notification) (bool, error) {
	q := r.sb.Insert("notifications").Columns(notificationColumns...).Values(
		n.ID, n.UserID, n.ChatID, n.TaskID, string(n.Trigger), n.DedupeKey, n.Message,
		micros(n.CreatedAt), nullMicros(n.SentAt),
	).Suffix("ON CONFLICT (dedupe_key) DO NOTHING")

	res, err := r.exec(ctx, q)
	if err != nil {
		return false, fmt.Errorf("enqueue notification %s: %w", n.DedupeKey, err)
	}
	rows, err := affected(res)
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// PendingNotifications returns unsent messages in creation order.
func (r *repo) PendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	q := r.sb.Select(notificationColumns...).From("notifications").
		Where(sq.Eq{"sent_at": nil}).
		OrderBy("created_at", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pending notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n         domain.Notification
			trigger   string
			createdAt int64
			sentAt    sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.ChatID, &n.TaskID, &trigger, &n.DedupeKey,
			&n.Message, &createdAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Trigger = domain.Trigger(trigger)
		n.CreatedAt = fromMicros(createdAt)
		n.SentAt = timePtr(sentAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *repo) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	q := r.sb.Update("notifications").
		Set("sent_at", micros(at)).
		Where(sq.Eq{"id": id, "sent_at": nil})
	if _, err := r.exec(ctx, q); err != nil {
		return fmt.Errorf("mark notification %s sent: %w", id, err)
	}
	return nil
}
