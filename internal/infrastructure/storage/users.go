package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

var userColumns = []string{
	"id", "chat_id", "plan", "min_relevance", "instant_threshold",
	"daily_threshold", "weekly_threshold", "group_chat_id", "created_at", "updated_at",
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		u                    domain.User
		plan                 string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&u.ID, &u.ChatID, &plan, &u.Settings.MinRelevance, &u.Settings.InstantThreshold,
		&u.Settings.DailyThreshold, &u.Settings.WeeklyThreshold, &u.Settings.GroupChatID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return domain.User{}, err
	}
	u.Plan = domain.PlanTier(plan)
	u.CreatedAt = fromMicros(createdAt)
	u.UpdatedAt = fromMicros(updatedAt)
	return u, nil
}

func (r *repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row, err := r.queryRow(ctx, r.sb.Select(userColumns...).From("users").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.User{}, err
	}
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (r *repo) GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	out := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.query(ctx, r.sb.Select(userColumns...).From("users").Where(sq.Eq{"id": ids}))
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (r *repo) SaveUser(ctx context.Context, u domain.User) error {
	q := r.sb.Insert("users").Columns(userColumns...).Values(
		u.ID, u.ChatID, string(u.Plan), u.Settings.MinRelevance, u.Settings.InstantThreshold,
		u.Settings.DailyThreshold, u.Settings.WeeklyThreshold, u.Settings.GroupChatID,
		micros(u.CreatedAt), micros(u.UpdatedAt),
	).Suffix(`ON CONFLICT (id) DO UPDATE SET
		chat_id = excluded.chat_id,
		plan = excluded.plan,
		min_relevance = excluded.min_relevance,
		instant_threshold = excluded.instant_threshold,
		daily_threshold = excluded.daily_threshold,
		weekly_threshold = excluded.weekly_threshold,
		group_chat_id = excluded.group_chat_id,
		updated_at = excluded.updated_at`)

	if _, err := r.exec(ctx, q); err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

// LockUser serialises admission decisions for one owner. SQLite already runs
// a single writer, so only PostgreSQL takes a row lock.
func (r *repo) LockUser(ctx context.Context, id string) error {
	if r.dialect != DialectPostgres {
		return nil
	}
	row, err := r.queryRow(ctx, r.sb.Select("id").From("users").Where(sq.Eq{"id": id}).Suffix("FOR UPDATE"))
	if err != nil {
		return err
	}
	var got string
	if err := row.Scan(&got); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("lock user %s: %w", id, err)
	}
	return nil
}
