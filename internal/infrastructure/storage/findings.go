package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

var findingColumns = []string{
	"id", "task_id", "source", "external_id", "title", "abstract", "authors",
	"categories", "url", "published_at", "score", "rationale", "instant_notified", "created_at",
}

func encodeList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeList(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func scanFinding(row rowScanner) (domain.Finding, error) {
	var (
		f                   domain.Finding
		authors, categories string
		publishedAt         sql.NullInt64
		createdAt           int64
	)
	err := row.Scan(
		&f.ID, &f.TaskID, &f.Candidate.Source, &f.Candidate.ExternalID, &f.Candidate.Title,
		&f.Candidate.Abstract, &authors, &categories, &f.Candidate.URL, &publishedAt,
		&f.Score, &f.Rationale, &f.InstantNotified, &createdAt,
	)
	if err != nil {
		return domain.Finding{}, err
	}
	f.Candidate.Authors = decodeList(authors)
	f.Candidate.Categories = decodeList(categories)
	if p := timePtr(publishedAt); p != nil {
		f.Candidate.PublishedAt = *p
	}
	f.CreatedAt = fromMicros(createdAt)
	return f, nil
}

// InsertFinding stores a finding unless the task already holds one with the
// same external id. It reports whether a row was written.
func (r *repo) InsertFinding(ctx context.Context, f domain.Finding) (bool, error) {
	authors, err := encodeList(f.Candidate.Authors)
	if err != nil {
		return false, fmt.Errorf("encode authors: %w", err)
	}
	categories, err := encodeList(f.Candidate.Categories)
	if err != nil {
		return false, fmt.Errorf("encode categories: %w", err)
	}

	published := f.Candidate.PublishedAt
	q := r.sb.Insert("findings").Columns(findingColumns...).Values(
		f.ID, f.TaskID, f.Candidate.Source, f.Candidate.ExternalID, f.Candidate.Title,
		f.Candidate.Abstract, authors, categories, f.Candidate.URL, nullMicros(&published),
		f.Score, f.Rationale, f.InstantNotified, micros(f.CreatedAt),
	).Suffix("ON CONFLICT (task_id, external_id) DO NOTHING")

	res, err := r.exec(ctx, q)
	if err != nil {
		return false, fmt.Errorf("insert finding %s/%s: %w", f.TaskID, f.Candidate.ExternalID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repo) FindingKeys(ctx context.Context, taskID string) (map[string]bool, error) {
	rows, err := r.query(ctx, r.sb.Select("external_id").From("findings").Where(sq.Eq{"task_id": taskID}))
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan finding key: %w", err)
		}
		keys[id] = true
	}
	return keys, rows.Err()
}

func (r *repo) CountFindings(ctx context.Context, taskID string) (int, error) {
	n, err := r.count(ctx, r.sb.Select("COUNT(*)").From("findings").Where(sq.Eq{"task_id": taskID}))
	if err != nil {
		return 0, fmt.Errorf("count findings: %w", err)
	}
	return n, nil
}

// ListFindings returns matching findings, best score first.
func (r *repo) ListFindings(ctx context.Context, f ports.FindingFilter) ([]domain.Finding, error) {
	q := r.sb.Select(findingColumns...).From("findings")
	if f.TaskID != "" {
		q = q.Where(sq.Eq{"task_id": f.TaskID})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": micros(f.Since)})
	}
	if !f.Until.IsZero() {
		q = q.Where(sq.Lt{"created_at": micros(f.Until)})
	}
	if f.ExcludeInstant {
		q = q.Where(sq.Eq{"instant_notified": false})
	}
	q = q.OrderBy("score DESC", "created_at", "id")

	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []domain.Finding
	for rows.Next() {
		finding, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, finding)
	}
	return out, rows.Err()
}
