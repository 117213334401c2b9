package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// Dialect selects placeholder format, column types and locking clauses.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store persists users, tasks, findings and the notification outbox.
type Store struct {
	db      *sql.DB
	dialect Dialect
	*repo
}

var _ ports.Store = (*Store)(nil)

// Open connects with one of the supported drivers and ensures the schema.
// sqlite is the pure-Go modernc driver, sqlite3 the cgo mattn driver, postgres
// is lib/pq and pgx is the jackc/pgx stdlib adapter.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var dialect Dialect
	switch strings.ToLower(driver) {
	case "", "sqlite":
		driver, dialect = "sqlite", DialectSQLite
	case "sqlite3":
		dialect = DialectSQLite
	case "postgres":
		dialect = DialectPostgres
	case "pgx":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// One connection makes every transaction a single writer.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	}

	store := New(db, dialect)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing sql.DB.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		repo:    newRepo(db, dialect),
	}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx ports.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(newRepo(tx, s.dialect)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repo struct {
	q       querier
	sb      sq.StatementBuilderType
	dialect Dialect
}

func newRepo(q querier, dialect Dialect) *repo {
	format := sq.PlaceholderFormat(sq.Question)
	if dialect == DialectPostgres {
		format = sq.Dollar
	}
	return &repo{
		q:       q,
		sb:      sq.StatementBuilder.PlaceholderFormat(format),
		dialect: dialect,
	}
}

func (r *repo) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.q.ExecContext(ctx, query, args...)
}

func (r *repo) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.q.QueryContext(ctx, query, args...)
}

func (r *repo) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.q.QueryRowContext(ctx, query, args...), nil
}

func (r *repo) count(ctx context.Context, b sq.SelectBuilder) (int, error) {
	row, err := r.queryRow(ctx, b)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("scan count: %w", err)
	}
	return n, nil
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Timestamps are stored as UTC unix microseconds so both dialects compare
// and order them identically.
func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}
