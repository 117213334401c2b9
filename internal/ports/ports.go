package ports

import (
	"context"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

// QueryExpander turns a task request into search queries.
type QueryExpander interface {
	Expand(ctx context.Context, req domain.SearchRequest, max int) ([]domain.SearchQuery, error)
}

// FetchOptions bound a gateway call.
type FetchOptions struct {
	PerQueryLimit int
	Categories    []string
}

// RetrievalGateway fans queries out to search providers. Per-source
// failures are reported, never returned as an error.
type RetrievalGateway interface {
	Fetch(ctx context.Context, queries []domain.SearchQuery, opts FetchOptions) ([]domain.Candidate, []domain.SourceFailure)
}

// Ranker orders candidates against a query.
type Ranker interface {
	Rank(query string, candidates []domain.Candidate) []domain.RankedCandidate
}

// Analyzer scores one candidate for a task description.
type Analyzer interface {
	Analyze(ctx context.Context, description string, candidate domain.RankedCandidate) (domain.AnalysisResult, error)
}

// CycleRunner executes one research cycle for a task.
type CycleRunner interface {
	RunCycle(ctx context.Context, task domain.Task, prior map[string]bool) (domain.CycleOutput, error)
}

// Notifier delivers a message to a chat (user or group).
type Notifier interface {
	Send(ctx context.Context, chatID, message string) error
}

// Scheduler controls when periodic jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}

// TaskFilter narrows task listings and counts.
type TaskFilter struct {
	UserID       string
	Statuses     []domain.TaskStatus
	CreatedSince time.Time
	Idle         bool
}

// TaskGuard is the compare-and-swap predicate of a task update.
type TaskGuard struct {
	Status   domain.TaskStatus
	WorkerID string
}

// FindingFilter narrows finding listings.
type FindingFilter struct {
	TaskID         string
	Since          time.Time
	Until          time.Time
	ExcludeInstant bool
}

// Repository is the persistence capability. Every method runs either on
// the store directly or inside a transaction obtained from Store.WithTx.
type Repository interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error)
	SaveUser(ctx context.Context, user domain.User) error
	LockUser(ctx context.Context, id string) error

	InsertTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task, guard TaskGuard) (bool, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
	CountTasks(ctx context.Context, filter TaskFilter) (int, error)
	InFlightByUser(ctx context.Context) (map[string]int, error)

	InsertFinding(ctx context.Context, finding domain.Finding) (bool, error)
	FindingKeys(ctx context.Context, taskID string) (map[string]bool, error)
	CountFindings(ctx context.Context, taskID string) (int, error)
	ListFindings(ctx context.Context, filter FindingFilter) ([]domain.Finding, error)

	EnqueueNotification(ctx context.Context, n domain.Notification) (bool, error)
	PendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
}

// Store adds transactional scoping to Repository.
type Store interface {
	Repository
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}
