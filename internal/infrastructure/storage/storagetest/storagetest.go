// Package storagetest opens throwaway SQLite stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/storage"
)

// New returns a migrated store backed by a file in t.TempDir.
func New(t testing.TB) *storage.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agent.db")
	store, err := storage.Open(context.Background(), "sqlite", path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedUser saves a user with default settings on the given tier.
func SeedUser(t testing.TB, store *storage.Store, id string, tier domain.PlanTier) domain.User {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	u := domain.User{
		ID:        id,
		ChatID:    id,
		Plan:      tier,
		Settings:  domain.DefaultSettings(50),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}

// SeedTask inserts a queued task owned by userID. Zero fields of tmpl are
// filled in.
func SeedTask(t testing.TB, store *storage.Store, userID string, tmpl domain.Task) domain.Task {
	t.Helper()

	task := tmpl
	if task.ID == "" {
		task.ID = uuid.Must(uuid.NewV7()).String()
	}
	task.UserID = userID
	if task.Status == "" {
		task.Status = domain.StatusQueued
	}
	if task.Description == "" {
		task.Description = "graph neural networks for molecules"
	}
	if task.Title == "" {
		task.Title = domain.TitleFromDescription(task.Description)
	}
	if task.CyclesLimit == 0 {
		task.CyclesLimit = 5
	}
	if task.MinRelevance == 0 {
		task.MinRelevance = 50
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if err := store.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}
