package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/storage"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/storage/storagetest"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
	"github.com/fresh-milkshake/searcher-agent/internal/queue"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T, ceiling int) (*queue.Queue, *storage.Store, *fakeClock) {
	t.Helper()
	store := storagetest.New(t)
	clock := &fakeClock{now: epoch}
	q := queue.New(store, queue.Config{
		Plans:        domain.DefaultPlans(),
		Priority:     queue.DefaultPriority(),
		RetryCeiling: ceiling,
		Clock:        clock.Now,
	})
	return q, store, clock
}

func seed(t *testing.T, store *storage.Store, userID string, tmpl domain.Task) domain.Task {
	t.Helper()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = epoch
	}
	return storagetest.SeedTask(t, store, userID, tmpl)
}

func finish(t *testing.T, q *queue.Queue, store *storage.Store, taskID, workerID string) domain.Task {
	t.Helper()
	var out domain.Task
	err := store.WithTx(context.Background(), func(tx ports.Repository) error {
		var err error
		out, err = q.FinishCycleTx(context.Background(), tx, taskID, workerID)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestDequeueEmptyQueue(t *testing.T) {
	t.Parallel()

	q, _, _ := newQueue(t, 3)
	_, err := q.DequeueNext(context.Background(), "w1")
	require.ErrorIs(t, err, domain.ErrNoTask)

	_, err = q.DequeueNext(context.Background(), "")
	require.Error(t, err)
}

func TestDequeuePrefersPremiumAndLeases(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	storagetest.SeedUser(t, store, "free", domain.PlanFree)
	storagetest.SeedUser(t, store, "prem", domain.PlanPremium)
	freeTask := seed(t, store, "free", domain.Task{})
	premTask := seed(t, store, "prem", domain.Task{})

	first, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, premTask.ID, first.ID)
	assert.Equal(t, domain.StatusRunning, first.Status)
	assert.Equal(t, "w1", first.WorkerID)
	require.NotNil(t, first.StartedAt)

	stored, err := store.GetTask(context.Background(), premTask.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", stored.WorkerID)
	assert.Equal(t, domain.StatusRunning, stored.Status)

	second, err := q.DequeueNext(context.Background(), "w2")
	require.NoError(t, err)
	assert.Equal(t, freeTask.ID, second.ID)

	_, err = q.DequeueNext(context.Background(), "w3")
	require.ErrorIs(t, err, domain.ErrNoTask)
}

func TestDequeueRespectsPlanConcurrency(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	storagetest.SeedUser(t, store, "free", domain.PlanFree)
	seed(t, store, "free", domain.Task{})
	seed(t, store, "free", domain.Task{})

	_, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	_, err = q.DequeueNext(context.Background(), "w2")
	require.ErrorIs(t, err, domain.ErrNoTask, "free tier runs one task at a time")
}

func TestConcurrentDequeueIsExclusive(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	const users, perUser = 4, 3
	for u := 0; u < users; u++ {
		id := fmt.Sprintf("user-%d", u)
		storagetest.SeedUser(t, store, id, domain.PlanPremium)
		for i := 0; i < perUser; i++ {
			seed(t, store, id, domain.Task{})
		}
	}

	var (
		mu     sync.Mutex
		leased = map[string]string{}
		wg     sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.DequeueNext(context.Background(), workerID)
				if errors.Is(err, domain.ErrNoTask) {
					return
				}
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				mu.Lock()
				if prev, dup := leased[task.ID]; dup {
					t.Errorf("task %s leased by %s and %s", task.ID, prev, workerID)
				}
				leased[task.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, leased, users*perUser)
}

func TestFinishCycleTransitions(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	storagetest.SeedUser(t, store, "prem", domain.PlanPremium)
	task := seed(t, store, "prem", domain.Task{CyclesLimit: 2})

	_, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	after := finish(t, q, store, task.ID, "w1")
	assert.Equal(t, domain.StatusQueued, after.Status)
	assert.Equal(t, 1, after.CyclesCompleted)
	assert.Empty(t, after.WorkerID)
	assert.Nil(t, after.StartedAt)

	_, err = q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	after = finish(t, q, store, task.ID, "w1")
	assert.Equal(t, domain.StatusCompleted, after.Status)
	assert.Equal(t, 2, after.CyclesCompleted)
	require.NotNil(t, after.CompletedAt)

	_, err = q.Enqueue(context.Background(), task.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestFinishCycleKeepsPausedAndCancelled(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.TaskStatus{domain.StatusPaused, domain.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()

			q, store, _ := newQueue(t, 3)
			storagetest.SeedUser(t, store, "u", domain.PlanFree)
			task := seed(t, store, "u", domain.Task{})
			running, err := q.DequeueNext(context.Background(), "w1")
			require.NoError(t, err)

			changed := running
			changed.Status = status
			ok, err := store.UpdateTask(context.Background(), changed, ports.TaskGuard{Status: domain.StatusRunning, WorkerID: "w1"})
			require.NoError(t, err)
			require.True(t, ok)

			after := finish(t, q, store, task.ID, "w1")
			assert.Equal(t, status, after.Status)
			assert.Equal(t, 1, after.CyclesCompleted)
			assert.Empty(t, after.WorkerID)
		})
	}
}

func TestFinishCycleRequiresLease(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	storagetest.SeedUser(t, store, "u", domain.PlanFree)
	task := seed(t, store, "u", domain.Task{})
	_, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)

	err = store.WithTx(context.Background(), func(tx ports.Repository) error {
		_, err := q.FinishCycleTx(context.Background(), tx, task.ID, "w2")
		return err
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRequeueFailsPastCeiling(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 2)
	storagetest.SeedUser(t, store, "u", domain.PlanFree)
	task := seed(t, store, "u", domain.Task{})
	boom := errors.New("source unavailable")

	for i := 1; i <= 2; i++ {
		_, err := q.DequeueNext(context.Background(), "w1")
		require.NoError(t, err)
		after, err := q.Requeue(context.Background(), task.ID, "w1", boom)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, after.Status)
		assert.Equal(t, i, after.RetryCount)
		assert.Equal(t, 0, after.CyclesCompleted)
	}

	_, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	after, err := q.Requeue(context.Background(), task.ID, "w1", boom)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, after.Status)
	assert.Equal(t, "source unavailable", after.LastError)

	_, err = q.DequeueNext(context.Background(), "w1")
	require.ErrorIs(t, err, domain.ErrNoTask)
}

func TestSuccessResetsRetryCounter(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	storagetest.SeedUser(t, store, "u", domain.PlanFree)
	task := seed(t, store, "u", domain.Task{})

	_, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	_, err = q.Requeue(context.Background(), task.ID, "w1", errors.New("timeout"))
	require.NoError(t, err)

	_, err = q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)
	after := finish(t, q, store, task.ID, "w1")
	assert.Equal(t, 0, after.RetryCount)
	assert.Empty(t, after.LastError)
}

func TestFailTx(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	storagetest.SeedUser(t, store, "u", domain.PlanFree)
	task := seed(t, store, "u", domain.Task{})
	_, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)

	var failed domain.Task
	err = store.WithTx(context.Background(), func(tx ports.Repository) error {
		failed, err = q.FailTx(context.Background(), tx, task.ID, "w1", errors.New("empty description"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "empty description", failed.LastError)
}

func TestEnqueueRejectsRunning(t *testing.T) {
	t.Parallel()

	q, store, _ := newQueue(t, 3)
	storagetest.SeedUser(t, store, "u", domain.PlanFree)
	task := seed(t, store, "u", domain.Task{})
	_, err := q.DequeueNext(context.Background(), "w1")
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), task.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()

	q, store, clock := newQueue(t, 3)
	storagetest.SeedUser(t, store, "u", domain.PlanPremium)
	stale := seed(t, store, "u", domain.Task{})
	_, err := q.DequeueNext(context.Background(), "crashed")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	fresh := seed(t, store, "u", domain.Task{CreatedAt: clock.Now()})
	got, err := q.DequeueNext(context.Background(), "alive")
	require.NoError(t, err)
	require.Equal(t, fresh.ID, got.ID)

	n, err := q.RecoverStale(context.Background(), clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := store.GetTask(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, recovered.Status)
	assert.Empty(t, recovered.WorkerID)

	still, err := store.GetTask(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "alive", still.WorkerID)
}

// Leases of the caller's own workers are released even when fresh; other
// workers keep theirs.
func TestReleaseWorkersIgnoresAge(t *testing.T) {
	t.Parallel()

	q, store, clock := newQueue(t, 3)
	storagetest.SeedUser(t, store, "u", domain.PlanPremium)
	started := clock.Now().Add(-time.Minute)
	own := seed(t, store, "u", domain.Task{Status: domain.StatusRunning, WorkerID: "agent-1", StartedAt: &started})
	other := seed(t, store, "u", domain.Task{Status: domain.StatusRunning, WorkerID: "other-1", StartedAt: &started})

	n, err := q.ReleaseWorkers(context.Background(), []string{"agent-1", "agent-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	released, err := store.GetTask(context.Background(), own.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, released.Status)
	assert.Empty(t, released.WorkerID)
	assert.Nil(t, released.StartedAt)

	kept, err := store.GetTask(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, kept.Status)
	assert.Equal(t, "other-1", kept.WorkerID)
}

func TestRecoverStaleKeepsListedWorkers(t *testing.T) {
	t.Parallel()

	q, store, clock := newQueue(t, 3)
	storagetest.SeedUser(t, store, "u", domain.PlanPremium)
	started := clock.Now().Add(-2 * time.Hour)
	mine := seed(t, store, "u", domain.Task{Status: domain.StatusRunning, WorkerID: "agent-1", StartedAt: &started})
	theirs := seed(t, store, "u", domain.Task{Status: domain.StatusRunning, WorkerID: "crashed-1", StartedAt: &started})

	n, err := q.RecoverStale(context.Background(), clock.Now().Add(-30*time.Minute), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetTask(context.Background(), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.WorkerID)

	got, err = store.GetTask(context.Background(), theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Empty(t, got.WorkerID)
}

// A Free task must be served within a bounded window even while Premium
// tasks are always available.
func TestFreeTaskIsNotStarved(t *testing.T) {
	t.Parallel()

	q, store, clock := newQueue(t, 3)
	storagetest.SeedUser(t, store, "free", domain.PlanFree)
	freeTask := seed(t, store, "free", domain.Task{})
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("prem-%d", i)
		storagetest.SeedUser(t, store, id, domain.PlanPremium)
		seed(t, store, id, domain.Task{CyclesLimit: 100})
	}

	const window = 60
	servedAt := -1
	for i := 0; i < window; i++ {
		task, err := q.DequeueNext(context.Background(), "w1")
		require.NoError(t, err)
		if task.ID == freeTask.ID {
			servedAt = i
			break
		}
		finish(t, q, store, task.ID, "w1")
		clock.Advance(30 * time.Second)
	}
	require.GreaterOrEqual(t, servedAt, 0, "free task not dequeued within %d dequeues", window)
	assert.Greater(t, servedAt, 0, "premium tasks should go first while fresh")
}

func TestPriorityModel(t *testing.T) {
	t.Parallel()

	m := queue.NewPriorityModel(queue.DefaultPriority(), domain.DefaultPlans())
	task := domain.Task{CreatedAt: epoch, UpdatedAt: epoch}

	assert.InDelta(t, 10+5-25, m.Score(task, domain.PlanFree, epoch), 1e-9)
	assert.InDelta(t, 30+5-25, m.Score(task, domain.PlanPremium, epoch), 1e-9)
	// After an hour the recency bonus is gone and sixty minutes of aging
	// have turned the penalty into a boost.
	assert.InDelta(t, 10-25+60, m.Score(task, domain.PlanFree, epoch.Add(time.Hour)), 1e-9)

	dequeued := epoch.Add(50 * time.Minute)
	task.LastDequeuedAt = &dequeued
	assert.InDelta(t, 10-25+10, m.Score(task, domain.PlanFree, epoch.Add(time.Hour)), 1e-9)
}
