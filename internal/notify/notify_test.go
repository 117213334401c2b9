package notify_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/storage"
	"github.com/fresh-milkshake/searcher-agent/internal/infrastructure/storage/storagetest"
	"github.com/fresh-milkshake/searcher-agent/internal/notify"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// Wednesday.
var now = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

type sent struct {
	chatID  string
	message string
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
	fail error
}

func (r *recorder) Send(_ context.Context, chatID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, sent{chatID: chatID, message: message})
	return nil
}

func counter() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func finding(task domain.Task, ext string, score float64, created time.Time) domain.Finding {
	return domain.Finding{
		ID:     "f-" + ext,
		TaskID: task.ID,
		Candidate: domain.Candidate{
			Source:     "arxiv",
			ExternalID: ext,
			Title:      "Paper " + ext,
			URL:        "https://arxiv.org/abs/" + ext,
		},
		Score:     score,
		Rationale: "relevant",
		CreatedAt: created,
	}
}

func TestPeriods(t *testing.T) {
	t.Parallel()

	from, until := notify.DailyPeriod(now)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), until)

	from, until = notify.WeeklyPeriod(now)
	assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), until)

	// On a Monday the week that just ended is reported.
	from, _ = notify.WeeklyPeriod(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), from)
}

func TestMessagesEscapeHTML(t *testing.T) {
	t.Parallel()

	task := domain.Task{ID: "t1", Title: "RAG <small> & data", CyclesLimit: 5}
	f := domain.Finding{
		Candidate: domain.Candidate{Title: "A<b>B", URL: "https://x.org/?a=1&b=2", Authors: []string{"A", "B", "C", "D"}},
		Score:     91,
		Rationale: "uses \"tables\"",
	}

	msg := notify.InstantMessage(task, f)
	assert.Contains(t, msg, "RAG &lt;small&gt; &amp; data")
	assert.Contains(t, msg, "<b>A&lt;b&gt;B</b> (score 91)")
	assert.Contains(t, msg, "https://x.org/?a=1&amp;b=2")
	assert.Contains(t, msg, "A, B, C, et al.")
	assert.Contains(t, msg, "Why useful for this task: uses &#34;tables&#34;")

	assert.Contains(t, notify.CycleLimitMessage(task, 0), "without relevant results")
	assert.Contains(t, notify.CycleLimitMessage(task, 3), "with 3 findings")
}

func TestSplit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"short"}, notify.Split("short", 4000))
	assert.Nil(t, notify.Split("   ", 4000))

	paras := []string{strings.Repeat("a", 6), strings.Repeat("b", 6), strings.Repeat("c", 6)}
	got := notify.Split(strings.Join(paras, "\n\n"), 14)
	if diff := cmp.Diff([]string{"aaaaaa\n\nbbbbbb", "cccccc"}, got); diff != "" {
		t.Fatalf("split mismatch (-want +got):\n%s", diff)
	}

	long := strings.Repeat("x", 25)
	got = notify.Split(long, 10)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, got)

	for _, chunk := range notify.Split(strings.Repeat("line of text\n", 800), notify.MaxMessageLen) {
		assert.LessOrEqual(t, len([]rune(chunk)), notify.MaxMessageLen)
	}
}

func TestPolicyEnqueuesOncePerKey(t *testing.T) {
	t.Parallel()

	store := storagetest.New(t)
	user := storagetest.SeedUser(t, store, "u1", domain.PlanFree)
	task := storagetest.SeedTask(t, store, "u1", domain.Task{})
	policy := notify.NewPolicy(func() time.Time { return now }, counter())

	findings := []domain.Finding{finding(task, "1", 95, now), finding(task, "2", 60, now)}
	instant := policy.MarkInstant(user, findings)
	require.Len(t, instant, 1)
	assert.True(t, findings[0].InstantNotified)
	assert.False(t, findings[1].InstantNotified)

	for i := 0; i < 2; i++ {
		err := store.WithTx(context.Background(), func(tx ports.Repository) error {
			if err := policy.InstantTx(context.Background(), tx, user, task, findings); err != nil {
				return err
			}
			if err := policy.CycleLimitTx(context.Background(), tx, user, task); err != nil {
				return err
			}
			return policy.FailedTx(context.Background(), tx, user, task)
		})
		require.NoError(t, err)
	}

	pending, err := store.PendingNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	triggers := []domain.Trigger{pending[0].Trigger, pending[1].Trigger, pending[2].Trigger}
	assert.ElementsMatch(t, []domain.Trigger{domain.TriggerInstant, domain.TriggerCycleLimit, domain.TriggerFailed}, triggers)
	for _, n := range pending {
		assert.Equal(t, "u1", n.ChatID)
		if n.Trigger == domain.TriggerCycleLimit {
			assert.Contains(t, n.Message, "without relevant results")
		}
	}
}

func TestDigestJob(t *testing.T) {
	t.Parallel()

	store := storagetest.New(t)
	storagetest.SeedUser(t, store, "u1", domain.PlanFree)
	task := storagetest.SeedTask(t, store, "u1", domain.Task{})

	yesterday := now.AddDate(0, 0, -1)
	instantOne := finding(task, "hot", 97, yesterday)
	instantOne.InstantNotified = true
	for _, f := range []domain.Finding{
		finding(task, "good", 70, yesterday),
		finding(task, "weak", 35, yesterday),
		finding(task, "today", 90, now),
		instantOne,
	} {
		_, err := store.InsertFinding(context.Background(), f)
		require.NoError(t, err)
	}

	job := notify.NewDigestJob(store, notify.NewPolicy(func() time.Time { return now }, counter()), nil)
	require.NoError(t, job.Run(context.Background(), now))
	require.NoError(t, job.Run(context.Background(), now.Add(time.Hour)))

	pending, err := store.PendingNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1, "weekly window (Feb 23 - Mar 2) holds no findings")
	daily := pending[0]
	assert.Equal(t, domain.TriggerDaily, daily.Trigger)
	assert.Equal(t, domain.DigestKey(domain.TriggerDaily, task.ID, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)), daily.DedupeKey)
	assert.Contains(t, daily.Message, "Paper good")
	assert.NotContains(t, daily.Message, "Paper weak")
	assert.NotContains(t, daily.Message, "Paper hot")
	assert.NotContains(t, daily.Message, "Paper today")
}

// countingStore records which tasks the digest job loads.
type countingStore struct {
	*storage.Store
	mu     sync.Mutex
	loaded []string
	listed int
}

func (c *countingStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	c.mu.Lock()
	c.loaded = append(c.loaded, id)
	c.mu.Unlock()
	return c.Store.GetTask(ctx, id)
}

func (c *countingStore) ListTasks(ctx context.Context, f ports.TaskFilter) ([]domain.Task, error) {
	c.mu.Lock()
	c.listed++
	c.mu.Unlock()
	return c.Store.ListTasks(ctx, f)
}

// Tasks without findings in either window are never loaded, however many
// tasks exist.
func TestDigestJobLoadsOnlyTasksWithFindingsInWindow(t *testing.T) {
	t.Parallel()

	store := storagetest.New(t)
	storagetest.SeedUser(t, store, "u1", domain.PlanFree)
	active := storagetest.SeedTask(t, store, "u1", domain.Task{})
	stale := storagetest.SeedTask(t, store, "u1", domain.Task{})
	for i := 0; i < 20; i++ {
		storagetest.SeedTask(t, store, "u1", domain.Task{Status: domain.StatusCompleted})
	}

	weekly := finding(active, "weekly", 80, time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC))
	old := finding(stale, "old", 99, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	for _, f := range []domain.Finding{weekly, old} {
		_, err := store.InsertFinding(context.Background(), f)
		require.NoError(t, err)
	}

	counting := &countingStore{Store: store}
	job := notify.NewDigestJob(counting, notify.NewPolicy(func() time.Time { return now }, counter()), nil)
	require.NoError(t, job.Run(context.Background(), now))

	assert.Equal(t, []string{active.ID}, counting.loaded)
	assert.Zero(t, counting.listed)

	pending, err := store.PendingNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.TriggerWeekly, pending[0].Trigger)
	assert.Equal(t, active.ID, pending[0].TaskID)
	assert.Contains(t, pending[0].Message, "Paper weekly")
}

func TestDispatcherRoutesAndSplits(t *testing.T) {
	t.Parallel()

	store := storagetest.New(t)
	user := storagetest.SeedUser(t, store, "u1", domain.PlanFree)
	task := storagetest.SeedTask(t, store, "u1", domain.Task{})
	seedNotification(t, store, user, task, "k1", "first\n\nsecond")

	rec := &recorder{}
	d := notify.NewDispatcher(store, rec, notify.DispatcherConfig{TestUserID: "tester", MaxLength: 6})
	require.NoError(t, d.Run(context.Background(), now))

	assert.Equal(t, []sent{{"tester", "first"}, {"tester", "second"}}, rec.sent)
	pending, err := store.PendingNotifications(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherKeepsFailedPending(t *testing.T) {
	t.Parallel()

	store := storagetest.New(t)
	user := storagetest.SeedUser(t, store, "u1", domain.PlanFree)
	task := storagetest.SeedTask(t, store, "u1", domain.Task{})
	seedNotification(t, store, user, task, "k1", "hello")

	rec := &recorder{fail: errors.New("telegram down")}
	d := notify.NewDispatcher(store, rec, notify.DispatcherConfig{})
	require.Error(t, d.Run(context.Background(), now))

	pending, err := store.PendingNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rec.fail = nil
	require.NoError(t, d.Run(context.Background(), now))
	assert.Equal(t, []sent{{"u1", "hello"}}, rec.sent)
}

func seedNotification(t *testing.T, store *storage.Store, user domain.User, task domain.Task, key, msg string) {
	t.Helper()
	_, err := store.EnqueueNotification(context.Background(), domain.Notification{
		ID:        "n-" + key,
		UserID:    user.ID,
		ChatID:    user.NotifyChat(),
		TaskID:    task.ID,
		Trigger:   domain.TriggerInstant,
		DedupeKey: key,
		Message:   msg,
		CreatedAt: now,
	})
	require.NoError(t, err)
}
