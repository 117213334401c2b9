package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

type fakeSource struct {
	name  string
	delay time.Duration
	err   error
	items map[string][]domain.Candidate
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Search(ctx context.Context, req Request) ([]domain.Candidate, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Candidate(nil), f.items[req.Query]...), nil
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&fakeSource{name: "b"}, &fakeSource{name: "a"})
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, err := reg.Resolve("missing")
	require.Error(t, err)
	src, err := reg.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "a", src.Name())
}

func TestSourcesForUsesHintThenDefaults(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&fakeSource{name: "arxiv"}, &fakeSource{name: "pubmed"})
	gw := NewGateway(reg, GatewayConfig{DefaultSources: []string{"pubmed", "unknown", "arxiv"}}, nil)

	assert.Equal(t, []string{"arxiv"}, gw.SourcesFor(domain.SearchQuery{Text: "q", Source: "arxiv"}))
	assert.Equal(t, []string{"pubmed", "arxiv"}, gw.SourcesFor(domain.SearchQuery{Text: "q", Source: "nope"}))
	assert.Equal(t, []string{"pubmed", "arxiv"}, gw.SourcesFor(domain.SearchQuery{Text: "q"}))
}

func TestFetchMergesDeterministically(t *testing.T) {
	t.Parallel()

	slow := &fakeSource{name: "slow", delay: 30 * time.Millisecond, items: map[string][]domain.Candidate{
		"q1": {{ExternalID: "1", Title: "one"}, {ExternalID: "2", Title: "two"}},
	}}
	fast := &fakeSource{name: "fast", items: map[string][]domain.Candidate{
		"q1": {{ExternalID: "2", Title: "two again"}, {ExternalID: "3", Title: "three"}},
		"q2": {{ExternalID: "4", Title: "four"}},
	}}
	gw := NewGateway(NewRegistry(slow, fast), GatewayConfig{DefaultSources: []string{"slow", "fast"}}, nil)

	got, failures := gw.Fetch(context.Background(), []domain.SearchQuery{{Text: "q1"}, {Text: "q2"}}, ports.FetchOptions{PerQueryLimit: 10})
	require.Empty(t, failures)

	var ids []string
	for _, c := range got {
		ids = append(ids, c.ExternalID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
	assert.Equal(t, "slow", got[0].Source)
	assert.Equal(t, "two", got[1].Title)
}

func TestFetchRecordsFailuresWithoutAborting(t *testing.T) {
	t.Parallel()

	broken := &fakeSource{name: "broken", err: errors.New("503 service unavailable")}
	hanging := &fakeSource{name: "hanging", delay: time.Second}
	ok := &fakeSource{name: "ok", items: map[string][]domain.Candidate{"q": {{ExternalID: "x"}}}}
	gw := NewGateway(NewRegistry(broken, hanging, ok), GatewayConfig{
		DefaultSources: []string{"broken", "hanging", "ok"},
		Timeout:        20 * time.Millisecond,
	}, nil)

	got, failures := gw.Fetch(context.Background(), []domain.SearchQuery{{Text: "q"}}, ports.FetchOptions{})
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ExternalID)
	require.Len(t, failures, 2)
	assert.Equal(t, "broken", failures[0].Source)
	assert.Equal(t, "hanging", failures[1].Source)
	assert.Contains(t, failures[1].Err, "deadline")
}
