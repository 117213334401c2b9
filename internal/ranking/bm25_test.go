package ranking

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

func ids(ranked []domain.RankedCandidate) []string {
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.Candidate.ExternalID
	}
	return out
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	got := Tokenize("The Graph-Neural networks, for 3D molecules!")
	want := []string{"graph", "neural", "networks", "3d", "molecules"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	assert.Empty(t, Tokenize("the of and"))
}

func TestRankEmpty(t *testing.T) {
	t.Parallel()

	got := New().Rank("anything", nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRankOrdersByRelevance(t *testing.T) {
	t.Parallel()

	candidates := []domain.Candidate{
		{ExternalID: "a", Title: "Cooking with cast iron", Abstract: "Recipes and seasoning."},
		{ExternalID: "b", Title: "Deep learning for medical imaging", Abstract: "CNNs segment medical images."},
		{ExternalID: "c", Title: "Medical imaging survey", Abstract: "A review of imaging modalities."},
	}
	ranked := New().Rank("medical imaging deep learning", candidates)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"b", "c", "a"}, ids(ranked))
	assert.Zero(t, ranked[2].Score)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRankTiesKeepInputOrder(t *testing.T) {
	t.Parallel()

	candidates := []domain.Candidate{
		{ExternalID: "x", Title: "unrelated"},
		{ExternalID: "y", Title: "also unrelated"},
		{ExternalID: "z", Title: "transformers"},
		{ExternalID: "w", Title: "nothing here"},
	}
	ranked := New().Rank("transformers", candidates)
	assert.Equal(t, []string{"z", "x", "y", "w"}, ids(ranked))
}

func TestRankIsDeterministic(t *testing.T) {
	t.Parallel()

	candidates := []domain.Candidate{
		{ExternalID: "1", Title: "retrieval augmented generation", Abstract: "small datasets"},
		{ExternalID: "2", Title: "generation of small molecules"},
		{ExternalID: "3", Title: "retrieval for small datasets", Abstract: "augmented"},
		{ExternalID: "4", Title: "retrieval augmented generation", Abstract: "small datasets"},
	}
	first := New().Rank("RAG retrieval augmented generation small datasets", candidates)
	for i := 0; i < 20; i++ {
		again := New().Rank("RAG retrieval augmented generation small datasets", candidates)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs:\n%s", i, diff)
		}
	}
	// 1 and 4 have identical text, so 1 stays ahead.
	assert.Equal(t, "1", first[0].Candidate.ExternalID)
	assert.Equal(t, "4", first[1].Candidate.ExternalID)
}

func TestTopK(t *testing.T) {
	t.Parallel()

	ranked := []domain.RankedCandidate{{Score: 3}, {Score: 2}, {Score: 1}}
	assert.Len(t, TopK(ranked, 2), 2)
	assert.Len(t, TopK(ranked, 0), 3)
	assert.Len(t, TopK(ranked, 10), 3)

	top := New().Top("transformers", []domain.Candidate{
		{ExternalID: "a", Title: "cats"},
		{ExternalID: "b", Title: "transformers"},
	}, 1)
	assert.Equal(t, []string{"b"}, ids(top))
}
