package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fresh-milkshake/searcher-agent/internal/config"
	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

type stubCompleter struct {
	reply  string
	err    error
	system string
	user   string
}

func (s *stubCompleter) Name() string { return "stub" }

func (s *stubCompleter) Complete(_ context.Context, system, user string) (string, error) {
	s.system, s.user = system, user
	return s.reply, s.err
}

func TestAnalyzerParsesFencedJSON(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{reply: "```json\n{\"relevance\": 87.5, \"summary\": \" Strong match. \"}\n```"}
	res, err := NewAnalyzer(stub).Analyze(context.Background(), "AI for medical imaging", domain.RankedCandidate{
		Candidate: domain.Candidate{Title: "CNNs for CT", Abstract: "Segmentation.", Authors: []string{"A"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 87.5, res.Score)
	assert.Equal(t, "Strong match.", res.Rationale)
	assert.Equal(t, "stub", res.Backend)
	assert.Contains(t, stub.user, "Task: AI for medical imaging")
	assert.Contains(t, stub.user, "Title: CNNs for CT")
}

func TestAnalyzerRejectsMissingRelevance(t *testing.T) {
	t.Parallel()

	_, err := NewAnalyzer(&stubCompleter{reply: `{"summary": "x"}`}).Analyze(context.Background(), "d", domain.RankedCandidate{})
	require.Error(t, err)

	_, err = NewAnalyzer(&stubCompleter{reply: "I cannot help"}).Analyze(context.Background(), "d", domain.RankedCandidate{})
	require.Error(t, err)
}

func TestExpanderReturnsHintedQueries(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{reply: `{"queries": [
		{"query_text": "rag small datasets", "source": "ArXiv", "rationale": "direct"},
		{"query_text": "  ", "source": "github"},
		{"query_text": "retrieval augmented generation code", "source": "github"},
		{"query_text": "third", "source": ""}
	]}`}
	queries, err := NewExpander(stub, []string{"arxiv", "github"}).Expand(context.Background(),
		domain.SearchRequest{Query: "RAG for small datasets", Categories: []string{"cs.AI"}}, 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.SearchQuery{
		{Text: "rag small datasets", Source: "arxiv"},
		{Text: "retrieval augmented generation code", Source: "github"},
	}, queries)
	assert.Contains(t, stub.user, "Categories: cs.AI")
	assert.Contains(t, stub.user, "Available sources: arxiv, github")
}

func TestExpanderEmptyPlanIsError(t *testing.T) {
	t.Parallel()

	_, err := NewExpander(&stubCompleter{reply: `{"queries": []}`}, nil).Expand(context.Background(), domain.SearchRequest{Query: "x"}, 3)
	require.Error(t, err)
}

func TestChatGPTComplete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("unexpected auth: %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Model != "gpt-test" || len(body.Messages) != 2 || body.Messages[1].Content != "hello" {
			t.Errorf("unexpected body: %+v", body)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"relevance\": 10}"}}]}`))
	}))
	defer server.Close()

	client := NewChatGPTClient(config.ChatGPTConfig{Endpoint: server.URL, Model: "gpt-test", APIKey: "key"}, server.Client())
	out, err := client.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"relevance": 10}`, out)
	assert.Equal(t, "openai:gpt-test", client.Name())
}

func TestChatGPTErrorClassification(t *testing.T) {
	t.Parallel()

	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", status)
	}))
	defer server.Close()

	client := NewChatGPTClient(config.ChatGPTConfig{Endpoint: server.URL, Model: "m", APIKey: "k"}, server.Client())
	_, err := client.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	var transient *domain.TransientError
	assert.True(t, errors.As(err, &transient))
	assert.True(t, strings.Contains(err.Error(), "429"))

	_, err = NewChatGPTClient(config.ChatGPTConfig{}, nil).Complete(context.Background(), "s", "u")
	require.Error(t, err)
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewGeminiClient(context.Background(), config.GeminiConfig{}, nil)
	require.Error(t, err)
}
