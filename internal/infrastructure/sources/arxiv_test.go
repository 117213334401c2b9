package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/fresh-milkshake/searcher-agent/internal/retrieval"
)

const arxivListing = `
<ol class="breathe-horizontal">
  <li class="arxiv-result">
    <div class="is-marginless">
      <p class="list-title is-inline-block"><a href="https://arxiv.org/abs/2501.00001v2">arXiv:2501.00001</a></p>
      <div class="tags is-inline-block">
        <span class="tag is-small is-link">cs.CV</span>
        <span class="tag is-small is-grey">eess.IV</span>
      </div>
    </div>
    <p class="title is-5 mathjax">
      Deep learning for   medical imaging
    </p>
    <p class="authors"><span class="search-hit">Authors:</span> <a href="#">Ada Lovelace</a>, <a href="#">Alan Turing</a></p>
    <p class="abstract mathjax">
      <span class="abstract-short">We segment...</span>
      <span class="abstract-full" style="display: none;">We segment CT scans with CNNs. <a class="is-size-7">△ Less</a></span>
    </p>
    <p class="is-size-7"><span>Submitted</span> 3 January, 2025; <span>originally announced</span> January 2025.</p>
  </li>
  <li class="arxiv-result">
    <div class="is-marginless">
      <p class="list-title is-inline-block"><a href="/abs/2501.00002">arXiv:2501.00002</a></p>
      <div class="tags is-inline-block"><span class="tag is-small is-link">math.ST</span></div>
    </div>
    <p class="title is-5 mathjax">Statistics only</p>
    <p class="abstract mathjax"><span class="abstract-full">Pure theory.</span></p>
  </li>
</ol>`

func TestNormalizeArxivQuery(t *testing.T) {
	t.Parallel()

	got := NormalizeArxivQuery(`RAG NEAR/5 (pdf document) small   datasets`)
	if got != "RAG small datasets" {
		t.Fatalf("unexpected normalized query: %q", got)
	}
}

func TestParseArxivResult(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(arxivListing))
	if err != nil {
		t.Fatalf("new document: %v", err)
	}

	cand, ok := parseArxivResult(doc.Find("li.arxiv-result").First(), arxivBaseURL)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if cand.ExternalID != "2501.00001" {
		t.Fatalf("unexpected id: %s", cand.ExternalID)
	}
	if cand.Title != "Deep learning for medical imaging" {
		t.Fatalf("unexpected title: %q", cand.Title)
	}
	if cand.Abstract != "We segment CT scans with CNNs." {
		t.Fatalf("unexpected abstract: %q", cand.Abstract)
	}
	if len(cand.Authors) != 2 || cand.Authors[1] != "Alan Turing" {
		t.Fatalf("unexpected authors: %v", cand.Authors)
	}
	if len(cand.Categories) != 2 || cand.Categories[0] != "cs.CV" {
		t.Fatalf("unexpected categories: %v", cand.Categories)
	}
	want := time.Date(2025, time.January, 3, 0, 0, 0, 0, time.UTC)
	if !cand.PublishedAt.Equal(want) {
		t.Fatalf("unexpected published date: %v", cand.PublishedAt)
	}
	if cand.URL != "https://arxiv.org/abs/2501.00001v2" {
		t.Fatalf("unexpected url: %s", cand.URL)
	}
}

func TestArxivSearch(t *testing.T) {
	t.Parallel()

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("query")
		_, _ = w.Write([]byte(arxivListing))
	}))
	defer server.Close()

	src := NewArxiv(server.Client(), server.URL)
	results, err := src.Search(context.Background(), retrieval.Request{
		Query:      "medical imaging pdf",
		Limit:      10,
		Categories: []string{"cs"},
	})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}

	if gotQuery != "medical imaging" {
		t.Fatalf("unexpected upstream query: %q", gotQuery)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 candidate after category filter, got %d", len(results))
	}
	if results[0].ExternalID != "2501.00001" {
		t.Fatalf("unexpected candidate: %s", results[0].ExternalID)
	}
}

func TestArxivSearchStatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewArxiv(server.Client(), server.URL).Search(context.Background(), retrieval.Request{Query: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("unexpected error: %v", err)
	}
}
