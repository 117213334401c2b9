package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/retrieval"
)

const eutilsBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMed queries NCBI E-utilities: esearch for ids, then esummary for
// metadata.
type PubMed struct {
	client  *http.Client
	baseURL string
}

var _ retrieval.Source = (*PubMed)(nil)

// NewPubMed constructs the PubMed source.
func NewPubMed(client *http.Client, baseURL string) *PubMed {
	if baseURL == "" {
		baseURL = eutilsBaseURL
	}
	return &PubMed{client: defaultClient(client), baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (p *PubMed) Name() string {
	return "pubmed"
}

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type esummaryDoc struct {
	Title   string `json:"title"`
	PubDate string `json:"pubdate"`
	Source  string `json:"source"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

func (p *PubMed) Search(ctx context.Context, req retrieval.Request) ([]domain.Candidate, error) {
	query := collapse(req.Query)
	if query == "" {
		return nil, nil
	}

	search := url.Values{}
	search.Set("db", "pubmed")
	search.Set("retmode", "json")
	search.Set("retmax", strconv.Itoa(limitOr(req.Limit, 25)))
	search.Set("term", query)

	var ids esearchResponse
	if err := fetchJSON(ctx, p.client, "pubmed", p.baseURL+"/esearch.fcgi?"+search.Encode(), nil, &ids); err != nil {
		return nil, err
	}
	if len(ids.Result.IDList) == 0 {
		return nil, nil
	}

	summary := url.Values{}
	summary.Set("db", "pubmed")
	summary.Set("retmode", "json")
	summary.Set("id", strings.Join(ids.Result.IDList, ","))

	// esummary keys documents by PMID next to a "uids" array, so decode lazily.
	var docs struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := fetchJSON(ctx, p.client, "pubmed", p.baseURL+"/esummary.fcgi?"+summary.Encode(), nil, &docs); err != nil {
		return nil, err
	}

	results := make([]domain.Candidate, 0, len(ids.Result.IDList))
	for _, pmid := range ids.Result.IDList {
		raw, ok := docs.Result[pmid]
		if !ok {
			continue
		}
		var doc esummaryDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode pubmed summary %s: %w", pmid, err)
		}

		var authors []string
		for _, a := range doc.Authors {
			authors = append(authors, a.Name)
		}
		abstract := doc.Source
		if doc.PubDate != "" {
			abstract = strings.TrimSpace(abstract + " " + doc.PubDate)
		}
		results = append(results, domain.Candidate{
			Source:      "pubmed",
			ExternalID:  "pubmed:" + pmid,
			Title:       collapse(doc.Title),
			Abstract:    abstract,
			Authors:     authors,
			PublishedAt: parsePubDate(doc.PubDate),
			URL:         "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		})
	}
	return results, nil
}

func parsePubDate(s string) time.Time {
	for _, layout := range []string{"2006 Jan 2", "2006 Jan", "2006"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
