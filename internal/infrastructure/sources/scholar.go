package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/retrieval"
)

const duckDuckGoURL = "https://html.duckduckgo.com/html/"

// Scholar finds Google Scholar pages through a site-restricted DuckDuckGo
// search instead of scraping Scholar itself. Results carry only a title,
// link and snippet.
type Scholar struct {
	client  *http.Client
	baseURL string
}

var _ retrieval.Source = (*Scholar)(nil)

// NewScholar constructs the Scholar source.
func NewScholar(client *http.Client, baseURL string) *Scholar {
	if baseURL == "" {
		baseURL = duckDuckGoURL
	}
	return &Scholar{client: defaultClient(client), baseURL: baseURL}
}

func (s *Scholar) Name() string {
	return "scholar"
}

func (s *Scholar) Search(ctx context.Context, req retrieval.Request) ([]domain.Candidate, error) {
	query := collapse(req.Query)
	if query == "" {
		return nil, nil
	}
	limit := limitOr(req.Limit, 25)

	parsed, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid scholar url %s: %w", s.baseURL, err)
	}
	q := parsed.Query()
	q.Set("q", "site:scholar.google.com "+query)
	parsed.RawQuery = q.Encode()

	doc, err := fetchDocument(ctx, s.client, "scholar", parsed.String())
	if err != nil {
		return nil, err
	}

	var results []domain.Candidate
	doc.Find("div.result").EachWithBreak(func(_ int, div *goquery.Selection) bool {
		link := div.Find("a.result__a").First()
		title := collapse(link.Text())
		href := resolveDuckDuckGoLink(link.AttrOr("href", ""))
		if title == "" && href == "" {
			return true
		}
		results = append(results, domain.Candidate{
			Source:     "scholar",
			ExternalID: "scholar:" + href,
			Title:      title,
			Abstract:   collapse(div.Find(".result__snippet").First().Text()),
			URL:        href,
		})
		return len(results) < limit
	})
	return results, nil
}

// DuckDuckGo wraps outbound links in a redirect carrying the target in uddg.
func resolveDuckDuckGoLink(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
