package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/retrieval"
)

const arxivBaseURL = "https://arxiv.org"

var (
	submittedExpr = regexp.MustCompile(`\d{1,2} [A-Za-z]+,? \d{4}`)
	versionExpr   = regexp.MustCompile(`v\d+$`)
	nearExpr      = regexp.MustCompile(`(?i)\bNEAR/\d+\b`)
	noiseExpr     = regexp.MustCompile(`(?i)\b(pdf|document|doc|pdf2text|pdftables)\b`)
	emptyParens   = regexp.MustCompile(`\(\s*\)`)
	spaceExpr     = regexp.MustCompile(`\s+`)
)

// arXiv result page sizes accepted by the search form.
var arxivPageSizes = []int{25, 50, 100, 200}

// Arxiv searches arxiv.org and parses the result listing.
type Arxiv struct {
	client  *http.Client
	baseURL string
}

var _ retrieval.Source = (*Arxiv)(nil)

// NewArxiv wires an HTTP client; baseURL defaults to arxiv.org.
func NewArxiv(client *http.Client, baseURL string) *Arxiv {
	if baseURL == "" {
		baseURL = arxivBaseURL
	}
	return &Arxiv{client: defaultClient(client), baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Name identifies the source inside the registry.
func (a *Arxiv) Name() string {
	return "arxiv"
}

// Search runs one query. Results outside req.Categories are dropped when
// categories are given.
func (a *Arxiv) Search(ctx context.Context, req retrieval.Request) ([]domain.Candidate, error) {
	query := NormalizeArxivQuery(req.Query)
	if query == "" {
		return nil, nil
	}
	limit := limitOr(req.Limit, 25)

	pageURL, err := a.searchURL(query, limit)
	if err != nil {
		return nil, err
	}
	doc, err := fetchDocument(ctx, a.client, "arxiv", pageURL)
	if err != nil {
		return nil, err
	}

	var results []domain.Candidate
	doc.Find("li.arxiv-result").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		cand, ok := parseArxivResult(li, a.baseURL)
		if !ok || !matchesCategories(cand.Categories, req.Categories) {
			return true
		}
		results = append(results, cand)
		return len(results) < limit
	})
	return results, nil
}

func (a *Arxiv) searchURL(query string, limit int) (string, error) {
	parsed, err := url.Parse(a.baseURL + "/search/")
	if err != nil {
		return "", fmt.Errorf("invalid arxiv url %s: %w", a.baseURL, err)
	}

	size := arxivPageSizes[len(arxivPageSizes)-1]
	for _, s := range arxivPageSizes {
		if limit <= s {
			size = s
			break
		}
	}

	q := parsed.Query()
	q.Set("query", query)
	q.Set("searchtype", "all")
	q.Set("abstracts", "show")
	q.Set("order", "-announced_date_first")
	q.Set("size", strconv.Itoa(size))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func parseArxivResult(li *goquery.Selection, baseURL string) (domain.Candidate, bool) {
	link := li.Find("p.list-title a").First()
	href, _ := link.Attr("href")
	id := strings.TrimSpace(link.Text())
	id = strings.TrimPrefix(id, "arXiv:")
	if id == "" && href != "" {
		id = href[strings.LastIndex(href, "/")+1:]
	}
	id = versionExpr.ReplaceAllString(id, "")
	if id == "" {
		return domain.Candidate{}, false
	}
	if href == "" {
		href = baseURL + "/abs/" + id
	} else if !strings.HasPrefix(href, "http") {
		href = baseURL + href
	}

	title := collapse(li.Find("p.title").First().Text())

	var authors []string
	li.Find("p.authors a").Each(func(_ int, a *goquery.Selection) {
		if name := collapse(a.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	var categories []string
	li.Find("div.tags span.tag").Each(func(_ int, s *goquery.Selection) {
		if c := collapse(s.Text()); c != "" {
			categories = append(categories, c)
		}
	})

	full := li.Find("span.abstract-full").First()
	full.Find("a").Remove()
	abstract := collapse(full.Text())
	if abstract == "" {
		abstract = collapse(li.Find("span.abstract-short").First().Text())
	}

	return domain.Candidate{
		Source:      "arxiv",
		ExternalID:  id,
		Title:       title,
		Abstract:    abstract,
		Authors:     authors,
		Categories:  categories,
		PublishedAt: parseSubmitted(li.Find("p.is-size-7").First().Text()),
		URL:         href,
	}, true
}

func parseSubmitted(text string) time.Time {
	match := submittedExpr.FindString(text)
	if match == "" {
		return time.Time{}
	}
	match = strings.Replace(match, ",", "", 1)
	for _, layout := range []string{"2 January 2006", "2 Jan 2006"} {
		if t, err := time.Parse(layout, match); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func matchesCategories(have, want []string) bool {
	if len(want) == 0 || len(have) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) || strings.HasPrefix(strings.ToLower(h), strings.ToLower(w)+".") {
				return true
			}
		}
	}
	return false
}

// NormalizeArxivQuery drops proximity operators and file-format noise words
// that never appear in abstracts.
func NormalizeArxivQuery(query string) string {
	cleaned := nearExpr.ReplaceAllString(query, " ")
	cleaned = noiseExpr.ReplaceAllString(cleaned, " ")
	cleaned = emptyParens.ReplaceAllString(cleaned, " ")
	return collapse(cleaned)
}

func collapse(s string) string {
	return strings.TrimSpace(spaceExpr.ReplaceAllString(s, " "))
}
