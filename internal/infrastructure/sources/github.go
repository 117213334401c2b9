package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
	"github.com/fresh-milkshake/searcher-agent/internal/retrieval"
)

const githubAPIURL = "https://api.github.com"

// GitHub searches repositories, most starred first. A token raises the rate
// limit but is optional.
type GitHub struct {
	client  *http.Client
	baseURL string
	token   string
}

var _ retrieval.Source = (*GitHub)(nil)

// NewGitHub constructs the GitHub repository source. token may be empty.
func NewGitHub(client *http.Client, baseURL, token string) *GitHub {
	if baseURL == "" {
		baseURL = githubAPIURL
	}
	return &GitHub{client: defaultClient(client), baseURL: strings.TrimSuffix(baseURL, "/"), token: token}
}

func (g *GitHub) Name() string {
	return "github"
}

type githubSearchResponse struct {
	Items []struct {
		ID          int64     `json:"id"`
		FullName    string    `json:"full_name"`
		HTMLURL     string    `json:"html_url"`
		Description string    `json:"description"`
		Stars       int       `json:"stargazers_count"`
		Language    string    `json:"language"`
		Topics      []string  `json:"topics"`
		PushedAt    time.Time `json:"pushed_at"`
		Owner       struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"items"`
}

func (g *GitHub) Search(ctx context.Context, req retrieval.Request) ([]domain.Candidate, error) {
	query := collapse(req.Query)
	if query == "" {
		return nil, nil
	}
	perPage := limitOr(req.Limit, 25)
	if perPage > 100 {
		perPage = 100
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("sort", "stars")
	params.Set("order", "desc")
	params.Set("per_page", strconv.Itoa(perPage))

	header := http.Header{}
	header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}

	var body githubSearchResponse
	if err := fetchJSON(ctx, g.client, "github", g.baseURL+"/search/repositories?"+params.Encode(), header, &body); err != nil {
		return nil, err
	}

	results := make([]domain.Candidate, 0, len(body.Items))
	for _, repo := range body.Items {
		parts := []string{}
		if repo.Description != "" {
			parts = append(parts, repo.Description)
		}
		parts = append(parts, fmt.Sprintf("★ %d", repo.Stars))
		if repo.Language != "" {
			parts = append(parts, repo.Language)
		}

		var authors []string
		if repo.Owner.Login != "" {
			authors = []string{repo.Owner.Login}
		}
		results = append(results, domain.Candidate{
			Source:      "github",
			ExternalID:  "github:" + strconv.FormatInt(repo.ID, 10),
			Title:       repo.FullName,
			Abstract:    strings.Join(parts, " • "),
			Authors:     authors,
			Categories:  repo.Topics,
			PublishedAt: repo.PushedAt.UTC(),
			URL:         repo.HTMLURL,
		})
	}
	return results, nil
}
