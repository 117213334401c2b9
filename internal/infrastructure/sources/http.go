// Package sources implements the search providers behind the retrieval
// gateway: arXiv, Google Scholar (via DuckDuckGo), PubMed and GitHub.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const userAgent = "searcher-agent/1.0"

func defaultClient(client *http.Client) *http.Client {
	if client == nil {
		return &http.Client{Timeout: 20 * time.Second}
	}
	return client
}

// StatusError is returned for non-200 provider responses.
type StatusError struct {
	Provider string
	Status   string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Provider, e.Status)
}

func get(ctx context.Context, client *http.Client, provider, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Provider: provider, Status: resp.Status, Code: resp.StatusCode}
	}
	return resp, nil
}

func fetchDocument(ctx context.Context, client *http.Client, provider, rawURL string) (*goquery.Document, error) {
	resp, err := get(ctx, client, provider, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func fetchJSON(ctx context.Context, client *http.Client, provider, rawURL string, header http.Header, out any) error {
	resp, err := get(ctx, client, provider, rawURL, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
