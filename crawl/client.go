// Package crawl turns a widget's seed URL into crawl-produced source
// documents. The external crawling provider does the fetching; a Temporal
// workflow drives the run so the HTTP request that starts it returns
// immediately with a job handle.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultPageLimit = 25

// Provider run phases as reported by GET /v1/crawl/{id}.
const (
	RunScraping  = "scraping"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Client calls the crawling provider's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	pageLimit  int
}

// NewClientFromEnv returns (nil, nil) when CRAWL_BASE_URL is unset; a nil
// client disables crawling without failing startup.
//
// Expected variables:
//   - CRAWL_BASE_URL: provider endpoint, e.g. https://api.firecrawl.dev
//   - CRAWL_API_KEY: optional bearer token
//   - CRAWL_PAGE_LIMIT: page budget per run (default 25)
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("CRAWL_BASE_URL"))
	if baseURL == "" {
		return nil, nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("crawl: invalid base URL %q", baseURL)
	}

	pageLimit := defaultPageLimit
	if raw := strings.TrimSpace(os.Getenv("CRAWL_PAGE_LIMIT")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			pageLimit = parsed
		}
	}

	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("CRAWL_API_KEY")),
		pageLimit:  pageLimit,
	}, nil
}

// Enabled reports whether a provider is configured.
func (c *Client) Enabled() bool {
	return c != nil
}

// PageLimit reports the per-run page budget sent to the provider.
func (c *Client) PageLimit() int {
	if c == nil {
		return defaultPageLimit
	}
	return c.pageLimit
}

// PageMetadata describes where a crawled page came from.
type PageMetadata struct {
	SourceURL string `json:"sourceURL"`
	Title     string `json:"title"`
}

// CrawledPage is one fetched page with its outbound links.
type CrawledPage struct {
	Markdown string       `json:"markdown"`
	Metadata PageMetadata `json:"metadata"`
	Links    []string     `json:"links"`
}

// RunStatus is the provider's view of a run. Data carries the pages
// discovered so far; it is complete once Status is RunCompleted.
type RunStatus struct {
	Status    string        `json:"status"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Data      []CrawledPage `json:"data"`
	Error     string        `json:"error,omitempty"`
}

type startCrawlRequest struct {
	URL   string `json:"url"`
	Limit int    `json:"limit"`
}

type startCrawlResponse struct {
	ID string `json:"id"`
}

// Start submits a new run for the seed URL and returns the provider's
// run id.
func (c *Client) Start(ctx context.Context, seedURL string) (string, error) {
	if c == nil {
		return "", errors.New("crawl: provider is not configured")
	}
	seedURL = strings.TrimSpace(seedURL)
	if seedURL == "" {
		return "", errors.New("crawl: seed URL must not be empty")
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(startCrawlRequest{URL: seedURL, Limit: c.pageLimit}); err != nil {
		return "", fmt.Errorf("crawl: encode start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/crawl", &buf)
	if err != nil {
		return "", fmt.Errorf("crawl: build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("crawl: start run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("crawl: provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded startCrawlResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("crawl: decode start response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return "", errors.New("crawl: provider returned no run id")
	}
	return decoded.ID, nil
}

// Status fetches the current state of a run, including any pages
// collected so far.
func (c *Client) Status(ctx context.Context, runID string) (*RunStatus, error) {
	if c == nil {
		return nil, errors.New("crawl: provider is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("crawl: run id must not be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/crawl/"+runID, nil)
	if err != nil {
		return nil, fmt.Errorf("crawl: build status request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crawl: fetch run status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("crawl: provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("crawl: decode run status: %w", err)
	}
	return &decoded, nil
}
