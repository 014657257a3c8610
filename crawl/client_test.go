package crawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type providerState struct {
	startBody  startCrawlRequest
	lastAuth   string
	lastPath   string
	startID    string
	statusCode int
	run        RunStatus
}

func newProviderServer(t *testing.T, state *providerState) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.lastAuth = r.Header.Get("Authorization")
		state.lastPath = r.URL.Path
		if state.statusCode != 0 {
			w.WriteHeader(state.statusCode)
			w.Write([]byte("quota exceeded"))
			return
		}
		switch r.Method {
		case http.MethodPost:
			json.NewDecoder(r.Body).Decode(&state.startBody)
			json.NewEncoder(w).Encode(startCrawlResponse{ID: state.startID})
		case http.MethodGet:
			json.NewEncoder(w).Encode(state.run)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, pageLimit int) *Client {
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		apiKey:     "crawl-key",
		pageLimit:  pageLimit,
	}
}

func TestClient_StartSubmitsSeedAndLimit(t *testing.T) {
	state := &providerState{startID: "run-42"}
	srv := newProviderServer(t, state)
	client := newTestClient(srv, 30)

	runID, err := client.Start(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, "run-42", runID)

	require.Equal(t, "/v1/crawl", state.lastPath)
	require.Equal(t, "Bearer crawl-key", state.lastAuth)
	require.Equal(t, "https://example.com", state.startBody.URL)
	require.Equal(t, 30, state.startBody.Limit)
}

func TestClient_StartRejectsMissingRunID(t *testing.T) {
	state := &providerState{startID: ""}
	srv := newProviderServer(t, state)
	client := newTestClient(srv, 25)

	_, err := client.Start(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no run id")
}

func TestClient_StartSurfacesProviderErrorSnippet(t *testing.T) {
	state := &providerState{statusCode: http.StatusTooManyRequests}
	srv := newProviderServer(t, state)
	client := newTestClient(srv, 25)

	_, err := client.Start(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestClient_StatusDecodesRun(t *testing.T) {
	state := &providerState{
		run: RunStatus{
			Status:    RunCompleted,
			Total:     2,
			Completed: 2,
			Data: []CrawledPage{
				{
					Markdown: "# Home",
					Metadata: PageMetadata{SourceURL: "https://example.com", Title: "Home"},
					Links:    []string{"https://example.com/docs"},
				},
				{
					Markdown: "# Docs",
					Metadata: PageMetadata{SourceURL: "https://example.com/docs", Title: "Docs"},
				},
			},
		},
	}
	srv := newProviderServer(t, state)
	client := newTestClient(srv, 25)

	run, err := client.Status(context.Background(), "run-42")
	require.NoError(t, err)
	require.Equal(t, "/v1/crawl/run-42", state.lastPath)
	require.Equal(t, RunCompleted, run.Status)
	require.Len(t, run.Data, 2)
	require.Equal(t, "https://example.com/docs", run.Data[0].Links[0])
}

func TestClient_StatusRequiresRunID(t *testing.T) {
	client := &Client{httpClient: &http.Client{Timeout: time.Second}, baseURL: "http://localhost:0"}

	_, err := client.Status(context.Background(), "  ")
	require.Error(t, err)
}

func TestNewClientFromEnv_DisabledWithoutBaseURL(t *testing.T) {
	t.Setenv("CRAWL_BASE_URL", "")

	client, err := NewClientFromEnv()
	require.NoError(t, err)
	require.Nil(t, client)
	require.False(t, client.Enabled())
}

func TestNewClientFromEnv_ReadsPageLimit(t *testing.T) {
	t.Setenv("CRAWL_BASE_URL", "https://api.crawler.example")
	t.Setenv("CRAWL_PAGE_LIMIT", "50")

	client, err := NewClientFromEnv()
	require.NoError(t, err)
	require.Equal(t, 50, client.PageLimit())
}

func TestNewClientFromEnv_RejectsBadScheme(t *testing.T) {
	t.Setenv("CRAWL_BASE_URL", "ftp://crawler.example")

	_, err := NewClientFromEnv()
	require.Error(t, err)
}
