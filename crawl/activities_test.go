package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cognita_back/knowledge"
	"cognita_back/widgets"
)

type vectorFake struct {
	mu              sync.Mutex
	pointsUpserted  int
	filteredDeletes int
}

func newVectorServer(t *testing.T, state *vectorFake) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/points"):
			var body struct {
				Points []json.RawMessage `json:"points"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			state.pointsUpserted += len(body.Points)
			w.Write([]byte(`{"result": {}, "status": "ok"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/points/delete"):
			state.filteredDeletes++
			w.Write([]byte(`{"result": {}, "status": "ok"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/points/count"):
			fmt.Fprintf(w, `{"result": {"count": %d}}`, state.pointsUpserted)
		default:
			w.Write([]byte(`{"result": {}, "status": "ok"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEmbeddingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		data := make([]map[string]interface{}, len(body.Input))
		for i := range body.Input {
			data[i] = map[string]interface{}{"index": i, "embedding": []float64{0.1, 0.2, 0.3, 0.4}}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestActivities(t *testing.T, provider *Client) (*Activities, *gorm.DB, *vectorFake, *atomic.Int32) {
	t.Helper()
	db := newTestDB(t)

	vectors := &vectorFake{}
	vectorSrv := newVectorServer(t, vectors)
	var embedCalls atomic.Int32
	embedSrv := newEmbeddingServer(t, &embedCalls)

	t.Setenv("EMBEDDING_API_KEY", "test-key")
	t.Setenv("EMBEDDING_BASE_URL", embedSrv.URL)
	t.Setenv("EMBEDDING_DIM", "4")
	t.Setenv("EMBED_RPS", "1000")
	t.Setenv("QDRANT_URL", vectorSrv.URL)

	store, err := knowledge.NewStoreFromEnv(db)
	require.NoError(t, err)
	require.True(t, store.Enabled())
	ingestor := knowledge.NewIngestorFromEnv(db, store)
	require.True(t, ingestor.Enabled())

	acts := NewActivities(ActivityDeps{DB: db, Provider: provider, Ingestor: ingestor})
	return acts, db, vectors, &embedCalls
}

func TestActivities_StartCrawlRecordsRunID(t *testing.T) {
	state := &providerState{startID: "run-77"}
	provider := newTestClient(newProviderServer(t, state), 25)
	acts, db, _, _ := newTestActivities(t, provider)
	w := createWidget(t, db, func(w *widgets.Widget) {
		w.CrawlStatus = string(StatusCrawling)
		w.CrawlWorkflowID = "crawl-widget-1"
	})

	runID, err := acts.StartCrawl(context.Background(), StartInput{WidgetID: w.ID, SeedURL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, "run-77", runID)

	row := reloadWidget(t, db, w.ID)
	require.Equal(t, "run-77", row.CrawlRunID)
	require.Equal(t, string(StatusCrawling), row.CrawlStatus)
	require.Equal(t, "https://example.com", row.CrawlSeedURL)
}

func TestActivities_StartCrawlReentersCrawlingAfterReset(t *testing.T) {
	state := &providerState{startID: "run-88"}
	provider := newTestClient(newProviderServer(t, state), 25)
	acts, db, _, _ := newTestActivities(t, provider)
	w := createWidget(t, db, nil)

	_, err := acts.StartCrawl(context.Background(), StartInput{WidgetID: w.ID, SeedURL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, string(StatusCrawling), reloadWidget(t, db, w.ID).CrawlStatus)
}

func TestActivities_PollCrawlMirrorsPageCounter(t *testing.T) {
	state := &providerState{run: RunStatus{Status: RunScraping, Total: 9, Completed: 4}}
	provider := newTestClient(newProviderServer(t, state), 25)
	acts, db, _, _ := newTestActivities(t, provider)
	w := createWidget(t, db, func(w *widgets.Widget) {
		w.CrawlStatus = string(StatusCrawling)
	})

	result, err := acts.PollCrawl(context.Background(), PollInput{WidgetID: w.ID, RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, RunScraping, result.Status)
	require.Equal(t, 4, result.Completed)
	require.Equal(t, 4, reloadWidget(t, db, w.ID).CrawlPages)
}

func TestActivities_PollCrawlLeavesNonCrawlingWidgetsAlone(t *testing.T) {
	state := &providerState{run: RunStatus{Status: RunScraping, Completed: 4}}
	provider := newTestClient(newProviderServer(t, state), 25)
	acts, db, _, _ := newTestActivities(t, provider)
	w := createWidget(t, db, func(w *widgets.Widget) {
		w.CrawlStatus = string(StatusReady)
		w.CrawlPages = 2
	})

	_, err := acts.PollCrawl(context.Background(), PollInput{WidgetID: w.ID, RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, 2, reloadWidget(t, db, w.ID).CrawlPages)
}

func crawlRunFixture() RunStatus {
	return RunStatus{
		Status:    RunCompleted,
		Total:     2,
		Completed: 2,
		Data: []CrawledPage{
			{
				Markdown: "Welcome to our product. It slices and dices.",
				Metadata: PageMetadata{SourceURL: "https://example.com", Title: "Welcome"},
				Links:    []string{"https://example.com/docs", "https://elsewhere.invalid/x"},
			},
			{
				Markdown: "# Docs\n\nInstall with one command.",
				Metadata: PageMetadata{SourceURL: "https://example.com/docs", Title: "Docs"},
			},
		},
	}
}

func TestActivities_IngestPagesCreatesCrawlDocuments(t *testing.T) {
	state := &providerState{run: crawlRunFixture()}
	provider := newTestClient(newProviderServer(t, state), 25)
	acts, db, _, _ := newTestActivities(t, provider)
	w := createWidget(t, db, func(w *widgets.Widget) {
		w.CrawlStatus = string(StatusCrawling)
	})

	result, err := acts.IngestPages(context.Background(), IngestInput{WidgetID: w.ID, RunID: "run-1", SeedURL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, 2, result.Pages)
	require.Equal(t, 2, result.Documents)
	require.Zero(t, result.Skipped)
	require.Equal(t, []string{"https://example.com/docs"}, result.SampledLinks)

	var docs []knowledge.SourceDocument
	require.NoError(t, db.Where("widget_id = ? AND origin = ?", w.ID, knowledge.OriginCrawl).Find(&docs).Error)
	require.Len(t, docs, 2)

	var welcome knowledge.SourceDocument
	require.NoError(t, db.Where("widget_id = ? AND file_name = ?", w.ID, CrawlDocumentName("https://example.com")).First(&welcome).Error)
	require.Equal(t, knowledge.DocStatusReady, welcome.Status)
	require.Equal(t, "https://example.com", welcome.SourceURL)
	require.Equal(t, "text/markdown", welcome.MediaType)

	// The title becomes a heading when the page markdown has none.
	var chunks []knowledge.Chunk
	require.NoError(t, db.Where("widget_id = ? AND document_id = ?", w.ID, welcome.ID).Order("seq").Find(&chunks).Error)
	require.NotEmpty(t, chunks)
	require.Contains(t, chunks[0].Content, "# Welcome")
	require.Equal(t, knowledge.SourceTypeCrawl, chunks[0].SourceType)
}

func TestActivities_IngestPagesSkipsUnchangedFingerprints(t *testing.T) {
	state := &providerState{run: crawlRunFixture()}
	provider := newTestClient(newProviderServer(t, state), 25)
	acts, db, _, embedCalls := newTestActivities(t, provider)
	w := createWidget(t, db, func(w *widgets.Widget) {
		w.CrawlStatus = string(StatusCrawling)
	})
	input := IngestInput{WidgetID: w.ID, RunID: "run-1", SeedURL: "https://example.com"}

	_, err := acts.IngestPages(context.Background(), input)
	require.NoError(t, err)
	callsAfterFirst := embedCalls.Load()

	second, err := acts.IngestPages(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, 2, second.Skipped)
	require.Zero(t, second.Documents)
	require.Equal(t, callsAfterFirst, embedCalls.Load())

	// A changed page re-embeds just that document.
	state.run.Data[1].Markdown = "# Docs\n\nInstall with two commands now."
	third, err := acts.IngestPages(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, 1, third.Documents)
	require.Equal(t, 1, third.Skipped)
	require.Greater(t, embedCalls.Load(), callsAfterFirst)

	var count int64
	require.NoError(t, db.Model(&knowledge.SourceDocument{}).Where("widget_id = ?", w.ID).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestActivities_FinalizeCrawlClosesTheRun(t *testing.T) {
	provider := newTestClient(newProviderServer(t, &providerState{}), 25)
	acts, db, _, _ := newTestActivities(t, provider)

	ready := createWidget(t, db, func(w *widgets.Widget) {
		w.CrawlStatus = string(StatusCrawling)
	})
	require.NoError(t, acts.FinalizeCrawl(context.Background(), FinalizeInput{WidgetID: ready.ID, Pages: 5}))
	row := reloadWidget(t, db, ready.ID)
	require.Equal(t, string(StatusReady), row.CrawlStatus)
	require.Equal(t, 5, row.CrawlPages)
	require.NotNil(t, row.LastCrawledAt)
	require.Empty(t, row.CrawlError)

	failed := createWidget(t, db, func(w *widgets.Widget) {
		w.CrawlStatus = string(StatusCrawling)
	})
	require.NoError(t, acts.FinalizeCrawl(context.Background(), FinalizeInput{WidgetID: failed.ID, ErrMsg: "site unreachable"}))
	row = reloadWidget(t, db, failed.ID)
	require.Equal(t, string(StatusFailed), row.CrawlStatus)
	require.Equal(t, "site unreachable", row.CrawlError)
}

func TestActivities_FinalizeCrawlAbsorbsResetRuns(t *testing.T) {
	provider := newTestClient(newProviderServer(t, &providerState{}), 25)
	acts, db, _, _ := newTestActivities(t, provider)
	w := createWidget(t, db, nil)

	require.NoError(t, acts.FinalizeCrawl(context.Background(), FinalizeInput{WidgetID: w.ID, Pages: 3}))
	require.Equal(t, string(StatusIdle), reloadWidget(t, db, w.ID).CrawlStatus)
}

func TestCrawlDocumentName_IsStablePerURL(t *testing.T) {
	a := CrawlDocumentName("https://example.com/docs")
	b := CrawlDocumentName("https://example.com/docs")
	c := CrawlDocumentName("https://example.com/pricing")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.True(t, strings.HasPrefix(a, "crawl-"))
	require.True(t, strings.HasSuffix(a, ".md"))
}
