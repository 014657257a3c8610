package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cognita_back/faults"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn string
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	vectors := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		if f.failOn != "" && strings.Contains(input, f.failOn) {
			return nil, fmt.Errorf("embedding backend rejected input")
		}
		vectors = append(vectors, []float32{1, 0, 0, float32(len(input)%7) / 10})
	}
	return vectors, nil
}

// fakeQdrant speaks just enough of the points API for store tests.
type fakeQdrant struct {
	srv *httptest.Server

	mu            sync.Mutex
	upserted      map[string][]QdrantPoint
	deletedIDs    map[string][]string
	filterDeletes map[string]int
	dropped       []string
	searchBody    map[string]interface{}
	searchResults []map[string]interface{}
	searchStatus  int
}

func newFakeQdrant(t *testing.T) *fakeQdrant {
	t.Helper()
	f := &fakeQdrant{
		upserted:      map[string][]QdrantPoint{},
		deletedIDs:    map[string][]string{},
		filterDeletes: map[string]int{},
		searchStatus:  http.StatusOK,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeQdrant) client() *qdrantClient {
	return &qdrantClient{
		httpClient: f.srv.Client(),
		baseURL:    f.srv.URL,
		vectorSize: 4,
	}
}

func (f *fakeQdrant) collectionOf(path string) string {
	trimmed := strings.TrimPrefix(path, "/collections/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func (f *fakeQdrant) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	collection := f.collectionOf(r.URL.Path)
	ok := func() {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":true,"status":"ok"}`)
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/points/search"):
		if f.searchStatus != http.StatusOK {
			w.WriteHeader(f.searchStatus)
			fmt.Fprint(w, `{"status":{"error":"boom"}}`)
			return
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.searchBody = body
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": f.searchResults})
	case strings.HasSuffix(r.URL.Path, "/points/delete"):
		f.filterDeletes[collection]++
		ok()
	case strings.HasSuffix(r.URL.Path, "/points/count"):
		count := len(f.upserted[collection])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"result":{"count":%d}}`, count)
	case strings.HasSuffix(r.URL.Path, "/points") && r.Method == http.MethodPut:
		var body struct {
			Points []QdrantPoint `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.upserted[collection] = append(f.upserted[collection], body.Points...)
		ok()
	case strings.HasSuffix(r.URL.Path, "/points") && r.Method == http.MethodDelete:
		var body struct {
			Points []string `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.deletedIDs[collection] = append(f.deletedIDs[collection], body.Points...)
		ok()
	case r.Method == http.MethodPut:
		ok()
	case r.Method == http.MethodDelete:
		f.dropped = append(f.dropped, collection)
		ok()
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SourceDocument{}, &Chunk{}))
	return db
}

func newTestStore(t *testing.T, embedder Embedder, qd *fakeQdrant) *Store {
	t.Helper()
	return &Store{
		db:        newTestDB(t),
		embedder:  embedder,
		vectors:   qd.client(),
		vectorDim: 4,
		maxChunks: 5000,
	}
}

func TestFilterByScore_ThresholdIsInclusive(t *testing.T) {
	t.Parallel()

	snippets := []Snippet{
		{VectorID: "a", Score: 0.9},
		{VectorID: "b", Score: 0.8},
		{VectorID: "c", Score: 0.5},
		{VectorID: "d", Score: 0.499},
	}

	kept := FilterByScore(snippets, 0.5)
	require.Len(t, kept, 3)
	require.Equal(t, "a", kept[0].VectorID)
	require.Equal(t, "b", kept[1].VectorID)
	require.Equal(t, "c", kept[2].VectorID)
}

func TestFilterByScore_DropsEverythingBelowThreshold(t *testing.T) {
	t.Parallel()

	snippets := []Snippet{{Score: 0.2}, {Score: 0.1}}
	require.Empty(t, FilterByScore(snippets, 0.5))
}

func TestFilterByScore_NegativeThresholdKeepsAll(t *testing.T) {
	t.Parallel()

	snippets := []Snippet{{Score: 0.9}, {Score: 0.0}, {Score: -0.1}}
	require.Len(t, FilterByScore(snippets, -1), 3)
}

func TestStore_UpsertChunksPersistsRowsAndVectors(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	store := newTestStore(t, &fakeEmbedder{}, qd)

	docID := uint64(11)
	created, err := store.UpsertChunks(context.Background(), 7, []ChunkInput{
		{DocumentID: &docID, Seq: 0, Content: "alpha facts", SourceType: SourceTypeFile, Label: "guide.pdf", Page: 1},
		{DocumentID: &docID, Seq: 1, Content: "beta facts", SourceType: SourceTypeFile, Label: "guide.pdf", Page: 2},
		{Seq: 2, Content: "   ", SourceType: SourceTypeFile},
	})
	require.NoError(t, err)
	require.Len(t, created, 2, "blank content should be skipped")

	var rows []Chunk
	require.NoError(t, store.db.Where("widget_id = ?", 7).Order("seq").Find(&rows).Error)
	require.Len(t, rows, 2)
	require.Equal(t, "alpha facts", rows[0].Content)
	require.NotEmpty(t, rows[0].VectorID)

	points := qd.upserted["widget_7_chunks"]
	require.Len(t, points, 2)
	require.Equal(t, rows[0].VectorID, points[0].ID)
	require.Equal(t, "alpha facts", points[0].Payload["content"])
	require.Equal(t, "guide.pdf", points[0].Payload["label"])
}

func TestStore_UpsertChunksRollsBackVectorsWhenDBFails(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	store := newTestStore(t, &fakeEmbedder{}, qd)

	// Pin the pool to one connection so the pragma applies to every query,
	// then make writes fail while reads keep working.
	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.db.Exec("PRAGMA query_only = ON").Error)

	_, err = store.UpsertChunks(context.Background(), 9, []ChunkInput{
		{Seq: 0, Content: "doomed chunk", SourceType: SourceTypeText},
	})
	require.Error(t, err)

	qd.mu.Lock()
	defer qd.mu.Unlock()
	require.Len(t, qd.upserted["widget_9_chunks"], 1)
	require.Len(t, qd.deletedIDs["widget_9_chunks"], 1)
	require.Equal(t, qd.upserted["widget_9_chunks"][0].ID, qd.deletedIDs["widget_9_chunks"][0])
}

func TestStore_UpsertChunksEnforcesWidgetCap(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	store := newTestStore(t, &fakeEmbedder{}, qd)
	store.maxChunks = 2

	require.NoError(t, store.db.Create(&[]Chunk{
		{WidgetID: 3, Seq: 0, Content: "one", VectorID: "v1", SourceType: SourceTypeText},
		{WidgetID: 3, Seq: 1, Content: "two", VectorID: "v2", SourceType: SourceTypeText},
	}).Error)

	_, err := store.UpsertChunks(context.Background(), 3, []ChunkInput{
		{Seq: 2, Content: "three", SourceType: SourceTypeText},
	})
	require.True(t, faults.IsCode(err, faults.CodeInvalidInput), "got %v", err)
	require.Empty(t, qd.upserted["widget_3_chunks"], "nothing should reach the vector store")
}

func TestStore_SearchAppliesDefaultLimitAndThreshold(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	qd.searchResults = []map[string]interface{}{
		{"id": "p1", "score": 0.9, "payload": map[string]interface{}{"content": "first", "source_type": "file", "label": "a.pdf", "document_id": 4, "page": 2}},
		{"id": "p2", "score": 0.8, "payload": map[string]interface{}{"content": "second", "source_type": "file", "label": "a.pdf"}},
		{"id": "p3", "score": 0.3, "payload": map[string]interface{}{"content": "third", "source_type": "file"}},
	}
	store := newTestStore(t, &fakeEmbedder{}, qd)

	snippets, err := store.Search(context.Background(), 7, "what is alpha?", SearchOptions{})
	require.NoError(t, err)

	require.Len(t, snippets, 2, "the 0.3 result sits below the default threshold")
	require.Equal(t, 0.9, snippets[0].Score)
	require.Equal(t, 0.8, snippets[1].Score)
	require.Equal(t, "first", snippets[0].Text)
	require.Equal(t, "a.pdf", snippets[0].Label)
	require.Equal(t, uint64(4), snippets[0].DocumentID)
	require.Equal(t, 2, snippets[0].Page)

	qd.mu.Lock()
	defer qd.mu.Unlock()
	require.Equal(t, float64(4), qd.searchBody["limit"])
	require.Equal(t, 0.5, qd.searchBody["score_threshold"])
	require.NotNil(t, qd.searchBody["filter"])
}

func TestStore_SearchMissingCollectionMeansNoKnowledge(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	qd.searchStatus = http.StatusNotFound
	store := newTestStore(t, &fakeEmbedder{}, qd)

	snippets, err := store.Search(context.Background(), 42, "anything", SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, snippets)
}

func TestStore_SearchBackendFailureIsRetrievalDegraded(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	qd.searchStatus = http.StatusInternalServerError
	store := newTestStore(t, &fakeEmbedder{}, qd)

	_, err := store.Search(context.Background(), 42, "anything", SearchOptions{})
	require.True(t, faults.IsCode(err, faults.CodeRetrievalDegraded), "got %v", err)
}

func TestStore_SearchEmbedderFailureIsRetrievalDegraded(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	store := newTestStore(t, &fakeEmbedder{failOn: "poison"}, qd)

	_, err := store.Search(context.Background(), 42, "poison query", SearchOptions{})
	require.True(t, faults.IsCode(err, faults.CodeRetrievalDegraded), "got %v", err)
}

func TestStore_DeleteForDocumentClearsRowsAndVectors(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	store := newTestStore(t, &fakeEmbedder{}, qd)

	docID := uint64(5)
	otherDoc := uint64(6)
	require.NoError(t, store.db.Create(&[]Chunk{
		{WidgetID: 2, DocumentID: &docID, Seq: 0, Content: "keep me not", VectorID: "va", SourceType: SourceTypeFile},
		{WidgetID: 2, DocumentID: &otherDoc, Seq: 0, Content: "survivor", VectorID: "vb", SourceType: SourceTypeFile},
	}).Error)

	require.NoError(t, store.DeleteForDocument(context.Background(), 2, docID))

	var remaining []Chunk
	require.NoError(t, store.db.Where("widget_id = ?", 2).Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "vb", remaining[0].VectorID)

	qd.mu.Lock()
	defer qd.mu.Unlock()
	require.Equal(t, 1, qd.filterDeletes["widget_2_chunks"])
}

func TestStore_DeleteForWidgetDropsCollection(t *testing.T) {
	t.Parallel()

	qd := newFakeQdrant(t)
	store := newTestStore(t, &fakeEmbedder{}, qd)

	require.NoError(t, store.db.Create(&Chunk{WidgetID: 8, Seq: 0, Content: "x", VectorID: "vx", SourceType: SourceTypeText}).Error)
	require.NoError(t, store.DeleteForWidget(context.Background(), 8))

	count, err := store.Count(context.Background(), 8)
	require.NoError(t, err)
	require.Zero(t, count)

	qd.mu.Lock()
	defer qd.mu.Unlock()
	require.Contains(t, qd.dropped, "widget_8_chunks")
}

func TestStore_NilStoreIsDisabledButSafe(t *testing.T) {
	t.Parallel()

	var store *Store
	require.False(t, store.Enabled())
	require.NoError(t, store.DeleteForWidget(context.Background(), 1))

	count, err := store.Count(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, count)
}
