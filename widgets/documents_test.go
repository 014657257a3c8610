package widgets

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"cognita_back/authorization"
	"cognita_back/knowledge"
	"cognita_back/ocr"
)

type vectorFake struct {
	mu              sync.Mutex
	pointsUpserted  int
	filteredDeletes int
	collectionDrops int
}

func (v *vectorFake) counts() (upserted, deletes, drops int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pointsUpserted, v.filteredDeletes, v.collectionDrops
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
		case r.Method == http.MethodDelete:
			state.collectionDrops++
			w.Write([]byte(`{"result": {}, "status": "ok"}`))
		default:
			w.Write([]byte(`{"result": {}, "status": "ok"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

// newIngestModule wires the full upload pipeline against fake embedding
// and vector services. Blob storage stays off, so artifacts are not
// kept.
func newIngestModule(t *testing.T) (*Module, *vectorFake) {
	t.Helper()
	db := newWidgetsTestDB(t)

	vectors := &vectorFake{}
	vectorSrv := newVectorServer(t, vectors)
	embedSrv := newEmbeddingServer(t)

	t.Setenv("EMBEDDING_API_KEY", "test-key")
	t.Setenv("EMBEDDING_BASE_URL", embedSrv.URL)
	t.Setenv("EMBEDDING_DIM", "4")
	t.Setenv("EMBED_RPS", "1000")
	t.Setenv("QDRANT_URL", vectorSrv.URL)

	store, err := knowledge.NewStoreFromEnv(db)
	require.NoError(t, err)
	ingestor := knowledge.NewIngestorFromEnv(db, store)
	require.True(t, ingestor.Enabled())

	return &Module{
		db:        db,
		store:     store,
		ingestor:  ingestor,
		processor: ocr.NewLocalProcessor(nil),
		uploadMax: defaultUploadMaxBytes,
	}, vectors
}

func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func performUpload(t *testing.T, router *gin.Engine, target, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := multipartBody(t, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", formType)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

type zipEntry struct {
	name    string
	content string
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, entry := range entries {
		f, err := zw.Create(entry.name)
		require.NoError(t, err)
		_, err = f.Write([]byte(entry.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func ownerRouter(t *testing.T, m *Module) *gin.Engine {
	t.Helper()
	return newWidgetsRouter(t, m, &authorization.Identity{UserID: 7, Username: "casey"})
}

func TestUploadDocument_IngestsPlainText(t *testing.T) {
	m, vectors := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	text := "Shipping takes three to five business days within the EU. Express delivery is available at checkout."
	recorder := performUpload(t, router, "/widgets/1/documents", "shipping.txt", "text/plain", []byte(text))
	require.Equal(t, http.StatusCreated, recorder.Code)

	docBody, ok := decodeJSON(t, recorder)["document"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, knowledge.DocStatusReady, docBody["status"])
	require.EqualValues(t, 1, docBody["page_count"])
	require.Equal(t, "shipping.txt", docBody["file_name"])

	var chunks []knowledge.Chunk
	require.NoError(t, m.db.Where("widget_id = ?", 1).Find(&chunks).Error)
	require.NotEmpty(t, chunks)
	require.Equal(t, knowledge.SourceTypeFile, chunks[0].SourceType)
	require.NotNil(t, chunks[0].DocumentID)

	var row knowledge.SourceDocument
	require.NoError(t, m.db.First(&row, uint64(docBody["id"].(float64))).Error)
	require.Equal(t, knowledge.Fingerprint(text), row.Fingerprint)
	require.Equal(t, knowledge.OriginUploaded, row.Origin)

	upserted, _, _ := vectors.counts()
	require.Equal(t, len(chunks), upserted)
}

func TestUploadDocument_RejectsOversizeUploads(t *testing.T) {
	m, _ := newIngestModule(t)
	m.uploadMax = 64
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	big := bytes.Repeat([]byte("a"), 65)
	recorder := performUpload(t, router, "/widgets/1/documents", "big.txt", "text/plain", big)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, "invalid_input", decodeJSON(t, recorder)["code"])

	var count int64
	require.NoError(t, m.db.Model(&knowledge.SourceDocument{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUploadDocument_RejectsUnsupportedTypes(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	recorder := performUpload(t, router, "/widgets/1/documents", "tool.exe", "application/x-msdownload", []byte("MZ"))
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var count int64
	require.NoError(t, m.db.Model(&knowledge.SourceDocument{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUploadDocument_RequiresTheFileField(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	recorder := performJSON(t, router, http.MethodPost, "/widgets/1/documents", gin.H{"file": "nope"})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestUploadDocument_UnavailableWithoutIngestStack(t *testing.T) {
	m := newBareModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	recorder := performUpload(t, router, "/widgets/1/documents", "a.txt", "text/plain", []byte("hello"))
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.Equal(t, "unavailable", decodeJSON(t, recorder)["code"])
}

func TestUploadArchive_ExpandsSupportedMembers(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	zipData := buildZip(t, []zipEntry{
		{"guides/setup.md", "# Setup\n\nInstall the agent and sign in."},
		{"faq.txt", "Q: Is there a trial? A: Yes, 14 days."},
		{"bin/tool.exe", "MZ"},
		{"__MACOSX/faq.txt", "resource fork junk"},
		{"guides/", ""},
		{".DS_Store", "finder junk"},
	})
	recorder := performUpload(t, router, "/widgets/1/documents", "kb.zip", "application/zip", zipData)
	require.Equal(t, http.StatusCreated, recorder.Code)

	docsBody, ok := decodeJSON(t, recorder)["documents"].([]any)
	require.True(t, ok)
	require.Len(t, docsBody, 2)

	names := make([]string, 0, len(docsBody))
	for _, entry := range docsBody {
		doc := entry.(map[string]any)
		names = append(names, doc["file_name"].(string))
		require.Equal(t, knowledge.DocStatusReady, doc["status"])
	}
	require.Equal(t, []string{"setup.md", "faq.txt"}, names)

	var chunkCount int64
	require.NoError(t, m.db.Model(&knowledge.Chunk{}).Where("widget_id = ?", 1).Count(&chunkCount).Error)
	require.GreaterOrEqual(t, chunkCount, int64(2))
}

func TestUploadArchive_RejectsTraversalEntries(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	zipData := buildZip(t, []zipEntry{
		{"../evil.txt", "boom"},
		{"fine.txt", "legit"},
	})
	recorder := performUpload(t, router, "/widgets/1/documents", "kb.zip", "application/zip", zipData)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Contains(t, decodeJSON(t, recorder)["error"], "unsafe path")

	var count int64
	require.NoError(t, m.db.Model(&knowledge.SourceDocument{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUploadArchive_NeedsSupportedMembers(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	zipData := buildZip(t, []zipEntry{{"bin/tool.exe", "MZ"}})
	recorder := performUpload(t, router, "/widgets/1/documents", "kb.zip", "application/zip", zipData)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, "archive contains no supported documents", decodeJSON(t, recorder)["error"])
}

func TestListDocuments_NewestFirst(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	require.Equal(t, http.StatusCreated, performUpload(t, router, "/widgets/1/documents", "first.txt", "text/plain", []byte("Older content.")).Code)
	require.Equal(t, http.StatusCreated, performUpload(t, router, "/widgets/1/documents", "second.txt", "text/plain", []byte("Newer content.")).Code)

	recorder := performJSON(t, router, http.MethodGet, "/widgets/1/documents", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	docsBody := decodeJSON(t, recorder)["documents"].([]any)
	require.Len(t, docsBody, 2)
	require.Equal(t, "second.txt", docsBody[0].(map[string]any)["file_name"])
	require.Equal(t, "first.txt", docsBody[1].(map[string]any)["file_name"])
}

func TestDeleteDocument_RemovesChunksAndRow(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	recorder := performUpload(t, router, "/widgets/1/documents", "a.txt", "text/plain", []byte("Delete me soon."))
	require.Equal(t, http.StatusCreated, recorder.Code)
	docID := uint64(decodeJSON(t, recorder)["document"].(map[string]any)["id"].(float64))

	recorder = performJSON(t, router, http.MethodDelete, fmt.Sprintf("/widgets/1/documents/%d", docID), nil)
	require.Equal(t, http.StatusNoContent, recorder.Code)

	var chunkCount int64
	require.NoError(t, m.db.Model(&knowledge.Chunk{}).Where("document_id = ?", docID).Count(&chunkCount).Error)
	require.Zero(t, chunkCount)

	var docCount int64
	require.NoError(t, m.db.Model(&knowledge.SourceDocument{}).Where("id = ?", docID).Count(&docCount).Error)
	require.Zero(t, docCount)

	recorder = performJSON(t, router, http.MethodDelete, fmt.Sprintf("/widgets/1/documents/%d", docID), nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRetryDocument_WithoutArtifactsLeavesTheDocumentAlone(t *testing.T) {
	m, _ := newIngestModule(t)
	seedWidget(t, m.db, nil)
	router := ownerRouter(t, m)

	recorder := performUpload(t, router, "/widgets/1/documents", "a.txt", "text/plain", []byte("Healthy content."))
	require.Equal(t, http.StatusCreated, recorder.Code)
	docID := uint64(decodeJSON(t, recorder)["document"].(map[string]any)["id"].(float64))

	// Blob storage is off in this rig, so no artifacts exist to retry
	// from. The attempt fails without degrading the ready document.
	recorder = performJSON(t, router, http.MethodPost, fmt.Sprintf("/widgets/1/documents/%d/retry", docID), nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, "invalid_input", decodeJSON(t, recorder)["code"])

	var row knowledge.SourceDocument
	require.NoError(t, m.db.First(&row, docID).Error)
	require.Equal(t, knowledge.DocStatusReady, row.Status)
}
