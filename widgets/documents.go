package widgets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cognita_back/faults"
	"cognita_back/knowledge"
	"cognita_back/ocr"
)

const defaultUploadMaxBytes = 25 << 20

func uploadMaxFromEnv() int64 {
	if raw := strings.TrimSpace(os.Getenv("UPLOAD_MAX_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultUploadMaxBytes
}

func readUpload(fileHeader *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fileHeader.Open()
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidInput, "could not read upload", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidInput, "could not read upload", err)
	}
	if int64(len(data)) > limit {
		return nil, faults.Errorf(faults.CodeInvalidInput, "upload exceeds the %d byte limit", limit)
	}
	return data, nil
}

// declaredMediaType trusts the multipart header first and falls back to
// the extension when the client sent nothing usable. Content is never
// sniffed.
func declaredMediaType(fileHeader *multipart.FileHeader, name string) string {
	declared := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if parsed, _, err := mime.ParseMediaType(declared); err == nil {
		declared = parsed
	}
	if declared == "" || declared == "application/octet-stream" {
		return mediaTypeForName(name)
	}
	return declared
}

// handleUploadDocument ingests one uploaded file, or every supported
// member of a zip or rar archive. The original bytes go to the blob
// store before any processing so failed ingests can retry.
func (m *Module) handleUploadDocument(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}
	if m.ingestor == nil || !m.ingestor.Enabled() || m.processor == nil {
		faults.Respond(c, faults.New(faults.CodeUnavailable, "document ingestion is not configured"))
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		faults.Respond(c, faults.Wrap(faults.CodeInvalidInput, "a file form field is required", err))
		return
	}
	if fileHeader.Size > m.uploadMax {
		faults.Respond(c, faults.Errorf(faults.CodeInvalidInput, "upload exceeds the %d byte limit", m.uploadMax))
		return
	}
	data, err := readUpload(fileHeader, m.uploadMax)
	if err != nil {
		faults.Respond(c, err)
		return
	}

	name := path.Base(strings.ReplaceAll(strings.TrimSpace(fileHeader.Filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}

	if isArchiveName(name) {
		m.ingestArchive(c, w, name, data)
		return
	}

	mediaType := declaredMediaType(fileHeader, name)
	if !ocr.Supported(mediaType, name) {
		faults.Respond(c, faults.Errorf(faults.CodeInvalidInput, "unsupported document type %q", mediaType))
		return
	}

	ctx := c.Request.Context()
	doc, err := m.createDocument(ctx, w.ID, name, mediaType, int64(len(data)))
	if err != nil {
		log.Printf("widgets: create document for widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not record document", err))
		return
	}
	m.saveOriginal(ctx, w.ID, doc, name, mediaType, data)

	if err := m.processAndIngest(ctx, w.ID, doc, data); err != nil {
		m.respondIngestOutcome(c, doc, err)
		return
	}
	m.queueSuggestionRefresh(w.ID)
	c.JSON(http.StatusCreated, gin.H{"document": doc})
}

// ingestArchive expands the archive and runs every supported member
// through the same pipeline as a single upload. One bad member does not
// sink the rest; the response carries per-document status.
func (m *Module) ingestArchive(c *gin.Context, w *Widget, name string, data []byte) {
	ctx := c.Request.Context()

	members, err := expandArchive(name, data, m.uploadMax)
	if err != nil {
		faults.Respond(c, err)
		return
	}
	if len(members) == 0 {
		faults.Respond(c, faults.New(faults.CodeInvalidInput, "archive contains no supported documents"))
		return
	}

	docs := make([]knowledge.SourceDocument, 0, len(members))
	failures := 0
	for _, member := range members {
		mediaType := mediaTypeForName(member.Name)
		doc, err := m.createDocument(ctx, w.ID, member.Name, mediaType, int64(len(member.Data)))
		if err != nil {
			log.Printf("widgets: create document %q for widget %d: %v", member.Name, w.ID, err)
			failures++
			continue
		}
		m.saveOriginal(ctx, w.ID, doc, member.Name, mediaType, member.Data)

		if err := m.processAndIngest(ctx, w.ID, doc, member.Data); err != nil {
			if faults.CodeOf(err) == faults.CodeCancelled {
				faults.Respond(c, err)
				return
			}
			log.Printf("widgets: ingest archive member %q: %v", member.Name, err)
			failures++
		}
		docs = append(docs, *doc)
	}

	if failures > 0 {
		c.JSON(http.StatusMultiStatus, gin.H{
			"documents": docs,
			"error":     fmt.Sprintf("%d of %d archive members failed", failures, len(members)),
			"code":      faults.CodeIngestionPartial,
		})
		return
	}
	m.queueSuggestionRefresh(w.ID)
	c.JSON(http.StatusCreated, gin.H{"documents": docs})
}

func (m *Module) handleListDocuments(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}

	var docs []knowledge.SourceDocument
	err := m.db.WithContext(c.Request.Context()).
		Where("widget_id = ?", w.ID).
		Order("id DESC").
		Find(&docs).Error
	if err != nil {
		log.Printf("widgets: list documents for widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not list documents", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// handleDeleteDocument clears the document's chunks and vectors before
// the row so a vector-store failure leaves a retryable state instead of
// orphaned vectors.
func (m *Module) handleDeleteDocument(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}
	doc, ok := m.loadDocument(c, w.ID)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := m.store.DeleteForDocument(ctx, w.ID, doc.ID); err != nil {
		log.Printf("widgets: clear embeddings for document %d: %v", doc.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not clear document embeddings", err))
		return
	}
	if m.objects.Enabled() {
		if err := m.objects.RemoveDocument(ctx, w.ID, doc.ID); err != nil {
			log.Printf("widgets: remove blobs for document %d: %v", doc.ID, err)
		}
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("widget_id = ? AND document_id = ?", w.ID, doc.ID).Delete(&knowledge.Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&knowledge.SourceDocument{}, doc.ID).Error
	})
	if err != nil {
		log.Printf("widgets: delete document %d: %v", doc.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not delete document", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRetryDocument re-ingests from stored page artifacts, so a
// transient embedding failure never re-runs recognition.
func (m *Module) handleRetryDocument(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}
	doc, ok := m.loadDocument(c, w.ID)
	if !ok {
		return
	}
	if m.ingestor == nil || !m.ingestor.Enabled() || m.processor == nil {
		faults.Respond(c, faults.New(faults.CodeUnavailable, "document ingestion is not configured"))
		return
	}
	ctx := c.Request.Context()

	result, err := m.rebuildPages(ctx, w.ID, doc)
	if err != nil {
		// Nothing was wiped yet; the document keeps its status.
		faults.Respond(c, err)
		return
	}
	if err := m.ingestor.IngestPages(ctx, doc, result.Pages); err != nil {
		m.respondIngestOutcome(c, doc, err)
		return
	}
	m.queueSuggestionRefresh(w.ID)
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

func (m *Module) loadDocument(c *gin.Context, widgetID uint64) (*knowledge.SourceDocument, bool) {
	docID, ok := parseIDParam(c, "docID", "document")
	if !ok {
		return nil, false
	}

	var doc knowledge.SourceDocument
	err := m.db.WithContext(c.Request.Context()).
		Where("id = ? AND widget_id = ?", docID, widgetID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		faults.Respond(c, faults.Errorf(faults.CodeNotFound, "document %d not found", docID))
		return nil, false
	}
	if err != nil {
		log.Printf("widgets: load document %d: %v", docID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not load document", err))
		return nil, false
	}
	return &doc, true
}

func (m *Module) createDocument(ctx context.Context, widgetID uint64, name, mediaType string, size int64) (*knowledge.SourceDocument, error) {
	doc := &knowledge.SourceDocument{
		WidgetID:  widgetID,
		FileName:  name,
		MediaType: mediaType,
		SizeBytes: size,
		Origin:    knowledge.OriginUploaded,
		Status:    knowledge.DocStatusPending,
	}
	if err := m.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

// saveOriginal stores the raw upload and records its key. Blob-store
// trouble only logs; the document can still ingest, it just loses the
// reprocess-from-original fallback.
func (m *Module) saveOriginal(ctx context.Context, widgetID uint64, doc *knowledge.SourceDocument, name, mediaType string, data []byte) {
	if !m.objects.Enabled() {
		return
	}
	key, err := m.objects.SaveOriginal(ctx, widgetID, doc.ID, name, mediaType, data)
	if err != nil {
		log.Printf("widgets: store original for document %d: %v", doc.ID, err)
		return
	}
	doc.StorageKey = key
	err = m.db.WithContext(ctx).Model(&knowledge.SourceDocument{}).
		Where("id = ?", doc.ID).
		Update("storage_key", key).Error
	if err != nil {
		log.Printf("widgets: record storage key for document %d: %v", doc.ID, err)
	}
}

func (m *Module) processAndIngest(ctx context.Context, widgetID uint64, doc *knowledge.SourceDocument, raw []byte) error {
	result, err := m.processor.ProcessDocument(ctx, widgetID, doc, raw)
	if err != nil {
		m.markDocumentFailed(ctx, doc, err)
		return err
	}
	err = m.db.WithContext(ctx).Model(&knowledge.SourceDocument{}).
		Where("id = ?", doc.ID).
		Update("fingerprint", knowledge.Fingerprint(result.FullText)).Error
	if err != nil {
		log.Printf("widgets: record fingerprint for document %d: %v", doc.ID, err)
	}
	return m.ingestor.IngestPages(ctx, doc, result.Pages)
}

// rebuildPages recovers a document's page texts, preferring the stored
// artifacts and reprocessing the original blob when they are gone.
func (m *Module) rebuildPages(ctx context.Context, widgetID uint64, doc *knowledge.SourceDocument) (ocr.ProcessResult, error) {
	result, err := m.processor.RetryFromArtifacts(ctx, widgetID, doc)
	if err != nil && doc.StorageKey != "" && m.objects.Enabled() {
		raw, readErr := m.objects.ReadObject(ctx, doc.StorageKey)
		if readErr != nil {
			log.Printf("widgets: read original for document %d: %v", doc.ID, readErr)
		} else {
			result, err = m.processor.ProcessDocument(ctx, widgetID, doc, raw)
		}
	}
	return result, err
}

// reingestDocument re-embeds a document during a full refresh. The
// caller has already wiped the widget's vectors, so a document whose
// pages cannot be recovered is marked failed rather than left claiming
// to be ready.
func (m *Module) reingestDocument(ctx context.Context, widgetID uint64, doc *knowledge.SourceDocument) error {
	result, err := m.rebuildPages(ctx, widgetID, doc)
	if err != nil {
		m.markDocumentFailed(ctx, doc, err)
		return err
	}
	return m.ingestor.IngestPages(ctx, doc, result.Pages)
}

func (m *Module) markDocumentFailed(ctx context.Context, doc *knowledge.SourceDocument, cause error) {
	doc.Status = knowledge.DocStatusFailed
	doc.ErrMsg = faults.UserMessage(cause)
	err := m.db.WithContext(ctx).Model(&knowledge.SourceDocument{}).
		Where("id = ?", doc.ID).
		Updates(map[string]interface{}{"status": doc.Status, "err_msg": doc.ErrMsg}).Error
	if err != nil {
		log.Printf("widgets: mark document %d failed: %v", doc.ID, err)
	}
}

// respondIngestOutcome turns an ingest error into the right HTTP shape.
// Partial ingests still return the document; anything else responds
// with the fault alone, the failed row stays behind for retry.
func (m *Module) respondIngestOutcome(c *gin.Context, doc *knowledge.SourceDocument, err error) {
	if faults.CodeOf(err) == faults.CodeIngestionPartial {
		c.JSON(http.StatusMultiStatus, gin.H{
			"document": doc,
			"error":    faults.UserMessage(err),
			"code":     faults.CodeIngestionPartial,
		})
		return
	}
	faults.Respond(c, err)
}
