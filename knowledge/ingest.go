package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"cognita_back/faults"
)

// PageText is one extracted page of a source document. Page is 1-based;
// zero means the source has no page notion. Links carries outbound links
// discovered on crawled pages into the chunk metadata.
type PageText struct {
	Page  int
	Text  string
	Links []string
}

// Ingestor chunks extracted text and stores it, keeping the owning
// document row's status and counters in step with what actually landed
// in the vector store.
type Ingestor struct {
	db      *gorm.DB
	store   *Store
	chunker *chunker
}

// NewIngestorFromEnv returns nil when the store is nil, which disables
// ingestion alongside retrieval.
func NewIngestorFromEnv(db *gorm.DB, store *Store) *Ingestor {
	if db == nil || store == nil {
		return nil
	}
	return &Ingestor{
		db:      db,
		store:   store,
		chunker: newChunker(intFromEnv("CHUNK_MAX_CHARS", 0), intFromEnv("CHUNK_MIN_CHARS", 0), intFromEnv("CHUNK_OVERLAP", 100)),
	}
}

func intFromEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// Enabled reports whether ingestion is configured.
func (ing *Ingestor) Enabled() bool {
	return ing != nil
}

// IngestText stores pasted text as document-less chunks. It replaces
// nothing; callers wanting replace semantics clear the source type first.
func (ing *Ingestor) IngestText(ctx context.Context, widgetID uint64, text string) ([]Chunk, error) {
	if ing == nil {
		return nil, errors.New("knowledge: ingestor is not configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, faults.New(faults.CodeInvalidInput, "content must not be empty")
	}

	segments := ing.chunker.split(text)
	inputs := make([]ChunkInput, 0, len(segments))
	for i, segment := range segments {
		inputs = append(inputs, ChunkInput{
			Seq:        i,
			Content:    segment.Text,
			SourceType: SourceTypeText,
			TokenCount: segment.TokenCount,
		})
	}
	return ing.store.UpsertChunks(ctx, widgetID, inputs)
}

// IngestPages chunks and embeds a document's extracted pages, replacing
// any chunks from earlier ingests of the same document. Page-level
// embedding failures do not abort the run; the document ends up partial
// and the returned error carries ingestion_partial. Cancellation and the
// per-widget chunk cap abort immediately.
func (ing *Ingestor) IngestPages(ctx context.Context, doc *SourceDocument, pages []PageText) error {
	if ing == nil {
		return errors.New("knowledge: ingestor is not configured")
	}
	if doc == nil || doc.ID == 0 {
		return errors.New("knowledge: document row must be persisted before ingestion")
	}

	if err := ing.updateDocument(ctx, doc, map[string]interface{}{
		"status":  DocStatusProcessing,
		"err_msg": "",
	}); err != nil {
		return err
	}

	sourceType := SourceTypeFile
	if doc.Origin == OriginCrawl {
		sourceType = SourceTypeCrawl
	}

	seq := 0
	perPage := make([][]ChunkInput, 0, len(pages))
	expected := 0
	for _, page := range pages {
		segments := ing.chunker.split(page.Text)
		inputs := make([]ChunkInput, 0, len(segments))
		for _, segment := range segments {
			docID := doc.ID
			inputs = append(inputs, ChunkInput{
				DocumentID: &docID,
				Seq:        seq,
				Content:    segment.Text,
				SourceType: sourceType,
				TokenCount: segment.TokenCount,
				Label:      doc.FileName,
				URL:        doc.SourceURL,
				Page:       page.Page,
				Links:      page.Links,
			})
			seq++
		}
		expected += len(inputs)
		perPage = append(perPage, inputs)
	}

	if expected == 0 {
		failErr := faults.New(faults.CodeInvalidInput, "no text content extracted")
		_ = ing.failDocument(ctx, doc, failErr)
		return failErr
	}

	if err := ing.updateDocument(ctx, doc, map[string]interface{}{
		"page_count":      len(pages),
		"expected_chunks": expected,
		"embedded_chunks": 0,
	}); err != nil {
		return err
	}

	if err := ing.store.DeleteForDocument(ctx, doc.WidgetID, doc.ID); err != nil {
		_ = ing.failDocument(ctx, doc, err)
		return fmt.Errorf("knowledge: clear previous chunks: %w", err)
	}

	embedded := 0
	var firstPageErr error
	for i, inputs := range perPage {
		if len(inputs) == 0 {
			continue
		}
		created, err := ing.store.UpsertChunks(ctx, doc.WidgetID, inputs)
		if err != nil {
			code := faults.CodeOf(err)
			if code == faults.CodeCancelled || code == faults.CodeInvalidInput {
				_ = ing.failDocument(ctx, doc, err)
				return err
			}
			log.Printf("knowledge: embed page %d of document %d: %v", i+1, doc.ID, err)
			if firstPageErr == nil {
				firstPageErr = err
			}
			continue
		}
		embedded += len(created)
	}

	switch {
	case embedded == 0:
		_ = ing.failDocument(ctx, doc, firstPageErr)
		return fmt.Errorf("knowledge: embed document %d: %w", doc.ID, firstPageErr)
	case embedded < expected:
		if err := ing.updateDocument(ctx, doc, map[string]interface{}{
			"status":          DocStatusPartial,
			"embedded_chunks": embedded,
			"err_msg":         faults.UserMessage(firstPageErr),
		}); err != nil {
			return err
		}
		return faults.Errorf(faults.CodeIngestionPartial, "embedded %d of %d chunks", embedded, expected)
	default:
		return ing.updateDocument(ctx, doc, map[string]interface{}{
			"status":          DocStatusReady,
			"embedded_chunks": embedded,
			"err_msg":         "",
		})
	}
}

func (ing *Ingestor) failDocument(ctx context.Context, doc *SourceDocument, cause error) error {
	message := "ingestion failed"
	if cause != nil {
		message = faults.UserMessage(cause)
	}
	return ing.updateDocument(ctx, doc, map[string]interface{}{
		"status":  DocStatusFailed,
		"err_msg": message,
	})
}

func (ing *Ingestor) updateDocument(ctx context.Context, doc *SourceDocument, fields map[string]interface{}) error {
	if err := ing.db.WithContext(ctx).Model(&SourceDocument{}).Where("id = ?", doc.ID).Updates(fields).Error; err != nil {
		return fmt.Errorf("knowledge: update document %d: %w", doc.ID, err)
	}
	if status, ok := fields["status"].(string); ok {
		doc.Status = status
	}
	if msg, ok := fields["err_msg"].(string); ok {
		doc.ErrMsg = msg
	}
	if pageCount, ok := fields["page_count"].(int); ok {
		doc.PageCount = pageCount
	}
	if expected, ok := fields["expected_chunks"].(int); ok {
		doc.ExpectedChunks = expected
	}
	if embedded, ok := fields["embedded_chunks"].(int); ok {
		doc.EmbeddedChunks = embedded
	}
	return nil
}
