package knowledge

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Source document lifecycle. A partial document kept its artifacts but
// some chunks failed to embed; retry re-ingests without re-processing.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusPartial    = "partial"
	DocStatusFailed     = "failed"
)

// Document origin distinguishes operator uploads from crawl output so
// crawl-produced documents can be bulk-invalidated when the seed changes.
const (
	OriginUploaded = "uploaded"
	OriginCrawl    = "crawl"
)

// Chunk source types.
const (
	SourceTypeText  = "text_content"
	SourceTypeFile  = "file"
	SourceTypeCrawl = "crawl"
)

type SourceDocument struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	WidgetID       uint64    `gorm:"not null;index:idx_widget_document" json:"widget_id"`
	FileName       string    `gorm:"size:255;not null" json:"file_name"`
	MediaType      string    `gorm:"size:128;not null" json:"media_type"`
	SizeBytes      int64     `gorm:"not null;default:0" json:"size_bytes"`
	Origin         string    `gorm:"size:16;not null;default:'uploaded';index" json:"origin"`
	SourceURL      string    `gorm:"size:2048" json:"source_url,omitempty"`
	Fingerprint    string    `gorm:"size:32;index" json:"-"`
	Status         string    `gorm:"size:16;not null;default:'pending'" json:"status"`
	PageCount      int       `gorm:"not null;default:0" json:"page_count"`
	ExpectedChunks int       `gorm:"not null;default:0" json:"expected_chunks"`
	EmbeddedChunks int       `gorm:"not null;default:0" json:"embedded_chunks"`
	ErrMsg         string    `gorm:"size:500" json:"err_msg,omitempty"`
	StorageKey     string    `gorm:"size:512" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (SourceDocument) TableName() string {
	return "source_documents"
}

// Chunk is the relational half of an embedding record; the vector lives
// in the widget's qdrant collection under VectorID. DocumentID is null
// for chunks originating from free-text paste.
type Chunk struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	WidgetID   uint64         `gorm:"not null;index" json:"widget_id"`
	DocumentID *uint64        `gorm:"index:idx_document_seq" json:"document_id,omitempty"`
	Seq        int            `gorm:"not null;index:idx_document_seq" json:"seq"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	VectorID   string         `gorm:"size:128;not null;uniqueIndex" json:"vector_id"`
	SourceType string         `gorm:"size:16;not null;default:'file';index" json:"source_type"`
	TokenCount int            `gorm:"not null;default:0" json:"token_count"`
	Metadata   datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// Fingerprint returns a stable content hash used to detect unchanged
// documents (re-crawled pages, repeated uploads).
func Fingerprint(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}

// EnsureStorage migrates the package's tables. Safe to call from every
// process that touches documents or chunks.
func EnsureStorage(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("knowledge: database handle is required")
	}
	if err := db.AutoMigrate(&SourceDocument{}, &Chunk{}); err != nil {
		return fmt.Errorf("knowledge: migrate tables: %w", err)
	}
	return nil
}
