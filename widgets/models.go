// Package widgets manages the knowledge-base entity itself: creation,
// ownership, source content, and the embeddable surface other sites mount.
package widgets

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Widget is one knowledge base with its chat surface. The crawl-run
// fields describe the single active or most recent crawl; history is not
// kept.
type Widget struct {
	ID            uint64  `gorm:"primaryKey" json:"id"`
	OwnerID       *uint64 `gorm:"index" json:"owner_id,omitempty"`
	Name          string  `gorm:"size:120;not null" json:"name"`
	Description   string  `gorm:"size:500" json:"description,omitempty"`
	Public        bool    `gorm:"not null;default:false" json:"public"`
	Instructions  string  `gorm:"type:text" json:"instructions,omitempty"`
	SourceURL     string  `gorm:"size:2048" json:"source_url,omitempty"`
	StoreClientIP bool    `gorm:"not null;default:false" json:"store_client_ip"`

	// Raw embed token is returned exactly once at mint time.
	EmbedTokenHash string `gorm:"size:128" json:"-"`

	CrawlStatus     string     `gorm:"size:16;not null;default:'idle'" json:"crawl_status"`
	CrawlRunID      string     `gorm:"size:128" json:"crawl_run_id,omitempty"`
	CrawlWorkflowID string     `gorm:"size:128" json:"-"`
	CrawlSeedURL    string     `gorm:"size:2048" json:"-"`
	CrawlPages      int        `gorm:"not null;default:0" json:"crawl_pages"`
	LastCrawledAt   *time.Time `json:"last_crawled_at,omitempty"`
	CrawlError      string     `gorm:"size:500" json:"crawl_error,omitempty"`

	SuggestedQuestions datatypes.JSON `gorm:"type:json" json:"suggested_questions,omitempty"`
	LinkRankings       datatypes.JSON `gorm:"type:json" json:"link_rankings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Widget) TableName() string {
	return "widgets"
}

// EnsureStorage migrates the widgets table. Called by every process that
// reads or mutates widgets, including the crawl worker.
func EnsureStorage(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("widgets: database handle is required")
	}
	if err := db.AutoMigrate(&Widget{}); err != nil {
		return fmt.Errorf("widgets: migrate tables: %w", err)
	}
	return nil
}
