// Package chat runs visitor conversations: one orchestrator deciding the
// path of each turn, thin REST, SSE, and websocket transports on top, and
// an append-only message log for embedded sessions.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cognita_back/rag"
)

// Message is one persisted chat turn. Rows are append-only; nothing in
// the codebase updates them once written.
type Message struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	WidgetID  uint64         `gorm:"not null;index:idx_chat_widget_session" json:"widget_id"`
	SessionID string         `gorm:"size:36;not null;index:idx_chat_widget_session" json:"session_id"`
	UserID    *uint64        `json:"user_id,omitempty"`
	Role      string         `gorm:"size:12;not null" json:"role"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	Meta      datatypes.JSON `gorm:"type:json" json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (Message) TableName() string {
	return "chat_messages"
}

// Meta annotates a persisted message. User messages carry the caller
// fingerprint, assistant messages the generation details.
type Meta struct {
	Model     string       `json:"model,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
	Sources   []rag.Source `json:"sources,omitempty"`
	UserAgent string       `json:"user_agent,omitempty"`
	ClientIP  string       `json:"client_ip,omitempty"`
}

func encodeMeta(meta Meta) datatypes.JSON {
	encoded, err := json.Marshal(meta)
	if err != nil {
		log.Printf("chat: encode message meta: %v", err)
		return nil
	}
	return datatypes.JSON(encoded)
}

// EnsureStorage migrates the chat message table.
func EnsureStorage(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("chat: database handle is required")
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		return fmt.Errorf("chat: migrate tables: %w", err)
	}
	return nil
}

// DeleteForWidget removes every persisted message of a widget. The
// widgets module calls this through its delete hook when a widget is
// destroyed.
func DeleteForWidget(ctx context.Context, db *gorm.DB, widgetID uint64) error {
	err := db.WithContext(ctx).Where("widget_id = ?", widgetID).Delete(&Message{}).Error
	if err != nil {
		return fmt.Errorf("chat: delete messages for widget %d: %w", widgetID, err)
	}
	return nil
}
