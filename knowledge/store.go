package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cognita_back/faults"
)

const (
	// DefaultSearchLimit and DefaultScoreThreshold apply when a caller
	// leaves SearchOptions zeroed.
	DefaultSearchLimit    = 4
	DefaultScoreThreshold = 0.5

	defaultMaxChunksPerWidget = 5000
)

// ChunkInput is one pending chunk on its way into a widget's knowledge base.
type ChunkInput struct {
	DocumentID *uint64
	Seq        int
	Content    string
	SourceType string
	TokenCount int
	Label      string
	URL        string
	Page       int
	Links      []string
}

// Snippet is a retrieved chunk with its similarity score, ready for
// prompt assembly and citation display.
type Snippet struct {
	VectorID   string  `json:"vector_id"`
	DocumentID uint64  `json:"document_id,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	SourceType string  `json:"source_type"`
	Label      string  `json:"label,omitempty"`
	URL        string  `json:"url,omitempty"`
	Page       int     `json:"page,omitempty"`
}

// SearchOptions tunes retrieval. Zero values mean the defaults; a negative
// ScoreThreshold disables score filtering entirely.
type SearchOptions struct {
	Limit          int
	ScoreThreshold float64
	DocumentID     *uint64
}

// Store keeps each widget's chunks twice: rows in the relational database
// for listing and bookkeeping, vectors in Qdrant for similarity search.
// The vector side is authoritative for retrieval, the row side for counts.
type Store struct {
	db        *gorm.DB
	embedder  Embedder
	vectors   *qdrantClient
	vectorDim int
	maxChunks int
}

// NewStoreFromEnv wires the embedding client and the vector database.
// Returns (nil, nil) when no embedding credentials are configured; a nil
// store disables retrieval features without failing startup.
func NewStoreFromEnv(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("knowledge: database handle is required")
	}

	embedder, err := newHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, nil
	}

	vectors, err := newQdrantClientFromEnv()
	if err != nil {
		return nil, err
	}

	maxChunks := defaultMaxChunksPerWidget
	if raw := strings.TrimSpace(os.Getenv("MAX_CHUNKS_PER_WIDGET")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxChunks = parsed
		}
	}

	return &Store{
		db:        db,
		embedder:  embedder,
		vectors:   vectors,
		vectorDim: embedder.VectorDim(),
		maxChunks: maxChunks,
	}, nil
}

// Enabled reports whether the vector pipeline is configured.
func (s *Store) Enabled() bool {
	return s != nil
}

func collectionName(widgetID uint64) string {
	return fmt.Sprintf("widget_%d_chunks", widgetID)
}

// UpsertChunks embeds the inputs and stores them vector-first: points land
// in Qdrant before rows are committed, and a failed commit rolls the
// points back so the two sides never drift apart silently.
func (s *Store) UpsertChunks(ctx context.Context, widgetID uint64, inputs []ChunkInput) ([]Chunk, error) {
	if s == nil {
		return nil, errors.New("knowledge: store is not configured")
	}

	pending := make([]ChunkInput, 0, len(inputs))
	for _, input := range inputs {
		if strings.TrimSpace(input.Content) == "" {
			continue
		}
		pending = append(pending, input)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Chunk{}).Where("widget_id = ?", widgetID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("knowledge: count existing chunks: %w", err)
	}
	if int(existing)+len(pending) > s.maxChunks {
		return nil, faults.Errorf(faults.CodeInvalidInput, "knowledge base is full: %d of %d chunks used", existing, s.maxChunks)
	}

	contents := make([]string, len(pending))
	for i, input := range pending {
		contents[i] = input.Content
	}
	vectors, err := s.embedder.Embed(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed chunks: %w", err)
	}
	if len(vectors) != len(pending) {
		return nil, fmt.Errorf("knowledge: embedded %d of %d chunks", len(vectors), len(pending))
	}

	collection := collectionName(widgetID)
	if err := s.vectors.EnsureCollection(ctx, collection, s.vectorDim); err != nil {
		return nil, err
	}

	points := make([]QdrantPoint, len(pending))
	rows := make([]Chunk, len(pending))
	vectorIDs := make([]string, len(pending))
	for i, input := range pending {
		vectorID := uuid.NewString()
		vectorIDs[i] = vectorID

		payload := map[string]interface{}{
			"widget_id":   widgetID,
			"seq":         input.Seq,
			"source_type": input.SourceType,
			"content":     input.Content,
		}
		if input.DocumentID != nil {
			payload["document_id"] = *input.DocumentID
		}
		if input.Label != "" {
			payload["label"] = input.Label
		}
		if input.URL != "" {
			payload["url"] = input.URL
		}
		if input.Page > 0 {
			payload["page"] = input.Page
		}
		points[i] = QdrantPoint{ID: vectorID, Vector: vectors[i], Payload: payload}

		tokenCount := input.TokenCount
		if tokenCount <= 0 {
			tokenCount = estimateTokenCount(input.Content)
		}
		rows[i] = Chunk{
			WidgetID:   widgetID,
			DocumentID: input.DocumentID,
			Seq:        input.Seq,
			Content:    input.Content,
			VectorID:   vectorID,
			SourceType: input.SourceType,
			TokenCount: tokenCount,
			Metadata:   chunkMetadata(input),
		}
	}

	if err := s.vectors.UpsertPoints(ctx, collection, points); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		if cleanupErr := s.vectors.DeletePoints(ctx, collection, vectorIDs); cleanupErr != nil {
			log.Printf("knowledge: roll back %d vectors after db failure: %v", len(vectorIDs), cleanupErr)
		}
		return nil, fmt.Errorf("knowledge: persist chunks: %w", err)
	}
	return rows, nil
}

func chunkMetadata(input ChunkInput) datatypes.JSON {
	meta := map[string]interface{}{}
	if input.Label != "" {
		meta["label"] = input.Label
	}
	if input.URL != "" {
		meta["url"] = input.URL
	}
	if input.Page > 0 {
		meta["page"] = input.Page
	}
	if len(input.Links) > 0 {
		meta["links"] = input.Links
	}
	if len(meta) == 0 {
		return nil
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}

// Search embeds the query and returns the best-scoring snippets at or
// above the threshold. A widget with no collection yet yields no
// snippets; backend failures surface as retrieval_degraded so callers
// can fall back instead of failing the turn.
func (s *Store) Search(ctx context.Context, widgetID uint64, query string, opts SearchOptions) ([]Snippet, error) {
	if s == nil {
		return nil, errors.New("knowledge: store is not configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := opts.ScoreThreshold
	if threshold == 0 {
		threshold = DefaultScoreThreshold
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, faults.Wrap(faults.CodeRetrievalDegraded, "knowledge search is temporarily unavailable", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "widget_id", "match": map[string]interface{}{"value": widgetID}},
		},
	}
	if opts.DocumentID != nil {
		filter["must"] = append(filter["must"].([]map[string]interface{}),
			map[string]interface{}{"key": "document_id", "match": map[string]interface{}{"value": *opts.DocumentID}})
	}

	wireThreshold := threshold
	if wireThreshold < 0 {
		wireThreshold = 0
	}
	results, err := s.vectors.Search(ctx, collectionName(widgetID), vectors[0], limit, wireThreshold, filter)
	if errors.Is(err, errQdrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.CodeRetrievalDegraded, "knowledge search is temporarily unavailable", err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, result := range results {
		snippets = append(snippets, snippetFromResult(result))
	}
	return FilterByScore(snippets, threshold), nil
}

// FilterByScore keeps snippets scoring at or above threshold, preserving
// their order. Scores exactly at the threshold qualify. A negative
// threshold keeps everything.
func FilterByScore(snippets []Snippet, threshold float64) []Snippet {
	if threshold < 0 {
		return snippets
	}
	kept := make([]Snippet, 0, len(snippets))
	for _, snippet := range snippets {
		if snippet.Score >= threshold {
			kept = append(kept, snippet)
		}
	}
	return kept
}

func snippetFromResult(result QdrantSearchResult) Snippet {
	snippet := Snippet{
		VectorID: result.ID,
		Score:    result.Score,
	}
	payload := result.Payload
	if payload == nil {
		return snippet
	}
	snippet.Text = payloadString(payload, "content")
	snippet.SourceType = payloadString(payload, "source_type")
	snippet.Label = payloadString(payload, "label")
	snippet.URL = payloadString(payload, "url")
	snippet.Page = int(payloadUint(payload, "page"))
	snippet.DocumentID = payloadUint(payload, "document_id")
	return snippet
}

func payloadString(payload map[string]interface{}, key string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

func payloadUint(payload map[string]interface{}, key string) uint64 {
	switch value := payload[key].(type) {
	case float64:
		if value > 0 {
			return uint64(value)
		}
	case json.Number:
		if parsed, err := value.Int64(); err == nil && parsed > 0 {
			return uint64(parsed)
		}
	case int64:
		if value > 0 {
			return uint64(value)
		}
	case uint64:
		return value
	}
	return 0
}

// DeleteForWidget drops the widget's collection and every chunk row.
func (s *Store) DeleteForWidget(ctx context.Context, widgetID uint64) error {
	if s == nil {
		return nil
	}
	if err := s.vectors.DeleteCollection(ctx, collectionName(widgetID)); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("widget_id = ?", widgetID).Delete(&Chunk{}).Error; err != nil {
		return fmt.Errorf("knowledge: delete chunk rows: %w", err)
	}
	return nil
}

// DeleteForDocument removes one document's chunks from both sides. The
// vector side is matched by payload filter so stray points from earlier
// ingests of the same document are swept too.
func (s *Store) DeleteForDocument(ctx context.Context, widgetID, documentID uint64) error {
	if s == nil {
		return nil
	}
	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "document_id", "match": map[string]interface{}{"value": documentID}},
		},
	}
	if err := s.vectors.DeletePointsByFilter(ctx, collectionName(widgetID), filter); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("widget_id = ? AND document_id = ?", widgetID, documentID).Delete(&Chunk{}).Error; err != nil {
		return fmt.Errorf("knowledge: delete document chunk rows: %w", err)
	}
	return nil
}

// DeleteForSourceType clears every chunk of one source type, the replace
// step behind re-pasting a widget's text content.
func (s *Store) DeleteForSourceType(ctx context.Context, widgetID uint64, sourceType string) error {
	if s == nil {
		return nil
	}
	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "source_type", "match": map[string]interface{}{"value": sourceType}},
		},
	}
	if err := s.vectors.DeletePointsByFilter(ctx, collectionName(widgetID), filter); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("widget_id = ? AND source_type = ?", widgetID, sourceType).Delete(&Chunk{}).Error; err != nil {
		return fmt.Errorf("knowledge: delete %s chunk rows: %w", sourceType, err)
	}
	return nil
}

// Count reports stored chunk rows for a widget.
func (s *Store) Count(ctx context.Context, widgetID uint64) (int64, error) {
	if s == nil {
		return 0, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Chunk{}).Where("widget_id = ?", widgetID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("knowledge: count chunks: %w", err)
	}
	return count, nil
}

// VectorCount reports indexed points on the vector side, letting status
// endpoints show drift between rows and vectors after partial failures.
func (s *Store) VectorCount(ctx context.Context, widgetID uint64) (int64, error) {
	if s == nil {
		return 0, nil
	}
	return s.vectors.CountPoints(ctx, collectionName(widgetID), nil)
}
