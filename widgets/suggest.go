package widgets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"cognita_back/knowledge"
)

const (
	maxSuggestedQuestions  = 5
	suggestionSampleChunks = 6
	suggestionSampleRunes  = 4000
	suggestionTimeout      = time.Minute
)

// fallbackSuggestions serve until the model has produced a set for the
// widget, and whenever generation keeps failing.
var fallbackSuggestions = []string{
	"What is this site about?",
	"How do I get started?",
	"How can I contact support?",
}

const suggestionInstructions = "You write suggested questions for a website's chat assistant. " +
	"Based only on the content below, reply with a JSON array of 3 to 5 short questions a visitor would plausibly ask. " +
	"Reply with the JSON array alone, no prose and no code fences."

// handleSuggestions serves the cached question set, or the static
// fallback while a regeneration runs in the background. Visitors load
// this from the embed, so access follows chat visibility rather than
// ownership.
func (m *Module) handleSuggestions(c *gin.Context) {
	w, ok := m.loadVisibleWidget(c)
	if !ok {
		return
	}

	questions := decodeSuggestions(w.SuggestedQuestions)
	if len(questions) == 0 {
		questions = fallbackSuggestions
		m.queueSuggestionRefresh(w.ID)
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

func decodeSuggestions(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var questions []string
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil
	}
	cleaned := questions[:0]
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	return cleaned
}

// queueSuggestionRefresh regenerates the cached questions off the
// request path. At most one refresh runs per widget; failures only log
// and the fallback list keeps serving.
func (m *Module) queueSuggestionRefresh(widgetID uint64) {
	if m.model == nil {
		return
	}
	if _, running := m.suggesting.LoadOrStore(widgetID, struct{}{}); running {
		return
	}
	go func() {
		defer m.suggesting.Delete(widgetID)
		ctx, cancel := context.WithTimeout(context.Background(), suggestionTimeout)
		defer cancel()
		if err := m.refreshSuggestions(ctx, widgetID); err != nil {
			log.Printf("widgets: refresh suggestions for widget %d: %v", widgetID, err)
		}
	}()
}

// refreshSuggestions samples the widget's most recent chunks and asks
// the model for a question set. No chunks means nothing to suggest from
// and the cache is left alone.
func (m *Module) refreshSuggestions(ctx context.Context, widgetID uint64) error {
	var chunks []knowledge.Chunk
	err := m.db.WithContext(ctx).
		Where("widget_id = ?", widgetID).
		Order("id DESC").
		Limit(suggestionSampleChunks).
		Find(&chunks).Error
	if err != nil {
		return fmt.Errorf("widgets: sample chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	var sample strings.Builder
	for _, chunk := range chunks {
		sample.WriteString(chunk.Content)
		sample.WriteString("\n\n")
	}
	content := sample.String()
	if runes := []rune(content); len(runes) > suggestionSampleRunes {
		content = string(runes[:suggestionSampleRunes])
	}

	result, err := m.model.Complete(ctx, suggestionInstructions+"\n\n"+content)
	if err != nil {
		return fmt.Errorf("widgets: generate suggestions: %w", err)
	}
	questions := parseSuggestedQuestions(result.Content)
	if len(questions) == 0 {
		return fmt.Errorf("widgets: model reply held no questions: %.80q", result.Content)
	}

	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("widgets: encode suggestions: %w", err)
	}
	err = m.db.WithContext(ctx).Model(&Widget{}).
		Where("id = ?", widgetID).
		Update("suggested_questions", datatypes.JSON(data)).Error
	if err != nil {
		return fmt.Errorf("widgets: store suggestions: %w", err)
	}
	return nil
}

// parseSuggestedQuestions holds the model to the strict-JSON contract:
// the first top-level array in the reply, nothing recovered from prose.
func parseSuggestedQuestions(raw string) []string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}
	var questions []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &questions); err != nil {
		return nil
	}
	cleaned := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) > maxSuggestedQuestions {
		cleaned = cleaned[:maxSuggestedQuestions]
	}
	return cleaned
}
