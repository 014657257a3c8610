package widgets

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"cognita_back/faults"
	"cognita_back/knowledge"
)

type pasteContentRequest struct {
	Text string `json:"text" binding:"required"`
}

// handlePasteContent replaces the widget's pasted text wholesale: the
// previous text_content chunks are cleared before the new text is
// chunked and embedded. Documents and crawled pages are untouched.
func (m *Module) handlePasteContent(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}
	if m.ingestor == nil || !m.ingestor.Enabled() {
		faults.Respond(c, faults.New(faults.CodeUnavailable, "content ingestion is not configured"))
		return
	}

	var req pasteContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		faults.Respond(c, faults.Wrap(faults.CodeInvalidInput, "a text field is required", err))
		return
	}

	ctx := c.Request.Context()
	if err := m.store.DeleteForSourceType(ctx, w.ID, knowledge.SourceTypeText); err != nil {
		log.Printf("widgets: clear pasted content for widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not clear previous content", err))
		return
	}

	chunks, err := m.ingestor.IngestText(ctx, w.ID, req.Text)
	if err != nil {
		faults.Respond(c, err)
		return
	}

	m.queueSuggestionRefresh(w.ID)
	c.JSON(http.StatusOK, gin.H{"chunks": len(chunks)})
}
