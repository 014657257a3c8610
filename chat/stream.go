package chat

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"cognita_back/faults"
	"cognita_back/rag"
)

// wantsEventStream determines if the client requested a streaming response.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if header := strings.TrimSpace(c.GetHeader("X-Stream")); header != "" {
		if strings.EqualFold(header, "1") || strings.EqualFold(header, "true") || strings.EqualFold(header, "yes") {
			return true
		}
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		if strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes") {
			return true
		}
	}
	return false
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) Send(event string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return streamEvent(w.writer, w.flusher, event, payload)
}

// serveTurnStream runs one turn over SSE: session, assistant_delta
// fragments, the full assistant_message, then done. Writers that cannot
// flush fall back to the blocking JSON reply.
func (m *Module) serveTurnStream(c *gin.Context, req TurnRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		m.serveTurnBlocking(c, req)
		return
	}

	req.SessionID = NormalizeSessionID(req.SessionID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	if err := writer.Send("session", gin.H{"session_id": req.SessionID}); err != nil {
		return
	}

	result, err := m.orchestrator.TurnStream(c.Request.Context(), req, func(delta rag.Delta) error {
		if delta.Done {
			return nil
		}
		return writer.Send("assistant_delta", gin.H{"content": delta.Content})
	})
	if err != nil {
		if sendErr := writer.Send("error", gin.H{"error": faults.UserMessage(err), "code": faults.CodeOf(err)}); sendErr != nil {
			log.Printf("chat: send error event: %v", sendErr)
		}
		return
	}

	if err := writer.Send("assistant_message", result); err != nil {
		return
	}
	_ = writer.Send("done", gin.H{"session_id": result.SessionID})
}
