package widgets

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"cognita_back/faults"
	"cognita_back/knowledge"
)

// handleRefresh rebuilds every embedding the widget owns: all vectors
// and chunk rows are wiped, then each document re-ingests from its
// stored page artifacts and the pasted text re-embeds with its original
// segmentation. Used after an embedding model change.
func (m *Module) handleRefresh(c *gin.Context) {
	w, ok := m.loadManagedWidget(c)
	if !ok {
		return
	}
	if m.ingestor == nil || !m.ingestor.Enabled() || m.processor == nil {
		faults.Respond(c, faults.New(faults.CodeUnavailable, "document ingestion is not configured"))
		return
	}
	ctx := c.Request.Context()

	// Snapshot pasted segments before the wipe; they have no document
	// to re-ingest from.
	var pasted []knowledge.Chunk
	err := m.db.WithContext(ctx).
		Where("widget_id = ? AND source_type = ?", w.ID, knowledge.SourceTypeText).
		Order("seq ASC").
		Find(&pasted).Error
	if err != nil {
		log.Printf("widgets: snapshot pasted chunks for widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not read existing content", err))
		return
	}

	var docs []knowledge.SourceDocument
	err = m.db.WithContext(ctx).
		Where("widget_id = ?", w.ID).
		Order("id ASC").
		Find(&docs).Error
	if err != nil {
		log.Printf("widgets: list documents for widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not list documents", err))
		return
	}

	if err := m.store.DeleteForWidget(ctx, w.ID); err != nil {
		log.Printf("widgets: clear embeddings for widget %d: %v", w.ID, err)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not clear widget embeddings", err))
		return
	}

	failures := 0
	for i := range docs {
		doc := &docs[i]
		if err := m.reingestDocument(ctx, w.ID, doc); err != nil {
			if faults.CodeOf(err) == faults.CodeCancelled {
				faults.Respond(c, err)
				return
			}
			log.Printf("widgets: refresh document %d: %v", doc.ID, err)
			failures++
		}
	}

	if len(pasted) > 0 {
		inputs := make([]knowledge.ChunkInput, 0, len(pasted))
		for i, chunk := range pasted {
			inputs = append(inputs, knowledge.ChunkInput{
				Seq:        i,
				Content:    chunk.Content,
				SourceType: knowledge.SourceTypeText,
				TokenCount: chunk.TokenCount,
			})
		}
		if _, err := m.store.UpsertChunks(ctx, w.ID, inputs); err != nil {
			if faults.CodeOf(err) == faults.CodeCancelled {
				faults.Respond(c, err)
				return
			}
			log.Printf("widgets: re-embed pasted content for widget %d: %v", w.ID, err)
			failures++
		}
	}

	total := len(docs)
	if len(pasted) > 0 {
		total++
	}
	if failures > 0 {
		c.JSON(http.StatusMultiStatus, gin.H{
			"documents": docs,
			"error":     fmt.Sprintf("%d of %d sources failed to refresh", failures, total),
			"code":      faults.CodeIngestionPartial,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "refreshed": total})
}
