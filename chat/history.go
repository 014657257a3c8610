package chat

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cognita_back/authorization"
	"cognita_back/faults"
)

// handleHistory returns a session's persisted messages, oldest first.
// The session id doubles as the read capability: only the embedded
// client that minted it and the widget owner ever held it.
func (m *Module) handleHistory(c *gin.Context) {
	widgetID, ok := parseWidgetID(c)
	if !ok {
		return
	}

	sessionID := strings.TrimSpace(c.Query("session_id"))
	if _, err := uuid.Parse(sessionID); err != nil {
		faults.Respond(c, faults.New(faults.CodeInvalidInput, "a valid session_id is required"))
		return
	}

	widget, err := m.orchestrator.loadWidget(c.Request.Context(), widgetID)
	if err != nil {
		faults.Respond(c, err)
		return
	}

	userID := authorization.UserIDOrZero(c)
	isOwner := userID != 0 && widget.OwnerID != nil && *widget.OwnerID == userID
	if !isOwner && !widget.Public {
		faults.Respond(c, faults.New(faults.CodeUnauthorized, "this widget is private"))
		return
	}

	var messages []Message
	err = m.db.WithContext(c.Request.Context()).
		Where("widget_id = ? AND session_id = ?", widgetID, sessionID).
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not load chat history", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}
