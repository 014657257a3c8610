package chat

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cognita_back/authorization"
	"cognita_back/faults"
	"cognita_back/rag"
	"cognita_back/services"
	"cognita_back/widgets"
)

// Module serves the chat endpoints: the widget-less page assistant, the
// grounded widget turn in blocking, SSE, and websocket flavors, and the
// session history read.
type Module struct {
	db           *gorm.DB
	orchestrator *Orchestrator
}

// RegisterRoutes wires the chat module. Identity is optional on every
// route: anonymous visitors on embedded widgets are the common case, so
// the guard only decorates requests that do carry a token.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, backends *services.Container) (*Module, error) {
	if backends == nil || backends.DB == nil {
		return nil, errors.New("chat: database handle is required")
	}
	if err := EnsureStorage(backends.DB); err != nil {
		return nil, err
	}

	var agent *rag.Agent
	if backends.LLM != nil {
		built, err := rag.New(backends.Store, backends.LLM)
		if err != nil {
			return nil, err
		}
		agent = built
	}

	module := &Module{
		db:           backends.DB,
		orchestrator: NewOrchestrator(backends.DB, agent, backends.LLM, widgets.NewTokenVerifier(backends.Redis)),
	}

	group := router.Group("/")
	if guard != nil {
		group.Use(guard.Optional())
	}
	group.POST("/chat", module.handlePageChat)
	group.POST("/widgets/:id/chat", module.handleWidgetChat)
	group.GET("/widgets/:id/chat/ws", module.handleChatSocket)
	group.GET("/widgets/:id/chat/history", module.handleHistory)

	return module, nil
}

// handlePageChat answers from the visitor's current page alone. No
// widget, no retrieval, nothing persisted.
func (m *Module) handlePageChat(c *gin.Context) {
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		faults.Respond(c, faults.Wrap(faults.CodeInvalidInput, "invalid request body", err))
		return
	}
	req.WidgetID = nil
	m.fillCallerContext(c, &req)
	m.serveTurn(c, req)
}

func (m *Module) handleWidgetChat(c *gin.Context) {
	widgetID, ok := parseWidgetID(c)
	if !ok {
		return
	}
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		faults.Respond(c, faults.Wrap(faults.CodeInvalidInput, "invalid request body", err))
		return
	}
	req.WidgetID = &widgetID
	m.fillCallerContext(c, &req)
	m.serveTurn(c, req)
}

func (m *Module) fillCallerContext(c *gin.Context, req *TurnRequest) {
	req.EmbedToken = strings.TrimSpace(c.GetHeader("X-Embed-Token"))
	req.UserAgent = c.Request.UserAgent()
	req.ClientIP = c.ClientIP()
	req.UserID = authorization.UserIDOrZero(c)
}

func (m *Module) serveTurn(c *gin.Context, req TurnRequest) {
	if wantsEventStream(c) {
		m.serveTurnStream(c, req)
		return
	}
	m.serveTurnBlocking(c, req)
}

func (m *Module) serveTurnBlocking(c *gin.Context, req TurnRequest) {
	result, err := m.orchestrator.Turn(c.Request.Context(), req)
	if err != nil {
		faults.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseWidgetID(c *gin.Context) (uint64, bool) {
	widgetID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || widgetID == 0 {
		faults.Respond(c, faults.New(faults.CodeInvalidInput, "invalid widget id"))
		return 0, false
	}
	return widgetID, true
}
