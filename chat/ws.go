package chat

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cognita_back/authorization"
	"cognita_back/faults"
	"cognita_back/rag"
)

const (
	socketReadLimit    = 1 << 20
	socketIdleTimeout  = 5 * time.Minute
	socketWriteTimeout = 10 * time.Second
)

// Widgets embed on arbitrary origins, so the Origin header carries no
// signal here. The embed token is what gates persistence.
var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// socketTurn is one inbound websocket frame. Browsers cannot set headers
// on a websocket handshake, so the embed token rides in the frame body.
type socketTurn struct {
	TurnRequest
	EmbedToken string `json:"embed_token"`
}

// handleChatSocket runs widget turns over a websocket. Each inbound JSON
// frame is one turn; the reply is a stream of delta frames, a final
// message frame, and error frames for turns that fail. The socket stays
// open across turns until the client goes away or idles out.
func (m *Module) handleChatSocket(c *gin.Context) {
	widgetID, ok := parseWidgetID(c)
	if !ok {
		return
	}
	userID := authorization.UserIDOrZero(c)

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("chat: websocket upgrade failed for widget %d: %v", widgetID, err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(socketReadLimit)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(socketIdleTimeout))

		var frame socketTurn
		if err := conn.ReadJSON(&frame); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway {
					log.Printf("chat: websocket read failed for widget %d: %v", widgetID, err)
				}
			}
			return
		}

		req := frame.TurnRequest
		req.WidgetID = &widgetID
		req.UserID = userID
		req.UserAgent = c.Request.UserAgent()
		req.ClientIP = c.ClientIP()
		req.EmbedToken = strings.TrimSpace(frame.EmbedToken)
		if req.EmbedToken == "" {
			req.EmbedToken = strings.TrimSpace(c.Query("embed_token"))
		}
		req.SessionID = NormalizeSessionID(req.SessionID)

		if err := m.socketServeTurn(c, conn, req); err != nil {
			return
		}
	}
}

func (m *Module) socketServeTurn(c *gin.Context, conn *websocket.Conn, req TurnRequest) error {
	write := func(payload any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		return conn.WriteJSON(payload)
	}

	if err := write(gin.H{"type": "session", "session_id": req.SessionID}); err != nil {
		return err
	}

	result, err := m.orchestrator.TurnStream(c.Request.Context(), req, func(delta rag.Delta) error {
		if delta.Done {
			return nil
		}
		return write(gin.H{"type": "delta", "content": delta.Content})
	})
	if err != nil {
		// A failed turn keeps the socket open; the client may retry.
		return write(gin.H{"type": "error", "error": faults.UserMessage(err), "code": faults.CodeOf(err)})
	}

	return write(gin.H{"type": "message", "result": result})
}
