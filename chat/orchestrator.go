package chat

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cognita_back/faults"
	"cognita_back/llm"
	"cognita_back/rag"
	"cognita_back/widgets"
)

const (
	maxMessageRunes         = 10000
	defaultHistoryWindow    = 10
	defaultPageContextLimit = 6000
)

const plainInstructions = `You are a helpful assistant answering questions about the webpage ` +
	`the visitor currently has open. Use only the page content below and the ` +
	`conversation so far. If the page does not contain the answer, say so plainly.`

// TurnRequest is one inbound message with everything the orchestrator
// needs to route it. Transport-resolved fields are filled by the
// handlers, never bound from the body.
type TurnRequest struct {
	WidgetID  *uint64       `json:"-"`
	SessionID string        `json:"session_id"`
	Message   string        `json:"message"`
	History   []HistoryTurn `json:"history"`
	Webpage   *rag.Webpage  `json:"webpage"`
	Embedded  bool          `json:"embedded"`

	EmbedToken string `json:"-"`
	UserAgent  string `json:"-"`
	ClientIP   string `json:"-"`
	UserID     uint64 `json:"-"`
}

// HistoryTurn is one prior exchange line replayed by the client.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnResult is the reply for one turn.
type TurnResult struct {
	SessionID string       `json:"session_id"`
	Answer    string       `json:"answer"`
	Sources   []rag.Source `json:"sources,omitempty"`
	Model     string       `json:"model,omitempty"`
	Grounded  bool         `json:"grounded"`
	Persisted bool         `json:"-"`
}

// Orchestrator decides the path of each turn: grounded through the RAG
// agent when the widget and capability allow it, the plain page-context
// path otherwise. It holds no per-conversation state.
type Orchestrator struct {
	db        *gorm.DB
	agent     *rag.Agent
	model     *llm.ChatClient
	verifier  *widgets.TokenVerifier
	window    int
	pageLimit int
}

// NewOrchestrator wires the turn decision layer. agent and model may be
// nil; the orchestrator degrades per turn accordingly.
func NewOrchestrator(db *gorm.DB, agent *rag.Agent, model *llm.ChatClient, verifier *widgets.TokenVerifier) *Orchestrator {
	return &Orchestrator{
		db:        db,
		agent:     agent,
		model:     model,
		verifier:  verifier,
		window:    historyWindowFromEnv(),
		pageLimit: pageContextLimitFromEnv(),
	}
}

func historyWindowFromEnv() int {
	if raw := strings.TrimSpace(os.Getenv("CHAT_HISTORY_WINDOW")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultHistoryWindow
}

func pageContextLimitFromEnv() int {
	if raw := strings.TrimSpace(os.Getenv("CHAT_PAGE_CONTEXT_LIMIT")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultPageContextLimit
}

// NormalizeSessionID keeps a well-formed UUIDv4 in canonical form and
// mints a fresh id for anything else.
func NormalizeSessionID(raw string) string {
	raw = strings.TrimSpace(raw)
	if parsed, err := uuid.Parse(raw); err == nil && parsed.Version() == 4 {
		return parsed.String()
	}
	return uuid.NewString()
}

type turnState struct {
	req       TurnRequest
	message   string
	sessionID string
	startedAt time.Time
	stream    func(rag.Delta) error
}

// Turn answers one message, blocking.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return o.run(ctx, req, nil)
}

// TurnStream answers one message while forwarding fragments to fn. The
// result still carries the full answer.
func (o *Orchestrator) TurnStream(ctx context.Context, req TurnRequest, fn func(rag.Delta) error) (*TurnResult, error) {
	return o.run(ctx, req, fn)
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, fn func(rag.Delta) error) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, faults.New(faults.CodeInvalidInput, "message cannot be empty")
	}
	if utf8.RuneCountInString(message) > maxMessageRunes {
		return nil, faults.Errorf(faults.CodeInvalidInput, "message exceeds %d characters", maxMessageRunes)
	}

	turn := turnState{
		req:       req,
		message:   message,
		sessionID: NormalizeSessionID(req.SessionID),
		startedAt: time.Now(),
		stream:    fn,
	}

	if req.WidgetID == nil {
		return o.plainTurn(ctx, turn, nil, false, nil)
	}
	return o.widgetTurn(ctx, turn)
}

func (o *Orchestrator) widgetTurn(ctx context.Context, turn turnState) (*TurnResult, error) {
	w, err := o.loadWidget(ctx, *turn.req.WidgetID)
	if err != nil {
		return nil, err
	}

	isOwner := turn.req.UserID != 0 && w.OwnerID != nil && *w.OwnerID == turn.req.UserID
	if !isOwner && !w.Public {
		return nil, faults.New(faults.CodeUnauthorized, "this widget is private")
	}

	embedded := turn.req.Embedded && o.verifier.Verify(ctx, w, turn.req.EmbedToken)

	if o.agent == nil {
		return o.plainTurn(ctx, turn, w, embedded, nil)
	}

	answer, err := o.generate(ctx, turn, w)
	if err != nil {
		if faults.CodeOf(err) == faults.CodeCancelled {
			return nil, err
		}
		log.Printf("chat: widget %d grounded turn failed, trying the page fallback: %v", w.ID, err)
		return o.plainTurn(ctx, turn, w, embedded, err)
	}

	result := &TurnResult{
		SessionID: turn.sessionID,
		Answer:    answer.Text,
		Sources:   answer.Sources,
		Model:     answer.Model,
		Grounded:  answer.Grounded,
	}
	o.persistTurn(ctx, w, turn, result, embedded)
	return result, nil
}

func (o *Orchestrator) generate(ctx context.Context, turn turnState, w *widgets.Widget) (rag.Result, error) {
	req := rag.Request{
		Query:        turn.message,
		WidgetID:     &w.ID,
		Instructions: w.Instructions,
		History:      historyMessages(turn.req.History, 0),
		Webpage:      turn.req.Webpage,
	}
	if turn.stream == nil {
		return o.agent.Answer(ctx, req)
	}
	return o.agent.AnswerStream(ctx, req, turn.stream)
}

// plainTurn is the page-context path: the primary route for widget-less
// chat, the degraded fallback when a grounded turn failed. As a fallback
// it runs blocking so no second partial stream follows the first.
func (o *Orchestrator) plainTurn(ctx context.Context, turn turnState, w *widgets.Widget, embedded bool, ragErr error) (*TurnResult, error) {
	if o.model == nil {
		if ragErr != nil {
			return nil, ragErr
		}
		return nil, faults.New(faults.CodeUnavailable, "chat is not configured")
	}
	if !hasWebpage(turn.req.Webpage) {
		if ragErr != nil {
			return nil, ragErr
		}
		return nil, faults.New(faults.CodeInvalidInput, "webpage context is required")
	}

	messages := make([]llm.ChatMessage, 0, o.window+2)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: o.plainSystemPrompt(turn.req.Webpage)})
	messages = append(messages, historyMessages(turn.req.History, o.window)...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: turn.message})

	var reply llm.ChatResult
	var err error
	if turn.stream != nil && ragErr == nil {
		reply, err = o.model.ChatStream(ctx, messages, func(delta llm.ChatStreamDelta) error {
			if delta.Content == "" && !delta.Done {
				return nil
			}
			return turn.stream(rag.Delta{Content: delta.Content, Done: delta.Done})
		})
	} else {
		reply, err = o.model.Chat(ctx, messages)
	}
	if err != nil {
		if faults.CodeOf(err) == faults.CodeCancelled {
			return nil, faults.Wrap(faults.CodeCancelled, "answer generation was cancelled", err)
		}
		return nil, faults.Wrap(faults.CodeGenerationFailed, "could not generate an answer", err)
	}

	result := &TurnResult{
		SessionID: turn.sessionID,
		Answer:    reply.Content,
		Model:     o.model.ModelID(),
	}
	if w != nil {
		o.persistTurn(ctx, w, turn, result, embedded)
	}
	return result, nil
}

// persistTurn writes both turns of an embedded exchange. Preview and
// editor traffic never reaches the log.
func (o *Orchestrator) persistTurn(ctx context.Context, w *widgets.Widget, turn turnState, result *TurnResult, embedded bool) {
	if !embedded {
		return
	}

	userMeta := Meta{UserAgent: turn.req.UserAgent}
	if w.StoreClientIP {
		userMeta.ClientIP = turn.req.ClientIP
	}
	assistantMeta := Meta{
		Model:     result.Model,
		LatencyMS: time.Since(turn.startedAt).Milliseconds(),
		Sources:   result.Sources,
	}

	var userID *uint64
	if turn.req.UserID != 0 {
		id := turn.req.UserID
		userID = &id
	}

	rows := []Message{
		{WidgetID: w.ID, SessionID: turn.sessionID, UserID: userID, Role: "user", Content: turn.message, Meta: encodeMeta(userMeta)},
		{WidgetID: w.ID, SessionID: turn.sessionID, UserID: userID, Role: "assistant", Content: result.Answer, Meta: encodeMeta(assistantMeta)},
	}
	if err := o.db.WithContext(ctx).Create(&rows).Error; err != nil {
		log.Printf("chat: persist turn for widget %d: %v", w.ID, err)
		return
	}
	result.Persisted = true
}

func (o *Orchestrator) loadWidget(ctx context.Context, widgetID uint64) (*widgets.Widget, error) {
	var w widgets.Widget
	err := o.db.WithContext(ctx).First(&w, widgetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Errorf(faults.CodeNotFound, "widget %d not found", widgetID)
	}
	if err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "could not load widget", err)
	}
	return &w, nil
}

func (o *Orchestrator) plainSystemPrompt(page *rag.Webpage) string {
	var b strings.Builder
	b.WriteString(plainInstructions)
	b.WriteString("\n\nThe visitor is currently on this page:")
	if url := strings.TrimSpace(page.URL); url != "" {
		b.WriteString("\nURL: " + url)
	}
	if title := strings.TrimSpace(page.Title); title != "" {
		b.WriteString("\nTitle: " + title)
	}
	if content := clipRunes(strings.TrimSpace(page.Content), o.pageLimit); content != "" {
		b.WriteString("\nContent:\n" + content)
	}
	return b.String()
}

func hasWebpage(page *rag.Webpage) bool {
	if page == nil {
		return false
	}
	return strings.TrimSpace(page.URL) != "" || strings.TrimSpace(page.Title) != "" || strings.TrimSpace(page.Content) != ""
}

// historyMessages converts replayed turns, keeping the last window when
// window is positive and everything otherwise. Blank lines are dropped.
func historyMessages(history []HistoryTurn, window int) []llm.ChatMessage {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	messages := make([]llm.ChatMessage, 0, len(history))
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := strings.TrimSpace(turn.Role)
		if role != "user" && role != "assistant" && role != "system" {
			role = "user"
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: content})
	}
	return messages
}

func clipRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
