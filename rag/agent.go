// Package rag answers visitor questions grounded in a widget's knowledge
// base: retrieve the best-matching chunks, assemble the system prompt
// with the citation rules, and generate the reply, blocking or streamed.
package rag

import (
	"context"
	"errors"
	"log"
	"strings"

	"cognita_back/faults"
	"cognita_back/knowledge"
	"cognita_back/llm"
)

// DefaultMaxChunks bounds retrieval when the request leaves it unset.
const DefaultMaxChunks = 5

// Agent holds the retrieval store and the generation client. The store
// may be nil; retrieval then degrades per request and answers stay
// ungrounded.
type Agent struct {
	store     *knowledge.Store
	model     *llm.ChatClient
	pageLimit int
}

// New builds an agent. The generation client is required, the store is
// not.
func New(store *knowledge.Store, model *llm.ChatClient) (*Agent, error) {
	if model == nil {
		return nil, errors.New("rag: chat client is required")
	}
	return &Agent{
		store:     store,
		model:     model,
		pageLimit: pageContextLimitFromEnv(),
	}, nil
}

// Request is one question to answer. History is carried verbatim into
// the conversation; Threshold zero means the store's default cutoff and
// a negative value disables score filtering.
type Request struct {
	Query        string
	WidgetID     *uint64
	Instructions string
	History      []llm.ChatMessage
	Webpage      *Webpage
	MaxChunks    int
	Threshold    float64
}

// Source is one cited chunk, numbered to match the [n] markers the
// model was told to use.
type Source struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	SourceType string  `json:"source_type,omitempty"`
	Label      string  `json:"label,omitempty"`
	URL        string  `json:"url,omitempty"`
	Page       int     `json:"page,omitempty"`
	DocumentID uint64  `json:"document_id,omitempty"`
}

// Result is the generated answer. Sources is nil when no chunk passed
// the threshold; Grounded reports whether retrieval ran at all, so a
// grounded answer with zero matches is distinguishable from a turn
// where retrieval was skipped or failed.
type Result struct {
	Text     string   `json:"text"`
	Sources  []Source `json:"sources,omitempty"`
	Model    string   `json:"model,omitempty"`
	Grounded bool     `json:"grounded"`
}

// Delta is one streamed answer fragment.
type Delta struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Answer generates a blocking reply.
func (a *Agent) Answer(ctx context.Context, req Request) (Result, error) {
	return a.run(ctx, req, nil)
}

// AnswerStream generates a reply while forwarding fragments to fn. The
// returned Result carries the full text; fn returning an error aborts
// the stream.
func (a *Agent) AnswerStream(ctx context.Context, req Request, fn func(Delta) error) (Result, error) {
	return a.run(ctx, req, fn)
}

func (a *Agent) run(ctx context.Context, req Request, fn func(Delta) error) (Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Result{}, faults.New(faults.CodeInvalidInput, "message cannot be empty")
	}

	var snippets []knowledge.Snippet
	grounded := false
	if req.WidgetID != nil {
		limit := req.MaxChunks
		if limit <= 0 {
			limit = DefaultMaxChunks
		}
		found, err := a.store.Search(ctx, *req.WidgetID, query, knowledge.SearchOptions{
			Limit:          limit,
			ScoreThreshold: req.Threshold,
		})
		if err != nil {
			// Retrieval never fails the turn; the answer just loses its grounding.
			log.Printf("rag: %s: widget %d retrieval failed: %v", faults.CodeRetrievalDegraded, *req.WidgetID, err)
		} else {
			grounded = true
			snippets = found
		}
	}

	messages := make([]llm.ChatMessage, 0, len(req.History)+2)
	messages = append(messages, llm.ChatMessage{
		Role:    "system",
		Content: buildSystemPrompt(req.Instructions, snippets, req.Webpage, a.pageLimit),
	})
	messages = append(messages, req.History...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: query})

	var reply llm.ChatResult
	var err error
	if fn == nil {
		reply, err = a.model.Chat(ctx, messages)
	} else {
		reply, err = a.model.ChatStream(ctx, messages, func(delta llm.ChatStreamDelta) error {
			if delta.Content == "" && !delta.Done {
				return nil
			}
			return fn(Delta{Content: delta.Content, Done: delta.Done})
		})
	}
	if err != nil {
		if faults.CodeOf(err) == faults.CodeCancelled {
			return Result{}, faults.Wrap(faults.CodeCancelled, "answer generation was cancelled", err)
		}
		return Result{}, faults.Wrap(faults.CodeGenerationFailed, "could not generate an answer", err)
	}

	result := Result{
		Text:     reply.Content,
		Model:    a.model.ModelID(),
		Grounded: grounded,
	}
	if len(snippets) > 0 {
		result.Sources = make([]Source, 0, len(snippets))
		for i, snippet := range snippets {
			result.Sources = append(result.Sources, Source{
				Index:      i + 1,
				Text:       snippet.Text,
				Score:      snippet.Score,
				SourceType: snippet.SourceType,
				Label:      snippet.Label,
				URL:        snippet.URL,
				Page:       snippet.Page,
				DocumentID: snippet.DocumentID,
			})
		}
	}
	return result, nil
}
