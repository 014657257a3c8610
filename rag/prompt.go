package rag

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"cognita_back/knowledge"
)

const defaultPageContextLimit = 6000

const answerInstructions = `You are a helpful assistant answering questions for visitors of a website. ` +
	`Ground every answer in the context you are given and be concise. ` +
	`If the context does not contain the answer, say so plainly instead of guessing.`

const citationRules = `Cite your sources. Every discrete fact must cite exactly one source marker ` +
	`in the form [n]. Compound citations such as [1,2] are not allowed; a statement ` +
	`that draws on several sources must be split into separately cited sentences. ` +
	`Never cite a source you did not use.`

const noContextNote = `No grounding context was found for this question. ` +
	`Answer only from general knowledge, flag your uncertainty, and suggest ` +
	`contacting the site owner for specifics.`

// Webpage is the page the visitor currently has open, sent along by the
// embedded widget.
type Webpage struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (p *Webpage) empty() bool {
	if p == nil {
		return true
	}
	return strings.TrimSpace(p.URL) == "" && strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Content) == ""
}

func pageContextLimitFromEnv() int {
	if raw := strings.TrimSpace(os.Getenv("CHAT_PAGE_CONTEXT_LIMIT")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultPageContextLimit
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

func sourceHeading(index int, snippet knowledge.Snippet) string {
	label := strings.TrimSpace(snippet.Label)
	if label == "" {
		label = strings.TrimSpace(snippet.URL)
	}
	switch {
	case label == "":
		return fmt.Sprintf("Source [%d]", index)
	case snippet.Page > 0:
		return fmt.Sprintf("Source [%d] (%s, page %d)", index, label, snippet.Page)
	default:
		return fmt.Sprintf("Source [%d] (%s)", index, label)
	}
}

// buildSystemPrompt lays the sections out in a fixed order: answering
// instructions, citation rules, the retrieved sources most relevant
// first, the visitor's current page, and a no-context note only when
// there is neither a source nor a page to ground on.
func buildSystemPrompt(instructions string, snippets []knowledge.Snippet, page *Webpage, pageLimit int) string {
	var b strings.Builder
	b.WriteString(answerInstructions)
	if custom := strings.TrimSpace(instructions); custom != "" {
		b.WriteString("\n\n")
		b.WriteString(custom)
	}

	if len(snippets) > 0 {
		b.WriteString("\n\n")
		b.WriteString(citationRules)
		b.WriteString("\n\nContext from the knowledge base, most relevant first:")
		for i, snippet := range snippets {
			b.WriteString("\n\n")
			b.WriteString(sourceHeading(i+1, snippet))
			b.WriteString(":\n")
			b.WriteString(strings.TrimSpace(snippet.Text))
		}
	}

	if !page.empty() {
		b.WriteString("\n\nThe visitor is currently on this page:")
		if url := strings.TrimSpace(page.URL); url != "" {
			b.WriteString("\nURL: " + url)
		}
		if title := strings.TrimSpace(page.Title); title != "" {
			b.WriteString("\nTitle: " + title)
		}
		if content := clipRunes(strings.TrimSpace(page.Content), pageLimit); content != "" {
			b.WriteString("\nContent:\n" + content)
		}
	}

	if len(snippets) == 0 && page.empty() {
		b.WriteString("\n\n")
		b.WriteString(noContextNote)
	}

	return b.String()
}
