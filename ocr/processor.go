package ocr

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"cognita_back/faults"
	"cognita_back/knowledge"
	"cognita_back/storage"
)

type documentKind int

const (
	kindUnknown documentKind = iota
	kindPlain
	kindHTML
	kindXLSX
	kindPDF
	kindImage
)

const xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// classify maps a declared media type (and, when the type is generic, the
// file extension) to a processing strategy. Content is never sniffed.
func classify(mediaType, fileName string) documentKind {
	declared := strings.ToLower(strings.TrimSpace(mediaType))
	if parsed, _, err := mime.ParseMediaType(declared); err == nil {
		declared = parsed
	}

	switch declared {
	case "text/plain", "text/markdown", "application/json", "text/csv":
		return kindPlain
	case "text/html", "application/xhtml+xml":
		return kindHTML
	case xlsxMediaType:
		return kindXLSX
	case "application/pdf":
		return kindPDF
	case "image/png", "image/jpeg", "image/webp":
		return kindImage
	}

	if declared == "" || declared == "application/octet-stream" {
		switch strings.ToLower(path.Ext(fileName)) {
		case ".txt", ".md", ".markdown", ".json", ".csv":
			return kindPlain
		case ".html", ".htm":
			return kindHTML
		case ".xlsx":
			return kindXLSX
		case ".pdf":
			return kindPDF
		}
	}
	return kindUnknown
}

// Supported reports whether a declared media type or file name maps to a
// processing strategy. Callers filter archive members with it before
// creating document rows.
func Supported(mediaType, fileName string) bool {
	return classify(mediaType, fileName) != kindUnknown
}

// ProcessResult is the normalized text of one document.
type ProcessResult struct {
	Pages    []knowledge.PageText
	FullText string
	Images   int
}

// Processor normalizes uploads to page-wise markdown and persists each
// page to the blob store before any embedding work, so a failed ingest
// can retry from artifacts instead of re-running recognition.
type Processor struct {
	client  *Client
	objects *storage.ObjectStore
}

func NewProcessorFromEnv(objects *storage.ObjectStore) (*Processor, error) {
	client, err := NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return &Processor{client: client, objects: objects}, nil
}

// NewLocalProcessor builds a processor without the hosted OCR provider.
// Text, HTML, spreadsheet, and local PDF extraction still work; image
// documents are rejected.
func NewLocalProcessor(objects *storage.ObjectStore) *Processor {
	return &Processor{objects: objects}
}

// ProviderEnabled reports whether the hosted OCR path is available.
func (p *Processor) ProviderEnabled() bool {
	return p != nil && p.client.Enabled()
}

// ProcessDocument extracts page texts from the raw upload. The document
// row must already exist; its ID anchors the stored artifacts.
func (p *Processor) ProcessDocument(ctx context.Context, widgetID uint64, doc *knowledge.SourceDocument, raw []byte) (ProcessResult, error) {
	if p == nil {
		return ProcessResult{}, fmt.Errorf("ocr: processor is not configured")
	}
	if doc == nil || doc.ID == 0 {
		return ProcessResult{}, fmt.Errorf("ocr: document row must be persisted before processing")
	}
	if len(raw) == 0 {
		return ProcessResult{}, faults.New(faults.CodeInvalidInput, "document is empty")
	}

	result, err := p.extract(ctx, doc, raw)
	if err != nil {
		return ProcessResult{}, err
	}

	pages := make([]knowledge.PageText, 0, len(result.Pages))
	for _, page := range result.Pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		pages = append(pages, page)
	}
	if len(pages) == 0 {
		return ProcessResult{}, faults.New(faults.CodeInvalidInput, "no text content extracted")
	}
	result.Pages = pages

	texts := make([]string, 0, len(pages))
	for _, page := range pages {
		texts = append(texts, page.Text)
	}
	result.FullText = strings.Join(texts, "\n\n")

	if p.objects.Enabled() {
		for _, page := range pages {
			if _, err := p.objects.SavePageText(ctx, widgetID, doc.ID, page.Page, page.Text); err != nil {
				return ProcessResult{}, fmt.Errorf("ocr: persist page artifact: %w", err)
			}
		}
	}
	return result, nil
}

func (p *Processor) extract(ctx context.Context, doc *knowledge.SourceDocument, raw []byte) (ProcessResult, error) {
	switch classify(doc.MediaType, doc.FileName) {
	case kindPlain:
		if !utf8.Valid(raw) {
			return ProcessResult{}, faults.New(faults.CodeInvalidInput, "document is not valid UTF-8 text")
		}
		return ProcessResult{Pages: []knowledge.PageText{{Text: string(raw)}}}, nil

	case kindHTML:
		title, markdown, err := extractHTML(raw)
		if err != nil {
			return ProcessResult{}, err
		}
		if title != "" && !strings.HasPrefix(markdown, "#") {
			markdown = "# " + title + "\n\n" + markdown
		}
		return ProcessResult{Pages: []knowledge.PageText{{Text: markdown}}}, nil

	case kindXLSX:
		pages, err := extractXLSX(raw)
		if err != nil {
			return ProcessResult{}, faults.Wrap(faults.CodeInvalidInput, "could not read spreadsheet", err)
		}
		return ProcessResult{Pages: pages}, nil

	case kindPDF:
		if p.client.Enabled() {
			return p.recognize(ctx, doc, raw)
		}
		pages, err := extractPDFLocally(raw)
		if err != nil {
			return ProcessResult{}, faults.Wrap(faults.CodeInvalidInput, "could not read pdf", err)
		}
		return ProcessResult{Pages: pages}, nil

	case kindImage:
		if !p.client.Enabled() {
			return ProcessResult{}, faults.Errorf(faults.CodeInvalidInput, "no processor for media type %q", doc.MediaType)
		}
		return p.recognize(ctx, doc, raw)

	default:
		return ProcessResult{}, faults.Errorf(faults.CodeInvalidInput, "unsupported media type %q", doc.MediaType)
	}
}

func (p *Processor) recognize(ctx context.Context, doc *knowledge.SourceDocument, raw []byte) (ProcessResult, error) {
	recognized, err := p.client.Process(ctx, doc.FileName, doc.MediaType, raw)
	if err != nil {
		return ProcessResult{}, err
	}

	result := ProcessResult{Pages: make([]knowledge.PageText, 0, len(recognized.Pages))}
	for _, page := range recognized.Pages {
		result.Images += len(page.Images)
		result.Pages = append(result.Pages, knowledge.PageText{
			Page: page.Index + 1,
			Text: page.Markdown,
		})
	}
	return result, nil
}

// RetryFromArtifacts rebuilds a ProcessResult from the page markdown
// persisted by an earlier ProcessDocument call.
func (p *Processor) RetryFromArtifacts(ctx context.Context, widgetID uint64, doc *knowledge.SourceDocument) (ProcessResult, error) {
	if p == nil || !p.objects.Enabled() {
		return ProcessResult{}, faults.New(faults.CodeInvalidInput, "no stored page artifacts to retry from")
	}

	stored, err := p.objects.ReadPageTexts(ctx, widgetID, doc.ID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("ocr: read page artifacts: %w", err)
	}
	if len(stored) == 0 {
		return ProcessResult{}, faults.New(faults.CodeInvalidInput, "no stored page artifacts to retry from")
	}

	result := ProcessResult{Pages: make([]knowledge.PageText, 0, len(stored))}
	texts := make([]string, 0, len(stored))
	for _, page := range stored {
		result.Pages = append(result.Pages, knowledge.PageText{Page: page.Page, Text: page.Text})
		texts = append(texts, page.Text)
	}
	result.FullText = strings.Join(texts, "\n\n")
	return result, nil
}
