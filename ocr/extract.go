package ocr

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"cognita_back/knowledge"
)

// extractHTML converts an HTML document to markdown and pulls its title.
// Script and style bodies never survive the conversion.
func extractHTML(raw []byte) (title, markdown string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("ocr: parse html: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	markdown, err = conv.ConvertString(string(raw))
	if err != nil {
		return "", "", fmt.Errorf("ocr: convert html: %w", err)
	}
	return title, strings.TrimSpace(markdown), nil
}

// extractXLSX flattens a workbook sheet by sheet, one page per sheet,
// rows rendered as pipe-separated lines under a sheet heading.
func extractXLSX(raw []byte) ([]knowledge.PageText, error) {
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("ocr: open workbook: %w", err)
	}
	defer book.Close()

	var pages []knowledge.PageText
	for i, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("ocr: read sheet %q: %w", sheet, err)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n", sheet)
		empty := true
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, " | "))
			if line == "" || strings.Trim(line, "| ") == "" {
				continue
			}
			empty = false
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if empty {
			continue
		}
		pages = append(pages, knowledge.PageText{Page: i + 1, Text: b.String()})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("ocr: workbook has no populated sheets")
	}
	return pages, nil
}

// extractPDFLocally pulls plain text page by page without the OCR
// provider. Scanned PDFs come back empty here; that limitation is why the
// provider path is preferred when configured.
func extractPDFLocally(raw []byte) (pages []knowledge.PageText, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("ocr: pdf parser failed: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("ocr: open pdf: %w", err)
	}

	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Printf("ocr: extract pdf page %d: %v", i, err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, knowledge.PageText{Page: i, Text: text})
	}
	return pages, nil
}
