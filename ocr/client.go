// Package ocr turns uploaded documents into page-wise markdown. PDFs and
// images go through a hosted OCR provider; text-like formats are decoded
// locally so a deployment without the provider still handles the basics.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// PageImage is an image detected inside an OCR page, with its bounding
// box in page coordinates.
type PageImage struct {
	ID   string `json:"id"`
	BBox []int  `json:"bbox,omitempty"`
}

// PageDimensions carries the provider-reported page geometry.
type PageDimensions struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	DPI    int `json:"dpi,omitempty"`
}

// Page is one recognized page. Index is 0-based as sent by the provider.
type Page struct {
	Index      int            `json:"index"`
	Markdown   string         `json:"markdown"`
	Images     []PageImage    `json:"images,omitempty"`
	Dimensions PageDimensions `json:"dimensions"`
}

// Result is a full OCR response.
type Result struct {
	Pages []Page `json:"pages"`
	Model string `json:"model,omitempty"`
}

// Client calls the OCR provider's REST endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// NewClientFromEnv returns (nil, nil) when OCR_BASE_URL is unset; a nil
// client means OCR-dependent formats are handled by local fallbacks or
// rejected.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("OCR_BASE_URL"))
	if baseURL == "" {
		return nil, nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("ocr: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("OCR_MODEL_ID"))
	if modelID == "" {
		modelID = "ocr-latest"
	}

	timeout := 30 * time.Second
	if raw := strings.TrimSpace(os.Getenv("OCR_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("OCR_API_KEY")),
		modelID:    modelID,
	}, nil
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type"`
	Base64    string `json:"base64"`
}

// Process sends the raw document for recognition and returns its pages.
func (c *Client) Process(ctx context.Context, fileName, mediaType string, data []byte) (*Result, error) {
	if c == nil {
		return nil, fmt.Errorf("ocr: client is not configured")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("ocr: document is empty")
	}

	payload := ocrRequest{
		Model: c.modelID,
		Document: ocrDocument{
			Name:      fileName,
			MediaType: mediaType,
			Base64:    base64.StdEncoding.EncodeToString(data),
		},
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("ocr: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", body)
	if err != nil {
		return nil, fmt.Errorf("ocr: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ocr: provider status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ocr: decode response: %w", err)
	}
	if len(result.Pages) == 0 {
		return nil, fmt.Errorf("ocr: provider returned no pages")
	}
	return &result, nil
}

// Enabled reports whether an OCR provider is configured.
func (c *Client) Enabled() bool {
	return c != nil
}
