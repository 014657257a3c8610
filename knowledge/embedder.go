package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Embedder turns texts into vectors. The same implementation serves
// ingestion and query time so dimensionality and model stay aligned.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

const defaultVectorDim = 1536

// transientRetryDelays paces retries of embedding calls; ingestion
// correctness depends on every chunk completing, so transient network
// failures get a bounded second chance.
var transientRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

type httpEmbedder struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	baseURL     string
	apiKey      string
	modelID     string
	maxBatch    int
	expectDim   int
	requestDim  bool
	retryDelays []time.Duration
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// newHTTPEmbedderFromEnv builds the embeddings client. EMBEDDING_* vars
// fall back to the LLM_* trio so a single-provider deployment configures
// one set of credentials. Returns (nil, nil) when no API key is present:
// the vector pipeline (and with it the RAG capability) is optional.
func newHTTPEmbedderFromEnv() (*httpEmbedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, nil
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	maxBatch := 16
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	expectDim := defaultVectorDim
	requestDim := false
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			expectDim = parsed
			requestDim = true
		}
	}

	rps := 4.0
	if raw := strings.TrimSpace(os.Getenv("EMBED_RPS")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			rps = parsed
		}
	}

	return &httpEmbedder{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		baseURL:     baseURL,
		apiKey:      apiKey,
		modelID:     modelID,
		maxBatch:    maxBatch,
		expectDim:   expectDim,
		requestDim:  requestDim,
		retryDelays: transientRetryDelays,
	}, nil
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}
	sanitized := make([]string, 0, len(inputs))
	for _, item := range inputs {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		sanitized = append(sanitized, trimmed)
	}
	if len(sanitized) == 0 {
		return nil, nil
	}

	var results [][]float32
	for start := 0; start < len(sanitized); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(sanitized) {
			end = len(sanitized)
		}
		batch := sanitized[start:end]

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("knowledge: embedding rate wait: %w", err)
			}
		}

		batchVectors, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		results = append(results, batchVectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= len(e.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelays[attempt-1]):
			}
		}
		vectors, err := e.embedBatch(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := embeddingRequest{
		Model: e.modelID,
		Input: batch,
	}
	if e.requestDim {
		// Only models that support truncation accept this field, so it is
		// sent only when the operator pinned a dimensionality explicitly.
		dim := e.expectDim
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	endpoint := e.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode embedding response: %w", err)
	}

	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.expectDim > 0 && len(vector) != e.expectDim {
			return nil, fmt.Errorf("knowledge: embedding length %d does not match expected %d", len(vector), e.expectDim)
		}
		vectors[i] = vector
	}

	return vectors, nil
}

// VectorDim reports the validated embedding dimensionality, used when
// creating a widget's collection.
func (e *httpEmbedder) VectorDim() int {
	if e == nil || e.expectDim <= 0 {
		return defaultVectorDim
	}
	return e.expectDim
}
