package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// errQdrantNotFound marks 404 responses so callers can treat a missing
// collection as empty instead of broken.
var errQdrantNotFound = errors.New("knowledge: qdrant resource not found")

type QdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type QdrantSearchResult struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
}

func newQdrantClientFromEnv() (*qdrantClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}

	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	apiKey := strings.TrimSpace(os.Getenv("QDRANT_API_KEY"))

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	client := &qdrantClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		vectorSize: vectorSize,
	}
	return client, nil
}

func (c *qdrantClient) do(ctx context.Context, method, path, op string, payload interface{}, out interface{}) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}

	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("knowledge: encode %s payload: %w", op, err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("knowledge: create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", errQdrantNotFound, op)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("knowledge: %s status %s: %s", op, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("knowledge: decode %s response: %w", op, err)
		}
	}
	return nil
}

func (c *qdrantClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	size := vectorSize
	if size <= 0 {
		size = c.vectorSize
	}
	if size <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     size,
			"distance": "Cosine",
		},
	}
	err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), "ensure collection", payload, nil)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// DeleteCollection drops a widget's collection. A collection that never
// existed counts as deleted.
func (c *qdrantClient) DeleteCollection(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), "drop collection", nil, nil)
	if errors.Is(err, errQdrantNotFound) {
		return nil
	}
	return err
}

func (c *qdrantClient) UpsertPoints(ctx context.Context, collection string, points []QdrantPoint) error {
	if len(points) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": points}
	return c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(collection)+"/points", "upsert", payload, nil)
}

func (c *qdrantClient) DeletePoints(ctx context.Context, collection string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": pointIDs}
	err := c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(collection)+"/points", "delete points", payload, nil)
	if errors.Is(err, errQdrantNotFound) {
		return nil
	}
	return err
}

// DeletePointsByFilter removes every point matching the filter, used when a
// document is replaced and its exact vector IDs are no longer authoritative.
func (c *qdrantClient) DeletePointsByFilter(ctx context.Context, collection string, filter map[string]interface{}) error {
	if filter == nil {
		return errors.New("knowledge: delete filter must not be nil")
	}
	payload := map[string]interface{}{"filter": filter}
	err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/delete", "filtered delete", payload, nil)
	if errors.Is(err, errQdrantNotFound) {
		return nil
	}
	return err
}

func (c *qdrantClient) CountPoints(ctx context.Context, collection string, filter map[string]interface{}) (int64, error) {
	payload := map[string]interface{}{"exact": true}
	if filter != nil {
		payload["filter"] = filter
	}

	var decoded struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/count", "count", payload, &decoded)
	if errors.Is(err, errQdrantNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decoded.Result.Count, nil
}

func (c *qdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64, filter map[string]interface{}) ([]QdrantSearchResult, error) {
	if c == nil {
		return nil, errors.New("knowledge: qdrant client is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		payload["score_threshold"] = scoreThreshold
	}
	if filter != nil {
		payload["filter"] = filter
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/search", "search", payload, &decoded); err != nil {
		return nil, err
	}

	results := make([]QdrantSearchResult, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		identifier := stringifyQdrantID(item.ID)
		results = append(results, QdrantSearchResult{
			ID:      identifier,
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return results, nil
}

func stringifyQdrantID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
