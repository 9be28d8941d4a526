package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"scopegate/pkg/httpx"
	"scopegate/pkg/models"
)

// QdrantSearcher is a minimal REST client to a Qdrant collection. Chunk
// payloads carry "content" and a "roles" array; the search request asks the
// engine to match any allowed tag, which is an optimization and nothing more.
type QdrantSearcher struct {
	Client     *http.Client
	URL        string
	APIKey     string
	Collection string
	Embedder   Embedder
	Retries    int
	RetryDelay time.Duration
}

type qdrantSearchRequest struct {
	Vector      []float64    `json:"vector"`
	Limit       int          `json:"limit"`
	WithPayload bool         `json:"with_payload"`
	Filter      qdrantFilter `json:"filter"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

type qdrantCondition struct {
	Key   string      `json:"key"`
	Match qdrantMatch `json:"match"`
}

type qdrantMatch struct {
	Any []string `json:"any"`
}

func (s *QdrantSearcher) Search(ctx context.Context, query string, allowedTags []models.Role, topK int) ([]Hit, error) {
	if s.Embedder == nil {
		return nil, errors.New("qdrant searcher requires an embedder")
	}
	if topK <= 0 {
		topK = 5
	}
	vector, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	tags := make([]string, 0, len(allowedTags))
	for _, t := range allowedTags {
		tags = append(tags, string(t))
	}
	// Over-fetch so that post-filter truncation does not starve results when
	// the engine's own filter is stale.
	reqBody, err := json.Marshal(qdrantSearchRequest{
		Vector:      vector,
		Limit:       topK * 3,
		WithPayload: true,
		Filter: qdrantFilter{
			Must: []qdrantCondition{{Key: "roles", Match: qdrantMatch{Any: tags}}},
		},
	})
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if s.APIKey != "" {
		headers["api-key"] = s.APIKey
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", s.URL, s.Collection)
	status, body, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, url, reqBody, headers, s.Retries, s.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("qdrant search failed status=%d", status)
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("qdrant response: %w", err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hit := Hit{Score: r.Score}
		if v, ok := r.Payload["chunk_id"].(string); ok {
			hit.ChunkID = v
		}
		if v, ok := r.Payload["content"].(string); ok {
			hit.Content = v
		}
		if raw, ok := r.Payload["roles"].([]any); ok {
			for _, item := range raw {
				if tag, ok := item.(string); ok && tag != "" {
					hit.Tags = append(hit.Tags, models.Role(tag))
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
