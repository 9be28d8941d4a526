package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"scopegate/pkg/httpx"
)

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	Client     *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	Retries    int
	RetryDelay time.Duration
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	baseURL := e.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := e.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	reqBody, err := json.Marshal(map[string]string{"input": text, "model": model})
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if e.APIKey != "" {
		headers["Authorization"] = "Bearer " + e.APIKey
	}
	status, body, err := httpx.RequestJSON(ctx, e.Client, http.MethodPost, baseURL+"/embeddings", reqBody, headers, e.Retries, e.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("embeddings request failed status=%d", status)
	}
	var resp struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("embeddings response: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embeddings response is empty")
	}
	return resp.Data[0].Embedding, nil
}
