// Package embedding is the Embedding Provider adapter added in
// SPEC_FULL.md §2.10: a narrow HTTP client separate from the LLM
// Adjudicator so embedding traffic can be rate-limited and retried on
// its own, the way tarsy keeps its MCP tool clients separate from its
// chat-completion client.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/echoman-project/echoman/pkg/errs"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPEmbedder implements Embedder over a plain JSON HTTP endpoint.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPEmbedder returns an Embedder talking to baseURL with the given
// model name.
func NewHTTPEmbedder(baseURL, apiKey, model string, timeout time.Duration, client *http.Client) *HTTPEmbedder {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEmbedder{baseURL: baseURL, apiKey: apiKey, model: model, timeout: timeout, client: client}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Vector []float64 `json:"vector"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errs.New(errs.Classify(err), "embedding", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errs.New(errs.KindTransientProvider, "embedding", fmt.Errorf("embedding provider returned status %d", resp.StatusCode))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New(errs.KindMalformedResponse, "embedding", fmt.Errorf("decode response: %w", err))
	}
	return out.Vector, nil
}
