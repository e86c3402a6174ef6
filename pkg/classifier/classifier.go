// Package classifier is the external category classifier spec.md §4.6
// assigns a new Topic's category from, mirroring pkg/embedding's narrow
// HTTP-client shape since both are single-purpose inference sidecars
// the teacher's pkg/agent/llm_client.go precedent keeps separate from
// the chat-completion path.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/echoman-project/echoman/pkg/errs"
)

// Classifier assigns a topic category from its representative text.
type Classifier interface {
	Classify(ctx context.Context, text string) (category string, confidence float64, err error)
}

// HTTPClassifier implements Classifier over a plain JSON HTTP endpoint.
type HTTPClassifier struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPClassifier(baseURL, apiKey, model string, timeout time.Duration, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClassifier{baseURL: baseURL, apiKey: apiKey, model: model, timeout: timeout, client: client}
}

type classifyRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type classifyResponse struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(classifyRequest{Model: c.model, Text: text})
	if err != nil {
		return "", 0, fmt.Errorf("classifier: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, errs.New(errs.Classify(err), "classifier", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", 0, errs.New(errs.KindTransientProvider, "classifier", fmt.Errorf("classifier returned status %d", resp.StatusCode))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, errs.New(errs.KindMalformedResponse, "classifier", fmt.Errorf("decode response: %w", err))
	}
	return out.Category, out.Confidence, nil
}
