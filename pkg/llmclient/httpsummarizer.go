package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/echoman-project/echoman/pkg/errs"
)

// HTTPSummarizer implements Summarizer by speaking JSON over HTTP to the
// same LLM sidecar HTTPAdjudicator talks to, under distinct routes.
type HTTPSummarizer struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPSummarizer(baseURL, apiKey string, timeout time.Duration, client *http.Client) *HTTPSummarizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSummarizer{baseURL: baseURL, apiKey: apiKey, timeout: timeout, client: client}
}

type summaryWireNode struct {
	Title    string `json:"title"`
	Platform string `json:"platform"`
}

type fullSummaryWireRequest struct {
	TopicID  string            `json:"topic_id"`
	TitleKey string            `json:"title_key"`
	Nodes    []summaryWireNode `json:"nodes"`
}

type summaryWireResponse struct {
	Content string    `json:"content"`
	Usage   wireUsage `json:"usage"`
}

// GenerateFullSummary asks the LLM to write a topic summary from
// scratch out of its representative nodes (spec.md §4.8 full summary).
func (s *HTTPSummarizer) GenerateFullSummary(ctx context.Context, req FullSummaryRequest) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wireReq := fullSummaryWireRequest{TopicID: req.TopicID, TitleKey: req.TitleKey, Nodes: summaryWireNodes(req.Nodes)}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llmclient: encode full-summary request: %w", err)
	}

	var out summaryWireResponse
	if err := s.post(ctx, "/v1/summarize/full", body, &out); err != nil {
		return "", Usage{}, err
	}
	return out.Content, Usage{RequestTokens: out.Usage.PromptTokens, ResponseTokens: out.Usage.CompletionTokens}, nil
}

type incrementalSummaryWireRequest struct {
	TopicID         string            `json:"topic_id"`
	ExistingSummary string            `json:"existing_summary"`
	NewNodes        []summaryWireNode `json:"new_nodes"`
}

// GenerateIncrementalSummary asks the LLM to fold newly merged nodes
// into an existing summary (spec.md §4.8 incremental summary).
func (s *HTTPSummarizer) GenerateIncrementalSummary(ctx context.Context, req IncrementalSummaryRequest) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wireReq := incrementalSummaryWireRequest{
		TopicID:         req.TopicID,
		ExistingSummary: TruncateStageTwoPrompt(req.ExistingSummary),
		NewNodes:        summaryWireNodes(req.NewNodes),
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llmclient: encode incremental-summary request: %w", err)
	}

	var out summaryWireResponse
	if err := s.post(ctx, "/v1/summarize/incremental", body, &out); err != nil {
		return "", Usage{}, err
	}
	return out.Content, Usage{RequestTokens: out.Usage.PromptTokens, ResponseTokens: out.Usage.CompletionTokens}, nil
}

func summaryWireNodes(nodes []SummaryNode) []summaryWireNode {
	out := make([]summaryWireNode, len(nodes))
	for i, n := range nodes {
		out[i] = summaryWireNode{Title: TruncateItemTitle(n.Title), Platform: n.Platform}
	}
	return out
}

func (s *HTTPSummarizer) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New(errs.Classify(err), "llmclient", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.New(errs.KindTransientProvider, "llmclient", fmt.Errorf("summarizer returned status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(errs.KindMalformedResponse, "llmclient", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
