package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/echoman-project/echoman/pkg/errs"
)

// HTTPChatClient implements ChatClient over an OpenAI-shaped
// Server-Sent-Events chat-completions endpoint, reading the response
// body incrementally the way the pack's HTTPStream wraps a raw
// *http.Response.Body (Sergey-Bar-Alfred/services/gateway/provider
// provider.go) rather than buffering the whole reply before decoding.
type HTTPChatClient struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPChatClient returns a ChatClient talking to baseURL.
func NewHTTPChatClient(baseURL, apiKey, model string, timeout time.Duration, client *http.Client) *HTTPChatClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPChatClient{baseURL: baseURL, apiKey: apiKey, model: model, timeout: timeout, client: client}
}

type chatWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatWireRequest struct {
	Model     string            `json:"model"`
	Messages  []chatWireMessage `json:"messages"`
	MaxTokens int               `json:"max_tokens"`
	Stream    bool              `json:"stream"`
}

type chatWireDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream opens a streaming chat-completion request and decodes the
// SSE `data: {...}` lines into StreamEvent values on a background
// goroutine. Cancelling ctx aborts the in-flight HTTP read, which the
// RAG reader relies on when a client disconnects mid-answer (spec.md
// §5 "RAG streaming requests cancelled by the client abort the
// upstream LLM stream").
func (c *HTTPChatClient) Stream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	wireMessages := make([]chatWireMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		wireMessages = append(wireMessages, chatWireMessage{Role: string(ChatRoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		wireMessages = append(wireMessages, chatWireMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(chatWireRequest{
		Model:     c.model,
		Messages:  wireMessages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llmclient: encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, errs.New(errs.Classify(err), "llmclient", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, errs.New(errs.KindTransientProvider, "llmclient", fmt.Errorf("chat completion returned status %d", resp.StatusCode))
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var delta chatWireDelta
			if err := json.Unmarshal([]byte(payload), &delta); err != nil {
				out <- StreamError{Message: fmt.Sprintf("malformed stream chunk: %v", err), Retryable: false}
				return
			}
			for _, choice := range delta.Choices {
				if choice.Delta.Content != "" {
					select {
					case out <- TokenDelta{Content: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
			}
			if delta.Usage != nil {
				out <- UsageDelta{PromptTokens: delta.Usage.PromptTokens, CompletionTokens: delta.Usage.CompletionTokens}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- StreamError{Message: err.Error(), Retryable: errs.Classify(err) == errs.KindTransientProvider}
		}
	}()

	return out, nil
}
