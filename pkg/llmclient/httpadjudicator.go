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

// HTTPAdjudicator implements Adjudicator by speaking JSON over HTTP to
// an LLM sidecar, one call per decision kind with an explicit timeout —
// the same request/response separation as the teacher's
// pkg/agent/llm_grpc.go GRPCLLMClient, minus the generated proto stubs
// (see DESIGN.md).
type HTTPAdjudicator struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPAdjudicator returns an Adjudicator talking to baseURL.
func NewHTTPAdjudicator(baseURL, apiKey string, timeout time.Duration, client *http.Client) *HTTPAdjudicator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdjudicator{baseURL: baseURL, apiKey: apiKey, timeout: timeout, client: client}
}

type eventGroupWireItem struct {
	ItemID  string `json:"item_id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type eventGroupWireRequest struct {
	GroupID string               `json:"group_id"`
	Items   []eventGroupWireItem `json:"items"`
}

type eventGroupWireResponse struct {
	IsSameEvent bool      `json:"is_same_event"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason"`
	Usage       wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ConfirmEventGroup asks whether a candidate cluster of items is one
// real-world event. Items are truncated to the token budget before
// being sent (spec.md §4.4).
func (a *HTTPAdjudicator) ConfirmEventGroup(ctx context.Context, req EventGroupRequest) (EventGroupDecision, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	wireItems := make([]eventGroupWireItem, len(req.Items))
	for i, it := range req.Items {
		wireItems[i] = eventGroupWireItem{
			ItemID:  it.ItemID,
			Title:   TruncateItemTitle(it.Title),
			Summary: TruncateItemSummary(it.Summary),
		}
	}

	body, err := json.Marshal(eventGroupWireRequest{GroupID: req.GroupID, Items: wireItems})
	if err != nil {
		return EventGroupDecision{}, Usage{}, fmt.Errorf("llmclient: encode event-group request: %w", err)
	}

	var out eventGroupWireResponse
	if err := a.post(ctx, "/v1/adjudicate/event-group", body, &out); err != nil {
		return EventGroupDecision{}, Usage{}, err
	}

	decision := EventGroupDecision{Confirmed: out.IsSameEvent, Confidence: out.Confidence, Reason: out.Reason}
	return decision, Usage{RequestTokens: out.Usage.PromptTokens, ResponseTokens: out.Usage.CompletionTokens}, nil
}

type topicAssociationWireCandidate struct {
	TopicID string `json:"topic_id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type topicAssociationWireRequest struct {
	GroupID               string                           `json:"group_id"`
	RepresentativeTitle   string                           `json:"representative_title"`
	RepresentativeSummary string                           `json:"representative_summary"`
	Candidates            []topicAssociationWireCandidate `json:"candidates"`
}

type topicAssociationWireResponse struct {
	Decision      string    `json:"decision"`
	TargetTopicID string    `json:"target_topic_id"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	Usage         wireUsage `json:"usage"`
}

// DecideTopicAssociation asks whether a group's representative item
// belongs to one of up to 3 candidate topics (spec.md §4.6). A "merge"
// decision below the confidence threshold is the caller's
// responsibility to downgrade to "new"; this method reports exactly
// what the adjudicator returned.
func (a *HTTPAdjudicator) DecideTopicAssociation(ctx context.Context, req TopicAssociationRequest) (TopicAssociationDecision, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	wireCandidates := make([]topicAssociationWireCandidate, len(req.Candidates))
	for i, c := range req.Candidates {
		wireCandidates[i] = topicAssociationWireCandidate{
			TopicID: c.TopicID,
			Title:   c.Title,
			Summary: TruncateStageTwoPrompt(c.Summary),
		}
	}

	wireReq := topicAssociationWireRequest{
		GroupID:               req.GroupID,
		RepresentativeTitle:   TruncateItemTitle(req.RepresentativeTitle),
		RepresentativeSummary: TruncateItemSummary(req.RepresentativeSummary),
		Candidates:            wireCandidates,
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return TopicAssociationDecision{}, Usage{}, fmt.Errorf("llmclient: encode topic-association request: %w", err)
	}

	var out topicAssociationWireResponse
	if err := a.post(ctx, "/v1/adjudicate/topic-association", body, &out); err != nil {
		return TopicAssociationDecision{}, Usage{}, err
	}

	kind := TopicAssociationKind(out.Decision)
	if kind != AssociationMerge && kind != AssociationNew {
		return TopicAssociationDecision{}, Usage{}, errs.New(errs.KindMalformedResponse, "llmclient",
			fmt.Errorf("unrecognized decision value %q", out.Decision))
	}

	decision := TopicAssociationDecision{
		Kind:          kind,
		TargetTopicID: out.TargetTopicID,
		Confidence:    out.Confidence,
		Reason:        out.Reason,
	}
	return decision, Usage{RequestTokens: out.Usage.PromptTokens, ResponseTokens: out.Usage.CompletionTokens}, nil
}

func (a *HTTPAdjudicator) post(ctx context.Context, path string, body []byte, out any) error {
	url := a.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		kind := errs.Classify(err)
		return errs.New(kind, "llmclient", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.New(errs.KindTransientProvider, "llmclient", fmt.Errorf("adjudicator returned status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(errs.KindMalformedResponse, "llmclient", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
