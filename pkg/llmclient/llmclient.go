// Package llmclient is the LLM Adjudicator & Token Manager of spec.md
// §4.4: a typed-decision client generalized from the teacher's
// pkg/agent/llm_client.go Chunk-interface idiom, talking JSON-over-HTTP
// to an LLM sidecar instead of the teacher's generated-gRPC-stub path
// (see DESIGN.md for why the gRPC client could not be reproduced here).
package llmclient

import "context"

// EventGroupItem is one candidate item passed to the stage-one
// event-group confirmation call.
type EventGroupItem struct {
	ItemID  string
	Title   string
	Summary string
}

// EventGroupRequest carries a candidate cluster of up to N items for
// the adjudicator to confirm as one real-world event (spec.md §4.5).
type EventGroupRequest struct {
	GroupID string
	Items   []EventGroupItem
}

// EventGroupDecision is the adjudicator's verdict on whether a
// candidate cluster of items is one real-world event. A group is
// accepted only when Confirmed && Confidence >= 0.8 (spec.md §4.4).
type EventGroupDecision struct {
	Confirmed  bool
	Confidence float64
	Reason     string
}

// TopicAssociationKind is the two-way decision stage two asks the
// adjudicator to make for a representative item against up to 3
// candidate topics (spec.md §4.4). A low-confidence "merge" is treated
// as "new" by the caller, not represented as a separate kind here.
type TopicAssociationKind string

const (
	AssociationMerge TopicAssociationKind = "merge"
	AssociationNew   TopicAssociationKind = "new"
)

// TopicAssociationDecision is the adjudicator's verdict on whether an
// item's group belongs to one of the candidate topics (spec.md §4.6).
// TargetTopicID is set only when Kind == AssociationMerge.
type TopicAssociationDecision struct {
	Kind          TopicAssociationKind
	TargetTopicID string
	Confidence    float64
	Reason        string
}

// Adjudicator is the LLM Adjudicator contract used by the stage-one and
// stage-two mergers. Every call also returns the request/response token
// counts so the caller can persist a models.LLMJudgement audit row.
type Adjudicator interface {
	ConfirmEventGroup(ctx context.Context, req EventGroupRequest) (EventGroupDecision, Usage, error)
	DecideTopicAssociation(ctx context.Context, req TopicAssociationRequest) (TopicAssociationDecision, Usage, error)
}

// Usage is the token accounting for one adjudicator call.
type Usage struct {
	RequestTokens  int
	ResponseTokens int
}

// CandidateTopic is one topic offered to the topic-association call,
// carrying its title and a truncated summary (spec.md §4.4).
type CandidateTopic struct {
	TopicID string
	Title   string
	Summary string
}

// TopicAssociationRequest carries one representative item plus up to 3
// candidate topics recalled from the vector index or topic-recency
// fallback (spec.md §4.6).
type TopicAssociationRequest struct {
	GroupID               string
	RepresentativeTitle   string
	RepresentativeSummary string
	Candidates            []CandidateTopic
}

// SummaryNode is one node's text contributed to an LLM summary prompt
// (spec.md §4.8's "representative nodes").
type SummaryNode struct {
	Title    string
	Platform string
}

// FullSummaryRequest asks for a from-scratch topic summary generated
// from its representative nodes, the post-batch full-summary pass.
type FullSummaryRequest struct {
	TopicID  string
	TitleKey string
	Nodes    []SummaryNode
}

// IncrementalSummaryRequest asks for an existing summary to be folded
// together with newly merged nodes, the merge-path refresh.
type IncrementalSummaryRequest struct {
	TopicID         string
	ExistingSummary string
	NewNodes        []SummaryNode
}

// Summarizer is the LLM-generated-content half of the LLM Adjudicator
// & Token Manager (spec.md §4.8), kept distinct from Adjudicator since
// it produces free text rather than a typed decision.
type Summarizer interface {
	GenerateFullSummary(ctx context.Context, req FullSummaryRequest) (string, Usage, error)
	GenerateIncrementalSummary(ctx context.Context, req IncrementalSummaryRequest) (string, Usage, error)
}
