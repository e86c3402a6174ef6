package models

import "time"

// SummaryMethod records how a Summary's content was produced, so the
// rollback rule of spec.md §4.8 (replace a placeholder once a real
// summary lands) can be enforced without re-inspecting the LLM call.
type SummaryMethod string

const (
	SummaryMethodPlaceholder SummaryMethod = "placeholder"
	SummaryMethodFull        SummaryMethod = "full"
	SummaryMethodIncremental SummaryMethod = "incremental"
)

func (m SummaryMethod) Valid() bool {
	switch m {
	case SummaryMethodPlaceholder, SummaryMethodFull, SummaryMethodIncremental:
		return true
	}
	return false
}

// Summary is a generated textual snapshot of a topic (spec.md §3).
// Topic.SummaryID always points at the most recent Summary row for
// that topic.
type Summary struct {
	SummaryID   string
	TopicID     string
	Content     string
	Method      SummaryMethod
	GeneratedAt time.Time
}

// EmbeddingObjectKind identifies what an Embedding row vectorizes —
// the two object kinds the Vector Index stores (spec.md §4.3).
type EmbeddingObjectKind string

const (
	EmbeddingObjectSourceItem   EmbeddingObjectKind = "source_item"
	EmbeddingObjectTopicSummary EmbeddingObjectKind = "topic_summary"
)

func (k EmbeddingObjectKind) Valid() bool {
	switch k {
	case EmbeddingObjectSourceItem, EmbeddingObjectTopicSummary:
		return true
	}
	return false
}

// Embedding is bookkeeping metadata tying an object to a vector stored
// in the external Vector Index (spec.md §3). The vector payload itself
// lives only in the index; this row records provenance.
type Embedding struct {
	EmbeddingID string
	ObjectType  EmbeddingObjectKind
	ObjectID    string
	Provider    string
	Model       string
	CreatedAt   time.Time
}

// RunKind identifies which pipeline invocation a RunRecord audits
// (spec.md §3).
type RunKind string

const (
	RunKindIngest         RunKind = "ingest"
	RunKindEventMerge     RunKind = "event_merge"
	RunKindGlobalMerge    RunKind = "global_merge"
	RunKindMergeCompleted RunKind = "merge_completed"
)

// RunStatus is the lifecycle of one RunRecord.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord audits one invocation of ingestion or a pipeline stage
// (spec.md §3), mirroring ent/schema/agentexecution.go's audit-row
// precedent.
type RunRecord struct {
	RunID        string
	Kind         RunKind
	PeriodKey    string
	Status       RunStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	InputCount   int
	KeptCount    int
	DroppedCount int
	ErrorMessage *string
	CreatedAt    time.Time
}

// JudgementKind identifies which LLM Adjudicator call a LLMJudgement
// records.
type JudgementKind string

const (
	JudgementKindEventGroupConfirm JudgementKind = "event_group_confirm"
	JudgementKindTopicAssociation  JudgementKind = "topic_association"
)

// JudgementStatus records whether an adjudicator call produced a usable
// decision.
type JudgementStatus string

const (
	JudgementStatusOK      JudgementStatus = "ok"
	JudgementStatusError   JudgementStatus = "error"
	JudgementStatusTimeout JudgementStatus = "timeout"
)

// LLMJudgement is an audit row for a single LLM Adjudicator call
// (spec.md §3), mirroring ent/schema/llminteraction.go's
// token/provider/status fields.
type LLMJudgement struct {
	JudgementID      string
	RunID            *string
	Kind             JudgementKind
	RequestSummary   string
	ResponseJSON     string
	TokensPrompt     int
	TokensCompletion int
	Provider         string
	Model            string
	Status           JudgementStatus
	CreatedAt        time.Time
}
