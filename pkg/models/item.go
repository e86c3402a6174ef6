// Package models holds Echoman's persisted domain types: the same role
// ent/schema/*.go plays for the teacher, but hand-written Go structs
// since no client is generated from them.
package models

import "time"

// Platform is one of the seven ingestion sources spec.md §2 names.
type Platform string

const (
	PlatformWeibo   Platform = "weibo"
	PlatformZhihu   Platform = "zhihu"
	PlatformToutiao Platform = "toutiao"
	PlatformSina    Platform = "sina"
	PlatformNetease Platform = "netease"
	PlatformBaidu   Platform = "baidu"
	PlatformHupu    Platform = "hupu"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformWeibo, PlatformZhihu, PlatformToutiao, PlatformSina,
		PlatformNetease, PlatformBaidu, PlatformHupu:
		return true
	}
	return false
}

// MergeStatus is the closed state machine a SourceItem moves through
// (spec.md §3, §4.6). No transition may move an item backward; the
// terminal states are discarded and merged.
type MergeStatus string

const (
	MergeStatusPendingEventMerge  MergeStatus = "pending_event_merge"
	MergeStatusPendingGlobalMerge MergeStatus = "pending_global_merge"
	MergeStatusMerged             MergeStatus = "merged"
	MergeStatusDiscarded          MergeStatus = "discarded"
)

func (s MergeStatus) Valid() bool {
	switch s {
	case MergeStatusPendingEventMerge, MergeStatusPendingGlobalMerge, MergeStatusMerged, MergeStatusDiscarded:
		return true
	}
	return false
}

// SourceItem is one atom produced by one platform at one fetch
// (spec.md §3).
type SourceItem struct {
	ItemID       string
	Platform     string
	Title        string
	Summary      string
	URL          string
	PublishedAt  *time.Time
	FetchedAt    time.Time
	Interactions map[string]int64
	HeatValue    *float64

	RunID  string
	Period string // YYYY-MM-DD_<MORN|AM|PM|EVE>

	MergeStatus        MergeStatus
	PeriodMergeGroupID *string
	OccurrenceCount    int
	HeatNormalized     *float64
	EmbeddingID        *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
