package models

import "time"

// MergeGroupStatus is the claim lifecycle of a MergeGroup row, mirroring
// the teacher's AlertSession status enum shape (ent/schema/alertsession.go).
type MergeGroupStatus string

const (
	MergeGroupPending    MergeGroupStatus = "pending"
	MergeGroupInProgress MergeGroupStatus = "in_progress"
	MergeGroupCompleted  MergeGroupStatus = "completed"
	MergeGroupFailed     MergeGroupStatus = "failed"
)

func (s MergeGroupStatus) Valid() bool {
	switch s {
	case MergeGroupPending, MergeGroupInProgress, MergeGroupCompleted, MergeGroupFailed:
		return true
	}
	return false
}

// MergeGroup is one stage-one survivor cluster (period_merge_group_id)
// awaiting stage-two adjudication: the claimable unit of work spec.md
// §4.6 processes one at a time, serialized per Topic.
type MergeGroup struct {
	GroupID             string
	PeriodKey           string
	ItemIDs             []string
	RepresentativeItemID string
	OccurrenceCount     int
	Status              MergeGroupStatus
	ClaimedBy           *string
	ClaimedAt           *time.Time
	CompletedAt         *time.Time
	ErrorMessage        *string
	CreatedAt           time.Time
}
