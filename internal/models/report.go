package models

import (
	"encoding/json"
	"time"
)

// ReportStatus captures the lifecycle state of a technical report.
type ReportStatus string

const (
	ReportStatusDraft     ReportStatus = "draft"
	ReportStatusSubmitted ReportStatus = "submitted"
	ReportStatusApproved  ReportStatus = "approved"
	ReportStatusRejected  ReportStatus = "rejected"
	ReportStatusArchived  ReportStatus = "archived"
)

// ReportStatuses lists every status in lifecycle order.
var ReportStatuses = []ReportStatus{
	ReportStatusDraft,
	ReportStatusSubmitted,
	ReportStatusApproved,
	ReportStatusRejected,
	ReportStatusArchived,
}

// Valid reports whether s is a known report status.
func (s ReportStatus) Valid() bool {
	for _, st := range ReportStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// reportTransitions is the full edge set. Resubmission of a rejected report
// is included here and gated by workflow policy.
var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportStatusDraft:     {ReportStatusSubmitted},
	ReportStatusSubmitted: {ReportStatusApproved, ReportStatusRejected, ReportStatusArchived},
	ReportStatusApproved:  {ReportStatusArchived},
	ReportStatusRejected:  {ReportStatusArchived, ReportStatusSubmitted},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ReportStatus) bool {
	for _, next := range reportTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AssetStatusFor returns the asset status a report status change implies.
// Archiving leaves the asset untouched.
func AssetStatusFor(to ReportStatus) (AssetStatus, bool) {
	switch to {
	case ReportStatusSubmitted:
		return AssetStatusReadyForReview, true
	case ReportStatusApproved:
		return AssetStatusApproved, true
	case ReportStatusRejected:
		return AssetStatusIssue, true
	}
	return "", false
}

// Report is the canonical technical-report record.
type Report struct {
	ID              string          `db:"id" json:"id"`
	JobID           string          `db:"job_id" json:"jobId"`
	Title           string          `db:"title" json:"title"`
	ReportType      string          `db:"report_type" json:"reportType"`
	Status          ReportStatus    `db:"status" json:"status"`
	Version         int             `db:"version" json:"version"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	CreatedBy       string          `db:"created_by" json:"createdBy"`
	SubmittedAt     *time.Time      `db:"submitted_at" json:"submittedAt,omitempty"`
	SubmittedBy     *string         `db:"submitted_by" json:"submittedBy,omitempty"`
	ReviewedAt      *time.Time      `db:"reviewed_at" json:"reviewedAt,omitempty"`
	ReviewedBy      *string         `db:"reviewed_by" json:"reviewedBy,omitempty"`
	ReviewComments  *string         `db:"review_comments" json:"reviewComments,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
	RevisionHistory []Revision      `db:"-" json:"revisionHistory,omitempty"`
}

// Revision is one append-only entry of a report's history.
type Revision struct {
	ReportID  string       `db:"report_id" json:"-"`
	Version   int          `db:"version" json:"version"`
	Status    ReportStatus `db:"status" json:"status"`
	UserID    string       `db:"user_id" json:"user"`
	Comments  *string      `db:"comments" json:"comments,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"timestamp"`
}

// NewDraftReport describes a draft to persist together with its backing asset.
type NewDraftReport struct {
	Report *Report
	Asset  *Asset
}

// RevisionParams describes one status change applied atomically by the store.
type RevisionParams struct {
	ReportID        string
	ExpectedVersion int
	From            ReportStatus
	To              ReportStatus
	UserID          string
	Comments        *string
	At              time.Time
	// LinkAssetID creates the report/asset link in the same write when set.
	LinkAssetID string
	// AssetID and AssetStatus update the linked asset in the same write when set.
	AssetID     string
	AssetStatus AssetStatus
	// CreateAsset is inserted and linked to CreateAssetJobID before the asset
	// side effects run. Its ID must be set by the caller.
	CreateAsset      *Asset
	CreateAssetJobID string
}
