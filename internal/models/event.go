package models

import "time"

// Report event types.
const (
	EventReportStatusChanged = "report.status_changed"
	EventReportDeleted       = "report.deleted"
)

// ReportEvent is the logical notification emitted after a committed change.
type ReportEvent struct {
	Type       string       `json:"type"`
	ReportID   string       `json:"reportId"`
	AssetID    string       `json:"assetId,omitempty"`
	JobID      string       `json:"jobId"`
	From       ReportStatus `json:"from,omitempty"`
	To         ReportStatus `json:"to,omitempty"`
	ActorID    string       `json:"actorId"`
	OccurredAt time.Time    `json:"occurredAt"`
}
