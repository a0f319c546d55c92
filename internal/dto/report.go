package dto

import "encoding/json"

// CreateReportRequest is produced by a report-template form on first save.
type CreateReportRequest struct {
	JobID      string          `json:"jobId" validate:"required,max=128"`
	Title      string          `json:"title" validate:"required,max=255"`
	ReportType string          `json:"reportType" validate:"required,max=128"`
	Payload    json.RawMessage `json:"payload"`
}

// ReviewDecisionRequest carries reviewer comments for approve or reject.
type ReviewDecisionRequest struct {
	Comments string `json:"comments" validate:"max=4000"`
}

// TransitionRequest carries optional comments for submit and archive.
type TransitionRequest struct {
	Comments string `json:"comments" validate:"max=4000"`
}
