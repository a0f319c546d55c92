package models

import "time"

// ReviewFilter is the per-request query for the review surface.
type ReviewFilter struct {
	JobID       string
	Statuses    []ReportStatus
	From        *time.Time
	To          *time.Time
	ReportTypes []string
	Search      string
	// AuthorID restricts results to reports created by the user.
	AuthorID string
	Limit    int
	Offset   int
}

// ReportFolder is one labelled group of reports in review order.
type ReportFolder struct {
	Label   string        `json:"label"`
	Reports []Report      `json:"reports"`
	Metrics ReviewMetrics `json:"metrics"`
}

// ReviewMetrics counts reports by lifecycle status.
type ReviewMetrics struct {
	Total     int `json:"total"`
	Draft     int `json:"draft"`
	Submitted int `json:"submitted"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Archived  int `json:"archived"`
}

// ExportFormat enumerates approved-register formats.
type ExportFormat string

const (
	ExportFormatPDF ExportFormat = "pdf"
	ExportFormatCSV ExportFormat = "csv"
)

// ExportResult describes a rendered register ready for download.
type ExportResult struct {
	ID        string       `json:"id"`
	Format    ExportFormat `json:"format"`
	Records   int          `json:"records"`
	URL       string       `json:"url"`
	ExpiresAt time.Time    `json:"expiresAt"`
}
