package models

import (
	"strings"
	"time"
	"unicode"
)

// AssetStatus tracks review progress of an asset.
type AssetStatus string

const (
	AssetStatusInProgress     AssetStatus = "in_progress"
	AssetStatusReadyForReview AssetStatus = "ready_for_review"
	AssetStatusApproved       AssetStatus = "approved"
	AssetStatusIssue          AssetStatus = "issue"
)

// Valid reports whether s is a known asset status.
func (s AssetStatus) Valid() bool {
	switch s {
	case AssetStatusInProgress, AssetStatusReadyForReview, AssetStatusApproved, AssetStatusIssue:
		return true
	}
	return false
}

// AssetKind distinguishes uploaded files from generated reports.
type AssetKind string

const (
	AssetKindUpload AssetKind = "upload"
	AssetKindReport AssetKind = "report"
)

// Asset is a document or generated report reachable from one or more jobs.
type Asset struct {
	ID        string      `db:"id" json:"id"`
	Name      string      `db:"name" json:"name"`
	FileRef   string      `db:"file_ref" json:"fileRef"`
	Kind      AssetKind   `db:"kind" json:"kind"`
	Status    AssetStatus `db:"status" json:"status"`
	CreatedBy string      `db:"created_by" json:"createdBy"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time   `db:"updated_at" json:"updatedAt"`
}

// IsReport reports whether the asset is backed by a generated report.
func (a *Asset) IsReport() bool {
	return a != nil && (a.Kind == AssetKindReport || IsReportRef(a.FileRef))
}

const reportRefPrefix = "report:"

// ReportRef is the structured file reference of a report-backed asset:
// report:<job-id>/<template-slug>/<report-id>.
type ReportRef struct {
	JobID        string
	TemplateSlug string
	ReportID     string
}

// String renders the reference.
func (r ReportRef) String() string {
	return reportRefPrefix + r.JobID + "/" + r.TemplateSlug + "/" + r.ReportID
}

// NewReportRef builds the reference for a report of the given template type.
func NewReportRef(jobID, reportType, reportID string) ReportRef {
	return ReportRef{JobID: jobID, TemplateSlug: TemplateSlug(reportType), ReportID: reportID}
}

// IsReportRef reports whether ref uses the report reference scheme.
func IsReportRef(ref string) bool {
	return strings.HasPrefix(ref, reportRefPrefix)
}

// ParseReportRef splits a report reference into its parts.
func ParseReportRef(ref string) (ReportRef, bool) {
	if !IsReportRef(ref) {
		return ReportRef{}, false
	}
	parts := strings.Split(strings.TrimPrefix(ref, reportRefPrefix), "/")
	if len(parts) != 3 {
		return ReportRef{}, false
	}
	for _, p := range parts {
		if p == "" {
			return ReportRef{}, false
		}
	}
	return ReportRef{JobID: parts[0], TemplateSlug: parts[1], ReportID: parts[2]}, true
}

// TemplateSlug normalises a report type into a lower-case dash separated slug.
func TemplateSlug(reportType string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(reportType) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// AssetFilter constrains asset listings.
type AssetFilter struct {
	JobID  string
	Status []AssetStatus
}
