package dto

import (
	"time"

	"github.com/ampline/fieldtest-api/internal/models"
)

// ReviewQuery mirrors review listing filters.
type ReviewQuery struct {
	JobID       string
	Statuses    []models.ReportStatus
	From        *time.Time
	To          *time.Time
	ReportTypes []string
	Search      string
	Page        int
	PageSize    int
}

// ExportRequest renders the approved-report register of a job.
type ExportRequest struct {
	JobID  string              `json:"jobId" validate:"required"`
	Format models.ExportFormat `json:"format" validate:"required,oneof=pdf csv"`
}
