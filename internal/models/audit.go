package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionReportCreate  = "REPORT_CREATE"
	AuditActionReportSubmit  = "REPORT_SUBMIT"
	AuditActionReportApprove = "REPORT_APPROVE"
	AuditActionReportReject  = "REPORT_REJECT"
	AuditActionReportArchive = "REPORT_ARCHIVE"
	AuditActionAssetCreate   = "ASSET_CREATE"
	AuditActionAssetUnlink   = "ASSET_UNLINK"
	AuditActionAssetStatus   = "ASSET_STATUS_UPDATE"
	AuditActionAssetRevert   = "ASSET_REVERT"
)

// Audit resources.
const (
	AuditResourceReport = "report"
	AuditResourceAsset  = "asset"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
