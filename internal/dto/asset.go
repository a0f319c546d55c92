package dto

import "github.com/ampline/fieldtest-api/internal/models"

// CreateAssetRequest registers an asset whose bytes are already stored.
type CreateAssetRequest struct {
	Name    string             `json:"name" validate:"required,max=255"`
	FileRef string             `json:"fileRef" validate:"required"`
	Status  models.AssetStatus `json:"status" validate:"omitempty,asset_status"`
}

// UpdateAssetStatusRequest is a direct owner edit of an asset status.
// Confirm must be set to revert a report-backed asset to in_progress.
type UpdateAssetStatusRequest struct {
	Status  models.AssetStatus `json:"status" validate:"required,asset_status"`
	Confirm bool               `json:"confirm"`
}

// DownloadURLResponse carries a signed download link.
type DownloadURLResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt"`
}

// RevertResult reports what a revert removed.
type RevertResult struct {
	Asset           *models.Asset `json:"asset"`
	DeletedReportID *string       `json:"deletedReportId,omitempty"`
}
