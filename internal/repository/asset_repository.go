package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ampline/fieldtest-api/internal/models"
)

const assetColumns = `id, name, file_ref, kind, status, created_by, created_at, updated_at`

// AssetRepository persists assets and their job links.
type AssetRepository struct {
	db *sqlx.DB
}

// NewAssetRepository constructs the repository.
func NewAssetRepository(db *sqlx.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Create inserts an asset and, when jobID is set, links it to that job in the same transaction.
func (r *AssetRepository) Create(ctx context.Context, asset *models.Asset, jobID string) (err error) {
	prepareAsset(asset)
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create asset: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = insertAsset(ctx, tx, asset); err != nil {
		return err
	}
	if jobID != "" {
		if err = linkAsset(ctx, tx, jobID, asset.ID); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create asset: %w", err)
	}
	return nil
}

// GetByID fetches an asset by identifier.
func (r *AssetRepository) GetByID(ctx context.Context, id string) (*models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`
	var asset models.Asset
	if err := r.db.GetContext(ctx, &asset, query, id); err != nil {
		return nil, err
	}
	return &asset, nil
}

// FindByFileRef fetches the asset holding the given file reference.
func (r *AssetRepository) FindByFileRef(ctx context.Context, fileRef string) (*models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE file_ref = $1 ORDER BY created_at LIMIT 1`
	var asset models.Asset
	if err := r.db.GetContext(ctx, &asset, query, fileRef); err != nil {
		return nil, err
	}
	return &asset, nil
}

// LinkToJob records a job/asset pair. Relinking an existing pair is a no-op.
func (r *AssetRepository) LinkToJob(ctx context.Context, jobID, assetID string) error {
	return linkAsset(ctx, r.db, jobID, assetID)
}

// UnlinkFromJob removes the job/asset pair and returns how many jobs still
// reference the asset. A missing pair yields sql.ErrNoRows.
func (r *AssetRepository) UnlinkFromJob(ctx context.Context, jobID, assetID string) (remaining int, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin unlink asset: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM job_assets WHERE job_id = $1 AND asset_id = $2`, jobID, assetID)
	if err != nil {
		return 0, fmt.Errorf("unlink asset: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check unlink rows: %w", err)
	}
	if rows == 0 {
		err = sql.ErrNoRows
		return 0, err
	}
	if err = tx.GetContext(ctx, &remaining, `SELECT COUNT(*) FROM job_assets WHERE asset_id = $1`, assetID); err != nil {
		return 0, fmt.Errorf("count asset links: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit unlink asset: %w", err)
	}
	return remaining, nil
}

// ListForJob returns assets linked to the job. Order is by name for stable output only.
func (r *AssetRepository) ListForJob(ctx context.Context, jobID string) ([]models.Asset, error) {
	const query = `SELECT a.id, a.name, a.file_ref, a.kind, a.status, a.created_by, a.created_at, a.updated_at
	FROM assets a
	JOIN job_assets ja ON ja.asset_id = a.id
	WHERE ja.job_id = $1
	ORDER BY a.name`
	var assets []models.Asset
	if err := r.db.SelectContext(ctx, &assets, query, jobID); err != nil {
		return nil, fmt.Errorf("list job assets: %w", err)
	}
	return assets, nil
}

// UpdateStatus sets the asset status unconditionally.
func (r *AssetRepository) UpdateStatus(ctx context.Context, id string, status models.AssetStatus) error {
	const query = `UPDATE assets SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update asset status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check asset status rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the asset record; job and report links cascade.
func (r *AssetRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check asset delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type reportAssetRow struct {
	ReportID string `db:"report_id"`
	models.Asset
}

// AssetsByReportIDs maps report ids to their backing asset. Submitted reports
// resolve through the report link, drafts through their report reference.
func (r *AssetRepository) AssetsByReportIDs(ctx context.Context, reportIDs []string) (map[string]models.Asset, error) {
	result := make(map[string]models.Asset, len(reportIDs))
	if len(reportIDs) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT COALESCE(ra.report_id::text, split_part(a.file_ref, '/', 3)) AS report_id,
       a.id, a.name, a.file_ref, a.kind, a.status, a.created_by, a.created_at, a.updated_at
	FROM assets a
	LEFT JOIN report_assets ra ON ra.asset_id = a.id
	WHERE ra.report_id::text IN (?)
	   OR (ra.report_id IS NULL AND a.kind = 'report' AND split_part(a.file_ref, '/', 3) IN (?))`, reportIDs, reportIDs)
	if err != nil {
		return nil, fmt.Errorf("build report assets query: %w", err)
	}
	var rows []reportAssetRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list report assets: %w", err)
	}
	for _, row := range rows {
		result[row.ReportID] = row.Asset
	}
	return result, nil
}

func prepareAsset(asset *models.Asset) {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = asset.CreatedAt
	if asset.Status == "" {
		asset.Status = models.AssetStatusInProgress
	}
	if asset.Kind == "" {
		asset.Kind = models.AssetKindUpload
		if models.IsReportRef(asset.FileRef) {
			asset.Kind = models.AssetKindReport
		}
	}
}

func insertAsset(ctx context.Context, exec sqlx.ExtContext, asset *models.Asset) error {
	const query = `INSERT INTO assets (id, name, file_ref, kind, status, created_by, created_at, updated_at)
	VALUES (:id, :name, :file_ref, :kind, :status, :created_by, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, asset); err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

func linkAsset(ctx context.Context, exec sqlx.ExecerContext, jobID, assetID string) error {
	const query = `INSERT INTO job_assets (job_id, asset_id, linked_at) VALUES ($1, $2, $3)
	ON CONFLICT (job_id, asset_id) DO NOTHING`
	if _, err := exec.ExecContext(ctx, query, jobID, assetID, time.Now().UTC()); err != nil {
		return fmt.Errorf("link asset to job: %w", err)
	}
	return nil
}
