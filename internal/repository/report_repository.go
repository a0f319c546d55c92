package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ampline/fieldtest-api/internal/models"
)

const reportColumns = `id, job_id, title, report_type, status, version, payload, created_by,
       submitted_at, submitted_by, reviewed_at, reviewed_by, review_comments, created_at, updated_at`

var (
	// ErrStaleVersion reports that the row changed after the caller read it.
	ErrStaleVersion = errors.New("stale report version")
	// ErrUnsanctionedEdge reports a status change outside the state machine.
	ErrUnsanctionedEdge = errors.New("unsanctioned status change")
)

// RevisionConflictError carries the persisted state observed when a revision was refused.
type RevisionConflictError struct {
	Current models.ReportStatus
	Version int
	Err     error
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("%v: report is %s at version %d", e.Err, e.Current, e.Version)
}

func (e *RevisionConflictError) Unwrap() error { return e.Err }

// ReportRepository persists reports, their revisions and report/asset links.
type ReportRepository struct {
	db *sqlx.DB
}

// NewReportRepository constructs the repository.
func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// CreateDraft stores a draft report with revision 1 together with its backing
// asset and the asset's job link, all in one transaction.
func (r *ReportRepository) CreateDraft(ctx context.Context, draft models.NewDraftReport) (err error) {
	report := draft.Report
	if report == nil {
		return fmt.Errorf("create draft: report required")
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	report.UpdatedAt = report.CreatedAt
	report.Status = models.ReportStatusDraft
	report.Version = 1
	if len(report.Payload) == 0 {
		report.Payload = []byte("{}")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create draft: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertReport = `INSERT INTO reports (id, job_id, title, report_type, status, version, payload, created_by, created_at, updated_at)
	VALUES (:id, :job_id, :title, :report_type, :status, :version, :payload, :created_by, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertReport, report); err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	first := models.Revision{
		ReportID:  report.ID,
		Version:   1,
		Status:    models.ReportStatusDraft,
		UserID:    report.CreatedBy,
		CreatedAt: report.CreatedAt,
	}
	if err = insertRevision(ctx, tx, &first); err != nil {
		return err
	}
	if asset := draft.Asset; asset != nil {
		prepareAsset(asset)
		if err = insertAsset(ctx, tx, asset); err != nil {
			return err
		}
		if err = linkAsset(ctx, tx, report.JobID, asset.ID); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create draft: %w", err)
	}
	report.RevisionHistory = []models.Revision{first}
	return nil
}

// GetByID fetches a report with its full revision history.
func (r *ReportRepository) GetByID(ctx context.Context, id string) (*models.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1`
	var report models.Report
	if err := r.db.GetContext(ctx, &report, query, id); err != nil {
		return nil, err
	}
	history, err := selectRevisions(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	report.RevisionHistory = history
	return &report, nil
}

// GetByAssetID resolves the report backing an asset through the report link.
// It returns sql.ErrNoRows when no report backs the asset.
func (r *ReportRepository) GetByAssetID(ctx context.Context, assetID string) (*models.Report, error) {
	const query = `SELECT r.id FROM reports r JOIN report_assets ra ON ra.report_id = r.id WHERE ra.asset_id = $1`
	var id string
	if err := r.db.GetContext(ctx, &id, query, assetID); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// AppendRevision applies one status change: a conditional update keyed on the
// expected version, one revision row and the optional asset writes.
// Everything commits together or not at all.
func (r *ReportRepository) AppendRevision(ctx context.Context, params models.RevisionParams) (report *models.Report, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append revision: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current struct {
		Status  models.ReportStatus `db:"status"`
		Version int                 `db:"version"`
	}
	if err = tx.GetContext(ctx, &current, `SELECT status, version FROM reports WHERE id = $1 FOR UPDATE`, params.ReportID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("lock report: %w", err)
	}
	if current.Version != params.ExpectedVersion || (params.From != "" && current.Status != params.From) {
		err = &RevisionConflictError{Current: current.Status, Version: current.Version, Err: ErrStaleVersion}
		return nil, err
	}
	if !models.CanTransition(current.Status, params.To) {
		err = &RevisionConflictError{Current: current.Status, Version: current.Version, Err: ErrUnsanctionedEdge}
		return nil, err
	}

	at := params.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	setParts := []string{"status = :status", "version = version + 1", "updated_at = :at"}
	switch params.To {
	case models.ReportStatusSubmitted:
		setParts = append(setParts, "submitted_at = :at", "submitted_by = :user_id", "reviewed_at = NULL", "reviewed_by = NULL", "review_comments = NULL")
	case models.ReportStatusApproved, models.ReportStatusRejected:
		setParts = append(setParts, "reviewed_at = :at", "reviewed_by = :user_id", "review_comments = :comments")
	}
	update := fmt.Sprintf(`UPDATE reports SET %s WHERE id = :id AND version = :expected_version RETURNING %s`,
		strings.Join(setParts, ", "), reportColumns)
	bound, args, err := tx.BindNamed(update, map[string]interface{}{
		"id":               params.ReportID,
		"expected_version": params.ExpectedVersion,
		"status":           params.To,
		"at":               at,
		"user_id":          params.UserID,
		"comments":         params.Comments,
	})
	if err != nil {
		return nil, fmt.Errorf("bind report update: %w", err)
	}
	var updated models.Report
	if err = tx.GetContext(ctx, &updated, bound, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = &RevisionConflictError{Current: current.Status, Version: current.Version, Err: ErrStaleVersion}
			return nil, err
		}
		return nil, fmt.Errorf("update report status: %w", err)
	}

	rev := models.Revision{
		ReportID:  params.ReportID,
		Version:   updated.Version,
		Status:    params.To,
		UserID:    params.UserID,
		Comments:  params.Comments,
		CreatedAt: at,
	}
	if err = insertRevision(ctx, tx, &rev); err != nil {
		return nil, err
	}
	if asset := params.CreateAsset; asset != nil {
		prepareAsset(asset)
		if err = insertAsset(ctx, tx, asset); err != nil {
			return nil, err
		}
		if params.CreateAssetJobID != "" {
			if err = linkAsset(ctx, tx, params.CreateAssetJobID, asset.ID); err != nil {
				return nil, err
			}
		}
	}
	if params.LinkAssetID != "" {
		const link = `INSERT INTO report_assets (report_id, asset_id, linked_at) VALUES ($1, $2, $3)
		ON CONFLICT (report_id, asset_id) DO NOTHING`
		if _, err = tx.ExecContext(ctx, link, params.ReportID, params.LinkAssetID, at); err != nil {
			return nil, fmt.Errorf("link report to asset: %w", err)
		}
	}
	if params.AssetID != "" && params.AssetStatus != "" {
		res, execErr := tx.ExecContext(ctx, `UPDATE assets SET status = $2, updated_at = $3 WHERE id = $1`, params.AssetID, params.AssetStatus, at)
		if execErr != nil {
			err = fmt.Errorf("sync asset status: %w", execErr)
			return nil, err
		}
		if rows, rowsErr := res.RowsAffected(); rowsErr == nil && rows == 0 {
			err = fmt.Errorf("sync asset status: asset %s missing", params.AssetID)
			return nil, err
		}
	}
	history, err := selectRevisions(ctx, tx, params.ReportID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append revision: %w", err)
	}
	updated.RevisionHistory = history
	return &updated, nil
}

// RevertAsset deletes the backing report (when reportID is set) and moves the
// asset from ready_for_review back to in_progress in one transaction. A
// concurrent status change on the asset yields ErrStaleVersion.
func (r *ReportRepository) RevertAsset(ctx context.Context, assetID, reportID string) (asset *models.Asset, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin revert asset: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if reportID != "" {
		if err = deleteReport(ctx, tx, reportID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		err = nil
	}
	query := `UPDATE assets SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4 RETURNING ` + assetColumns
	var reverted models.Asset
	if err = tx.GetContext(ctx, &reverted, query, assetID, models.AssetStatusInProgress, time.Now().UTC(), models.AssetStatusReadyForReview); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrStaleVersion
			return nil, err
		}
		return nil, fmt.Errorf("revert asset status: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit revert asset: %w", err)
	}
	return &reverted, nil
}

// ListForReview returns reports matching the filter and the total match count.
// With a job filter, only reports reachable through the job's current asset
// links are returned.
func (r *ReportRepository) ListForReview(ctx context.Context, filter models.ReviewFilter) ([]models.Report, int, error) {
	where, args := reviewWhere(filter)

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM reports r"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count review reports: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT r.id, r.job_id, r.title, r.report_type, r.status, r.version, r.payload, r.created_by,
       r.submitted_at, r.submitted_by, r.reviewed_at, r.reviewed_by, r.review_comments, r.created_at, r.updated_at
	FROM reports r%s
	ORDER BY COALESCE(r.submitted_at, r.created_at) DESC, r.id
	LIMIT %d OFFSET %d`, where, limit, offset)

	var reports []models.Report
	if err := r.db.SelectContext(ctx, &reports, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list review reports: %w", err)
	}
	return reports, total, nil
}

// CountByStatus counts every report matching the filter per status. Limit and
// Offset are ignored.
func (r *ReportRepository) CountByStatus(ctx context.Context, filter models.ReviewFilter) (map[models.ReportStatus]int, error) {
	where, args := reviewWhere(filter)
	var rows []struct {
		Status models.ReportStatus `db:"status"`
		Count  int                 `db:"count"`
	}
	query := "SELECT r.status, COUNT(*) AS count FROM reports r" + where + " GROUP BY r.status"
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count reports by status: %w", err)
	}
	counts := make(map[models.ReportStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func reviewWhere(filter models.ReviewFilter) (string, []interface{}) {
	args := make([]interface{}, 0, 8)
	conditions := make([]string, 0, 6)

	if filter.JobID != "" {
		args = append(args, filter.JobID)
		conditions = append(conditions, fmt.Sprintf(`EXISTS (
		SELECT 1 FROM job_assets ja
		JOIN assets a ON a.id = ja.asset_id
		WHERE ja.job_id = $%d AND (
			EXISTS (SELECT 1 FROM report_assets ra WHERE ra.asset_id = a.id AND ra.report_id = r.id)
			OR (a.kind = 'report' AND a.file_ref LIKE 'report:%%/' || r.id::text)))`, len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("r.status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("COALESCE(r.submitted_at, r.created_at) >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("COALESCE(r.submitted_at, r.created_at) <= $%d", len(args)))
	}
	if len(filter.ReportTypes) > 0 {
		placeholders := make([]string, len(filter.ReportTypes))
		for i, t := range filter.ReportTypes {
			args = append(args, t)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("r.report_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if term := strings.TrimSpace(filter.Search); term != "" {
		args = append(args, "%"+escapeLike(term)+"%")
		conditions = append(conditions, fmt.Sprintf("(r.title ILIKE $%d OR r.report_type ILIKE $%d)", len(args), len(args)))
	}
	if filter.AuthorID != "" {
		args = append(args, filter.AuthorID)
		conditions = append(conditions, fmt.Sprintf("r.created_by = $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func insertRevision(ctx context.Context, tx *sqlx.Tx, rev *models.Revision) error {
	const query = `INSERT INTO report_revisions (report_id, version, status, user_id, comments, created_at)
	VALUES (:report_id, :version, :status, :user_id, :comments, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, rev); err != nil {
		return fmt.Errorf("append revision: %w", err)
	}
	return nil
}

func selectRevisions(ctx context.Context, q sqlx.QueryerContext, reportID string) ([]models.Revision, error) {
	const query = `SELECT report_id, version, status, user_id, comments, created_at
	FROM report_revisions WHERE report_id = $1 ORDER BY version`
	var revisions []models.Revision
	if err := sqlx.SelectContext(ctx, q, &revisions, query, reportID); err != nil {
		return nil, fmt.Errorf("load revision history: %w", err)
	}
	return revisions, nil
}

func deleteReport(ctx context.Context, tx *sqlx.Tx, reportID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM report_assets WHERE report_id = $1`, reportID); err != nil {
		return fmt.Errorf("delete report link: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM report_revisions WHERE report_id = $1`, reportID); err != nil {
		return fmt.Errorf("delete report revisions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, reportID)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check report delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}
