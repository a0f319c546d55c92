package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ampline/fieldtest-api/internal/models"
)

var reportRowColumns = []string{"id", "job_id", "title", "report_type", "status", "version", "payload", "created_by",
	"submitted_at", "submitted_by", "reviewed_at", "reviewed_by", "review_comments", "created_at", "updated_at"}

var revisionRowColumns = []string{"report_id", "version", "status", "user_id", "comments", "created_at"}

func TestReportRepositoryCreateDraftWritesAssetAndLink(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reports")).
		WithArgs(sqlmock.AnyArg(), "job-1", "12-Current Transformer", "current-transformer", "draft", 1, sqlmock.AnyArg(), "tech-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO report_revisions")).
		WithArgs(sqlmock.AnyArg(), 1, "draft", "tech-1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assets")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_assets")).
		WithArgs("job-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	report := &models.Report{JobID: "job-1", Title: "12-Current Transformer", ReportType: "current-transformer", CreatedBy: "tech-1", Payload: []byte(`{"x":1}`)}
	asset := &models.Asset{Name: report.Title, Kind: models.AssetKindReport, CreatedBy: "tech-1"}
	require.NoError(t, repo.CreateDraft(context.Background(), models.NewDraftReport{Report: report, Asset: asset}))
	require.Equal(t, models.ReportStatusDraft, report.Status)
	require.Equal(t, 1, report.Version)
	require.Len(t, report.RevisionHistory, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryCreateDraftRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reports")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO report_revisions")).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	report := &models.Report{JobID: "job-1", Title: "t", ReportType: "ct", CreatedBy: "tech-1"}
	err := repo.CreateDraft(context.Background(), models.NewDraftReport{Report: report})
	require.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryGetByIDLoadsHistory(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM reports WHERE id = $1")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows(reportRowColumns).
			AddRow("rep-1", "job-1", "CT", "ct", "submitted", 2, []byte(`{"x":1}`), "tech-1", now, "tech-1", nil, nil, nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM report_revisions WHERE report_id = $1 ORDER BY version")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows(revisionRowColumns).
			AddRow("rep-1", 1, "draft", "tech-1", nil, now).
			AddRow("rep-1", 2, "submitted", "tech-1", nil, now))

	report, err := repo.GetByID(context.Background(), "rep-1")
	require.NoError(t, err)
	require.Equal(t, models.ReportStatusSubmitted, report.Status)
	require.JSONEq(t, `{"x":1}`, string(report.Payload))
	require.Len(t, report.RevisionHistory, 2)
	require.Equal(t, report.Status, report.RevisionHistory[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryGetByAssetIDNone(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("JOIN report_assets ra ON ra.report_id = r.id")).
		WithArgs("asset-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByAssetID(context.Background(), "asset-1")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryAppendRevisionSubmit(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, version FROM reports WHERE id = $1 FOR UPDATE")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("draft", 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE reports SET status = ?, version = version + 1")).
		WillReturnRows(sqlmock.NewRows(reportRowColumns).
			AddRow("rep-1", "job-1", "CT", "ct", "submitted", 2, []byte(`{}`), "tech-1", now, "tech-1", nil, nil, nil, now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO report_revisions")).
		WithArgs("rep-1", 2, "submitted", "tech-1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO report_assets")).
		WithArgs("rep-1", "asset-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = $2")).
		WithArgs("asset-1", "ready_for_review", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM report_revisions")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows(revisionRowColumns).
			AddRow("rep-1", 1, "draft", "tech-1", nil, now).
			AddRow("rep-1", 2, "submitted", "tech-1", nil, now))
	mock.ExpectCommit()

	report, err := repo.AppendRevision(context.Background(), models.RevisionParams{
		ReportID:        "rep-1",
		ExpectedVersion: 1,
		From:            models.ReportStatusDraft,
		To:              models.ReportStatusSubmitted,
		UserID:          "tech-1",
		LinkAssetID:     "asset-1",
		AssetID:         "asset-1",
		AssetStatus:     models.AssetStatusReadyForReview,
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Version)
	require.Len(t, report.RevisionHistory, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryAppendRevisionInsertsMissingAsset(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("draft", 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE reports SET")).
		WillReturnRows(sqlmock.NewRows(reportRowColumns).
			AddRow("rep-1", "job-1", "CT", "ct", "submitted", 2, []byte(`{}`), "tech-1", now, "tech-1", nil, nil, nil, now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO report_revisions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assets")).
		WithArgs("asset-new", "CT", "report:job-1/ct/rep-1", "report", "in_progress", "tech-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	_, err := repo.AppendRevision(context.Background(), models.RevisionParams{
		ReportID:         "rep-1",
		ExpectedVersion:  1,
		From:             models.ReportStatusDraft,
		To:               models.ReportStatusSubmitted,
		UserID:           "tech-1",
		LinkAssetID:      "asset-new",
		AssetID:          "asset-new",
		AssetStatus:      models.AssetStatusReadyForReview,
		CreateAsset:      &models.Asset{ID: "asset-new", Name: "CT", FileRef: "report:job-1/ct/rep-1", CreatedBy: "tech-1"},
		CreateAssetJobID: "job-1",
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryAppendRevisionStaleVersion(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("approved", 3))
	mock.ExpectRollback()

	_, err := repo.AppendRevision(context.Background(), models.RevisionParams{
		ReportID: "rep-1", ExpectedVersion: 2, From: models.ReportStatusSubmitted, To: models.ReportStatusRejected, UserID: "rev-1",
	})
	require.ErrorIs(t, err, ErrStaleVersion)
	var conflict *RevisionConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, models.ReportStatusApproved, conflict.Current)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryAppendRevisionRejectsUnsanctionedEdge(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("archived", 5))
	mock.ExpectRollback()

	_, err := repo.AppendRevision(context.Background(), models.RevisionParams{
		ReportID: "rep-1", ExpectedVersion: 5, To: models.ReportStatusArchived, UserID: "rev-1",
	})
	require.ErrorIs(t, err, ErrUnsanctionedEdge)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryAppendRevisionLostUpdate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("rep-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("submitted", 2))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE reports SET")).
		WillReturnRows(sqlmock.NewRows(reportRowColumns))
	mock.ExpectRollback()

	_, err := repo.AppendRevision(context.Background(), models.RevisionParams{
		ReportID: "rep-1", ExpectedVersion: 2, From: models.ReportStatusSubmitted, To: models.ReportStatusApproved, UserID: "rev-1",
	})
	require.ErrorIs(t, err, ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryAppendRevisionUnknownReport(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("rep-404").
		WillReturnRows(sqlmock.NewRows([]string{"status", "version"}))
	mock.ExpectRollback()

	_, err := repo.AppendRevision(context.Background(), models.RevisionParams{ReportID: "rep-404", ExpectedVersion: 1, To: models.ReportStatusSubmitted})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryRevertAssetDeletesReport(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM report_assets WHERE report_id = $1")).WithArgs("rep-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM report_revisions WHERE report_id = $1")).WithArgs("rep-1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reports WHERE id = $1")).WithArgs("rep-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE assets SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4")).
		WithArgs("asset-1", "in_progress", sqlmock.AnyArg(), "ready_for_review").
		WillReturnRows(sqlmock.NewRows(assetRowColumns).
			AddRow("asset-1", "CT", "report:job-1/ct/rep-1", "report", "in_progress", "tech-1", now, now))
	mock.ExpectCommit()

	asset, err := repo.RevertAsset(context.Background(), "asset-1", "rep-1")
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusInProgress, asset.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryRevertAssetWithoutReport(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE assets SET status = $2")).
		WithArgs("asset-1", "in_progress", sqlmock.AnyArg(), "ready_for_review").
		WillReturnRows(sqlmock.NewRows(assetRowColumns))
	mock.ExpectRollback()

	_, err := repo.RevertAsset(context.Background(), "asset-1", "")
	require.ErrorIs(t, err, ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryListForReviewScopesToJobLinks(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM reports r WHERE EXISTS")).
		WithArgs("job-1", "submitted", "%trans%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`(?s)FROM reports r WHERE EXISTS .*JOIN job_assets.*r\.status IN \(\$2\).*ILIKE \$3.*LIMIT 100 OFFSET 0`).
		WithArgs("job-1", "submitted", "%trans%").
		WillReturnRows(sqlmock.NewRows(reportRowColumns).
			AddRow("rep-1", "job-1", "12-Current Transformer", "ct", "submitted", 2, []byte(`{}`), "tech-1", now, "tech-1", nil, nil, nil, now, now))

	reports, total, err := repo.ListForReview(context.Background(), models.ReviewFilter{
		JobID:    "job-1",
		Statuses: []models.ReportStatus{models.ReportStatusSubmitted},
		Search:   "trans",
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, reports, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryListForReviewAuthorScope(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM reports r WHERE COALESCE(r.submitted_at, r.created_at) >= $1 AND r.report_type IN ($2) AND r.created_by = $3")).
		WithArgs(from, "ct", "tech-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY COALESCE(r.submitted_at, r.created_at) DESC")).
		WithArgs(from, "ct", "tech-1").
		WillReturnRows(sqlmock.NewRows(reportRowColumns))

	reports, total, err := repo.ListForReview(context.Background(), models.ReviewFilter{
		From:        &from,
		ReportTypes: []string{"ct"},
		AuthorID:    "tech-1",
	})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, reports)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepositoryCountByStatusSharesReviewFilter(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewReportRepository(db)
	mock.ExpectQuery(`(?s)SELECT r\.status, COUNT\(\*\) AS count FROM reports r WHERE EXISTS .*JOIN job_assets.*r\.created_by = \$2 GROUP BY r\.status`).
		WithArgs("job-1", "tech-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("draft", 5100).
			AddRow("submitted", 100))

	counts, err := repo.CountByStatus(context.Background(), models.ReviewFilter{JobID: "job-1", AuthorID: "tech-1", Limit: 10})
	require.NoError(t, err)
	require.Equal(t, map[models.ReportStatus]int{models.ReportStatusDraft: 5100, models.ReportStatusSubmitted: 100}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}
