package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/internal/repository"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
)

type workflowFixture struct {
	lifecycle *LifecycleService
	review    *ReviewService
	assets    *AssetService
	store     *fakeStore
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	store := newFakeStore()
	metrics := NewMetricsService()
	cache := NewCacheService(repository.NewMemoryCacheRepository(16, time.Minute), metrics, time.Minute, zap.NewNop())
	lifecycle := NewLifecycleService(store, assetView{store}, nil, LifecycleConfig{}, zap.NewNop(),
		WithLifecycleCache(cache), WithLifecycleMetrics(metrics))
	assets := NewAssetService(assetView{store}, nil, nil, lifecycle, nil, cache, nil, zap.NewNop(), AssetServiceConfig{})
	review := NewReviewService(store, store, cache, time.Second, zap.NewNop())
	return &workflowFixture{lifecycle: lifecycle, review: review, assets: assets, store: store}
}

func (f *workflowFixture) create(t *testing.T, jobID, title string) *models.Report {
	t.Helper()
	report, err := f.lifecycle.CreateDraft(context.Background(), dto.CreateReportRequest{
		JobID: jobID, Title: title, ReportType: "Transformer Test", Payload: []byte(`{"x":1}`),
	}, techAlice)
	require.NoError(t, err)
	return report
}

func (f *workflowFixture) list(t *testing.T, jobID string, status models.ReportStatus) []models.Report {
	t.Helper()
	reports, _, err := f.review.List(context.Background(), dto.ReviewQuery{JobID: jobID, Statuses: []models.ReportStatus{status}}, reviewerRay)
	require.NoError(t, err)
	return reports
}

func TestWorkflowSubmitApproveScenario(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	r := f.create(t, "job-J", "12-Current Transformer")

	_, err := f.lifecycle.Submit(ctx, r.ID, "", techAlice)
	require.NoError(t, err)
	submitted := f.list(t, "job-J", models.ReportStatusSubmitted)
	require.Len(t, submitted, 1)
	require.Equal(t, r.ID, submitted[0].ID)
	require.Equal(t, models.ReportStatusSubmitted, submitted[0].Status)
	require.Equal(t, 2, submitted[0].Version)

	_, err = f.lifecycle.Approve(ctx, r.ID, "looks good", reviewerRay)
	require.NoError(t, err)
	approved := f.list(t, "job-J", models.ReportStatusApproved)
	require.Len(t, approved, 1)
	history := approved[0].RevisionHistory
	require.Len(t, history, 3)
	require.Equal(t, []models.ReportStatus{models.ReportStatusDraft, models.ReportStatusSubmitted, models.ReportStatusApproved},
		[]models.ReportStatus{history[0].Status, history[1].Status, history[2].Status})
	require.Equal(t, "looks good", *history[2].Comments)

	asset, err := f.store.FindByFileRef(ctx, models.NewReportRef("job-J", "Transformer Test", r.ID).String())
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusApproved, asset.Status)
	require.Empty(t, f.list(t, "job-other", models.ReportStatusApproved))
}

func TestWorkflowRejectArchiveScenario(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	r2 := f.create(t, "job-J", "Relay test")

	_, err := f.lifecycle.Submit(ctx, r2.ID, "", techAlice)
	require.NoError(t, err)
	_, err = f.lifecycle.Reject(ctx, r2.ID, "bad data", reviewerRay)
	require.NoError(t, err)
	asset, err := f.store.FindByFileRef(ctx, models.NewReportRef("job-J", "Transformer Test", r2.ID).String())
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusIssue, asset.Status)

	_, err = f.lifecycle.Archive(ctx, r2.ID, "", reviewerRay)
	require.NoError(t, err)
	archived := f.list(t, "job-J", models.ReportStatusArchived)
	require.Len(t, archived, 1)
	require.Equal(t, r2.ID, archived[0].ID)

	_, err = f.lifecycle.Archive(ctx, r2.ID, "", reviewerRay)
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestReviewJobScopeFollowsAssetLinks(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	r := f.create(t, "job-J", "Relay test")
	_, err := f.lifecycle.Submit(ctx, r.ID, "", techAlice)
	require.NoError(t, err)

	reportAsset, err := f.store.FindByFileRef(ctx, models.NewReportRef("job-J", "Transformer Test", r.ID).String())
	require.NoError(t, err)
	require.NoError(t, f.assets.Unlink(ctx, "job-J", reportAsset.ID, techAlice))

	require.Empty(t, f.list(t, "job-J", models.ReportStatusSubmitted))
	_, err = f.store.GetByID(ctx, r.ID)
	require.NoError(t, err)

	_, err = f.assets.Link(ctx, "job-K", reportAsset.ID, techAlice)
	require.NoError(t, err)
	require.Len(t, f.list(t, "job-K", models.ReportStatusSubmitted), 1)
}

func TestReviewRevertRemovesReportFromListing(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	r := f.create(t, "job-J", "Relay test")
	_, err := f.lifecycle.Submit(ctx, r.ID, "", techAlice)
	require.NoError(t, err)
	reportAsset, err := f.store.FindByFileRef(ctx, models.NewReportRef("job-J", "Transformer Test", r.ID).String())
	require.NoError(t, err)

	_, err = f.lifecycle.RevertAsset(ctx, reportAsset.ID, true, techAlice)
	require.NoError(t, err)
	require.Empty(t, f.list(t, "job-J", models.ReportStatusSubmitted))
}

func TestReviewTechnicianSeesOwnReports(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	f.create(t, "job-J", "Alice report")
	_, err := f.lifecycle.CreateDraft(ctx, dto.CreateReportRequest{JobID: "job-J", Title: "Bob report", ReportType: "x"}, techBob)
	require.NoError(t, err)

	reports, page, err := f.review.List(ctx, dto.ReviewQuery{JobID: "job-J"}, techAlice)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "Alice report", reports[0].Title)
	require.Equal(t, 1, page.TotalCount)

	reports, _, err = f.review.List(ctx, dto.ReviewQuery{JobID: "job-J"}, reviewerRay)
	require.NoError(t, err)
	require.Len(t, reports, 2)
}

func TestReviewQueryValidation(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	_, _, err := f.review.List(ctx, dto.ReviewQuery{Statuses: []models.ReportStatus{"pending"}}, reviewerRay)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	from := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	_, _, err = f.review.List(ctx, dto.ReviewQuery{From: &from, To: &to}, reviewerRay)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, _, err = f.review.List(ctx, dto.ReviewQuery{}, nil)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestReviewFoldersAndMetrics(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	a := f.create(t, "job-J", "12-Current Transformer")
	f.create(t, "job-J", "Imported legacy sheet")
	f.create(t, "job-J", "2-Relay")
	f.create(t, "job-J", "Site notes")
	_, err := f.lifecycle.Submit(ctx, a.ID, "", techAlice)
	require.NoError(t, err)

	folders, err := f.review.Folders(ctx, dto.ReviewQuery{JobID: "job-J"}, reviewerRay)
	require.NoError(t, err)
	labels := make([]string, 0, len(folders))
	for _, folder := range folders {
		labels = append(labels, folder.Label)
	}
	require.Equal(t, []string{FolderImported, "2", "12", FolderOther}, labels)

	metrics, err := f.review.Metrics(ctx, dto.ReviewQuery{JobID: "job-J"}, reviewerRay)
	require.NoError(t, err)
	require.Equal(t, models.ReviewMetrics{Total: 4, Draft: 3, Submitted: 1}, metrics)

	_, err = f.lifecycle.Approve(ctx, a.ID, "", reviewerRay)
	require.NoError(t, err)
	metrics, err = f.review.Metrics(ctx, dto.ReviewQuery{JobID: "job-J"}, reviewerRay)
	require.NoError(t, err)
	require.Equal(t, models.ReviewMetrics{Total: 4, Draft: 3, Approved: 1}, metrics)
}

func TestReviewApprovedRegister(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	a := f.create(t, "job-J", "Relay test")
	f.create(t, "job-J", "Draft only")
	_, err := f.lifecycle.Submit(ctx, a.ID, "", techAlice)
	require.NoError(t, err)
	_, err = f.lifecycle.Approve(ctx, a.ID, "", reviewerRay)
	require.NoError(t, err)

	entries, err := f.review.ApprovedRegister(ctx, "job-J", reviewerRay)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, a.ID, entries[0].Report.ID)
	require.NotNil(t, entries[0].Asset)
	require.True(t, models.IsReportRef(entries[0].Asset.FileRef))

	_, err = f.review.ApprovedRegister(ctx, " ", reviewerRay)
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func (f *workflowFixture) seedDrafts(n int, jobID string) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bulk-%05d", i)
		f.store.reports[id] = &models.Report{
			ID: id, JobID: jobID, Title: "Relay test", ReportType: "Transformer Test",
			Status: models.ReportStatusDraft, Version: 1, CreatedBy: techAlice.UserID, CreatedAt: now, UpdatedAt: now,
		}
	}
}

func TestReviewMetricsCountsBeyondScanCap(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	f.seedDrafts(maxReviewScanRows+200, "job-J")

	metrics, err := f.review.Metrics(ctx, dto.ReviewQuery{}, reviewerRay)
	require.NoError(t, err)
	require.Equal(t, models.ReviewMetrics{Total: maxReviewScanRows + 200, Draft: maxReviewScanRows + 200}, metrics)

	metrics, err = f.review.Metrics(ctx, dto.ReviewQuery{Statuses: []models.ReportStatus{models.ReportStatusSubmitted}}, reviewerRay)
	require.NoError(t, err)
	require.Equal(t, models.ReviewMetrics{}, metrics)
}

func TestReviewFoldersRefusesOversizedScope(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	f.seedDrafts(maxReviewScanRows+1, "job-J")

	_, err := f.review.Folders(ctx, dto.ReviewQuery{}, reviewerRay)
	require.ErrorIs(t, err, appErrors.ErrValidation)
	require.Contains(t, appErrors.FromError(err).Message, "narrow the filter")

	folders, err := f.review.Folders(ctx, dto.ReviewQuery{Search: "no such title"}, reviewerRay)
	require.NoError(t, err)
	require.Empty(t, folders)
}

func TestReviewSearchMatchesReportType(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	f.create(t, "job-J", "12-Current Transformer")
	_, err := f.lifecycle.CreateDraft(ctx, dto.CreateReportRequest{JobID: "job-J", Title: "Site walk", ReportType: "Relay Check"}, techAlice)
	require.NoError(t, err)

	reports, _, err := f.review.List(ctx, dto.ReviewQuery{Search: "relay"}, reviewerRay)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "Site walk", reports[0].Title)

	reports, _, err = f.review.List(ctx, dto.ReviewQuery{Search: "TRANSFORMER"}, reviewerRay)
	require.NoError(t, err)
	require.Len(t, reports, 1)
}
