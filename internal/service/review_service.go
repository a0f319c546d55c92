package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
)

const (
	defaultReviewPageSize = 25
	maxReviewPageSize     = 100
	reviewScanPageSize    = 500
	maxReviewScanRows     = 5000
)

type reviewReportStore interface {
	ListForReview(ctx context.Context, filter models.ReviewFilter) ([]models.Report, int, error)
	CountByStatus(ctx context.Context, filter models.ReviewFilter) (map[models.ReportStatus]int, error)
}

type reviewAssetStore interface {
	AssetsByReportIDs(ctx context.Context, reportIDs []string) (map[string]models.Asset, error)
}

type reviewCache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{})
}

// RegisterEntry is one approved report with its asset file reference.
type RegisterEntry struct {
	Report models.Report
	Asset  *models.Asset
}

// ReviewService is the read-only review surface over reports and assets.
type ReviewService struct {
	reports      reviewReportStore
	assets       reviewAssetStore
	cache        reviewCache
	logger       *zap.Logger
	storeTimeout time.Duration
}

// NewReviewService constructs the review surface. cache may be nil.
func NewReviewService(reports reviewReportStore, assets reviewAssetStore, cache reviewCache, storeTimeout time.Duration, logger *zap.Logger) *ReviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &ReviewService{reports: reports, assets: assets, cache: cache, logger: logger, storeTimeout: storeTimeout}
}

// List returns one page of reports matching the query. Users without
// read-all access only see reports they authored.
func (s *ReviewService) List(ctx context.Context, query dto.ReviewQuery, actor *models.JWTClaims) ([]models.Report, *models.Pagination, error) {
	filter, err := s.filterFor(query, actor)
	if err != nil {
		return nil, nil, err
	}
	page, size := normalisePage(query.Page, query.PageSize)
	filter.Limit = size
	filter.Offset = (page - 1) * size

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	reports, total, err := s.reports.ListForReview(storeCtx, filter)
	if err != nil {
		return nil, nil, appErrors.Dependency(err, "failed to list reports")
	}
	if reports == nil {
		reports = []models.Report{}
	}
	return reports, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Folders groups every report matching the query by its asset folder.
func (s *ReviewService) Folders(ctx context.Context, query dto.ReviewQuery, actor *models.JWTClaims) ([]models.ReportFolder, error) {
	filter, err := s.filterFor(query, actor)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	reports, err := s.scan(storeCtx, filter)
	if err != nil {
		return nil, err
	}
	assets, err := s.assetsFor(storeCtx, reports)
	if err != nil {
		return nil, err
	}
	folders := GroupReportsByFolder(reports, assets)
	if folders == nil {
		folders = []models.ReportFolder{}
	}
	return folders, nil
}

// Metrics counts every report matching the query per status in the store.
// Results are cached per job and author scope until the next lifecycle change.
func (s *ReviewService) Metrics(ctx context.Context, query dto.ReviewQuery, actor *models.JWTClaims) (models.ReviewMetrics, error) {
	filter, err := s.filterFor(query, actor)
	if err != nil {
		return models.ReviewMetrics{}, err
	}
	key, cacheable := metricsCacheKey(filter)
	if cacheable && s.cache != nil {
		var cached models.ReviewMetrics
		if s.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	counts, err := s.reports.CountByStatus(storeCtx, filter)
	if err != nil {
		return models.ReviewMetrics{}, appErrors.Dependency(err, "failed to count reports")
	}
	metrics := MetricsFromCounts(counts)
	if cacheable && s.cache != nil {
		s.cache.Set(ctx, key, metrics)
	}
	return metrics, nil
}

// ApprovedRegister lists the approved reports of a job with their asset file
// references, ordered by review time.
func (s *ReviewService) ApprovedRegister(ctx context.Context, jobID string, actor *models.JWTClaims) ([]RegisterEntry, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "jobId is required")
	}
	filter, err := s.filterFor(dto.ReviewQuery{JobID: jobID, Statuses: []models.ReportStatus{models.ReportStatusApproved}}, actor)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	reports, err := s.scan(storeCtx, filter)
	if err != nil {
		return nil, err
	}
	assets, err := s.assetsFor(storeCtx, reports)
	if err != nil {
		return nil, err
	}
	entries := make([]RegisterEntry, 0, len(reports))
	for _, r := range reports {
		entry := RegisterEntry{Report: r}
		if a, ok := assets[r.ID]; ok {
			asset := a
			entry.Asset = &asset
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return reviewedAt(entries[i].Report).Before(reviewedAt(entries[j].Report))
	})
	return entries, nil
}

func (s *ReviewService) filterFor(query dto.ReviewQuery, actor *models.JWTClaims) (models.ReviewFilter, error) {
	if err := Authorize(actor, models.PermReviewRead); err != nil {
		return models.ReviewFilter{}, err
	}
	for _, st := range query.Statuses {
		if !st.Valid() {
			return models.ReviewFilter{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown report status %q", st))
		}
	}
	if query.From != nil && query.To != nil && query.From.After(*query.To) {
		return models.ReviewFilter{}, appErrors.Clone(appErrors.ErrValidation, "from must not be after to")
	}
	filter := models.ReviewFilter{
		JobID:       strings.TrimSpace(query.JobID),
		Statuses:    query.Statuses,
		From:        query.From,
		To:          query.To,
		ReportTypes: query.ReportTypes,
		Search:      strings.TrimSpace(query.Search),
	}
	if !HasPermission(actor.Role, models.PermReviewReadAll) {
		filter.AuthorID = actor.UserID
	}
	return filter, nil
}

// scan reads every page of a listing. Listings above the row cap are refused
// rather than returned partially.
func (s *ReviewService) scan(ctx context.Context, filter models.ReviewFilter) ([]models.Report, error) {
	var all []models.Report
	filter.Limit = reviewScanPageSize
	for filter.Offset = 0; ; filter.Offset += reviewScanPageSize {
		page, total, err := s.reports.ListForReview(ctx, filter)
		if err != nil {
			return nil, appErrors.Dependency(err, "failed to list reports")
		}
		if total > maxReviewScanRows {
			s.logger.Info("review scan refused", zap.String("job_id", filter.JobID), zap.Int("total", total))
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("%d reports match; narrow the filter to at most %d", total, maxReviewScanRows))
		}
		all = append(all, page...)
		if len(page) < reviewScanPageSize || len(all) >= total {
			break
		}
	}
	return all, nil
}

func (s *ReviewService) assetsFor(ctx context.Context, reports []models.Report) (map[string]models.Asset, error) {
	if len(reports) == 0 {
		return map[string]models.Asset{}, nil
	}
	ids := make([]string, 0, len(reports))
	for _, r := range reports {
		ids = append(ids, r.ID)
	}
	assets, err := s.assets.AssetsByReportIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Dependency(err, "failed to load report assets")
	}
	return assets, nil
}

// metricsCacheKey keys metrics by job and author. Narrower filters are not cached.
func metricsCacheKey(filter models.ReviewFilter) (string, bool) {
	if len(filter.Statuses) > 0 || len(filter.ReportTypes) > 0 || filter.Search != "" || filter.From != nil || filter.To != nil {
		return "", false
	}
	job, author := filter.JobID, filter.AuthorID
	if job == "" {
		job = "all"
	}
	if author == "" {
		author = "all"
	}
	return "review:metrics:" + job + ":" + author, true
}

func normalisePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultReviewPageSize
	}
	if size > maxReviewPageSize {
		size = maxReviewPageSize
	}
	return page, size
}

func reviewedAt(r models.Report) time.Time {
	if r.ReviewedAt != nil {
		return *r.ReviewedAt
	}
	return r.UpdatedAt
}
