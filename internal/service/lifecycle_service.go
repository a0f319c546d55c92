package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/internal/repository"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
)

const reviewMetricsPattern = "review:metrics:*"

// Lifecycle operation names, used in error messages and metrics.
const (
	opCreate  = "create report"
	opSubmit  = "submit report"
	opApprove = "approve report"
	opReject  = "reject report"
	opArchive = "archive report"
	opRevert  = "revert asset"
	opGet     = "get report"
)

type reportStore interface {
	CreateDraft(ctx context.Context, draft models.NewDraftReport) error
	GetByID(ctx context.Context, id string) (*models.Report, error)
	GetByAssetID(ctx context.Context, assetID string) (*models.Report, error)
	AppendRevision(ctx context.Context, params models.RevisionParams) (*models.Report, error)
	RevertAsset(ctx context.Context, assetID, reportID string) (*models.Asset, error)
}

type lifecycleAssetStore interface {
	GetByID(ctx context.Context, id string) (*models.Asset, error)
	FindByFileRef(ctx context.Context, fileRef string) (*models.Asset, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditTrailReader interface {
	ListForResource(ctx context.Context, resource, resourceID string) ([]models.AuditLog, error)
}

type eventNotifier interface {
	Notify(event models.ReportEvent)
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, pattern string)
}

// LifecycleConfig tunes the lifecycle engine.
type LifecycleConfig struct {
	StoreTimeout           time.Duration
	AllowResubmission      bool
	DefaultApprovalComment string
}

// LifecycleService is the report state machine. It authorizes every call,
// checks the requested edge against the persisted state and applies the
// status change with its asset side effects as one conditional write.
type LifecycleService struct {
	reports   reportStore
	assets    lifecycleAssetStore
	audit     auditLogger
	trail     auditTrailReader
	notifier  eventNotifier
	cache     cacheInvalidator
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       LifecycleConfig
	now       func() time.Time
}

// LifecycleOption configures the service.
type LifecycleOption func(*LifecycleService)

// WithLifecycleNotifier sets the event sink.
func WithLifecycleNotifier(n eventNotifier) LifecycleOption {
	return func(s *LifecycleService) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLifecycleCache sets the cache whose review aggregates are invalidated after changes.
func WithLifecycleCache(c cacheInvalidator) LifecycleOption {
	return func(s *LifecycleService) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithLifecycleMetrics sets the metrics recorder.
func WithLifecycleMetrics(m *MetricsService) LifecycleOption {
	return func(s *LifecycleService) { s.metrics = m }
}

// WithLifecycleAuditTrail enables AuditTrail reads.
func WithLifecycleAuditTrail(r auditTrailReader) LifecycleOption {
	return func(s *LifecycleService) { s.trail = r }
}

// WithLifecycleClock overrides the clock.
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(s *LifecycleService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLifecycleService constructs the engine.
func NewLifecycleService(reports reportStore, assets lifecycleAssetStore, audit auditLogger, cfg LifecycleConfig, logger *zap.Logger, opts ...LifecycleOption) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if strings.TrimSpace(cfg.DefaultApprovalComment) == "" {
		cfg.DefaultApprovalComment = "Report approved"
	}
	svc := &LifecycleService{
		reports:   reports,
		assets:    assets,
		audit:     audit,
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// CreateDraft stores a new draft report together with its report-backed asset linked to the job.
func (s *LifecycleService) CreateDraft(ctx context.Context, req dto.CreateReportRequest, actor *models.JWTClaims) (*models.Report, error) {
	if err := Authorize(actor, models.PermReportCreate); err != nil {
		return nil, s.fail(opCreate, err)
	}
	req.JobID = strings.TrimSpace(req.JobID)
	req.Title = strings.TrimSpace(req.Title)
	req.ReportType = strings.TrimSpace(req.ReportType)
	if err := s.validator.Struct(req); err != nil {
		return nil, s.fail(opCreate, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "jobId, title and reportType are required"))
	}
	payload, err := normalisePayload(req.Payload)
	if err != nil {
		return nil, s.fail(opCreate, err)
	}
	if models.TemplateSlug(req.ReportType) == "" {
		return nil, s.fail(opCreate, appErrors.Clone(appErrors.ErrValidation, "reportType must contain letters or digits"))
	}

	now := s.now()
	report := &models.Report{
		ID:         uuid.NewString(),
		JobID:      req.JobID,
		Title:      req.Title,
		ReportType: req.ReportType,
		Payload:    payload,
		CreatedBy:  actor.UserID,
		CreatedAt:  now,
	}
	asset := &models.Asset{
		Name:      report.Title,
		FileRef:   models.NewReportRef(report.JobID, report.ReportType, report.ID).String(),
		Kind:      models.AssetKindReport,
		Status:    models.AssetStatusInProgress,
		CreatedBy: actor.UserID,
		CreatedAt: now,
	}

	storeCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.reports.CreateDraft(storeCtx, models.NewDraftReport{Report: report, Asset: asset}); err != nil {
		return nil, s.fail(opCreate, s.storeError(err, "", ""))
	}

	s.afterChange(ctx, changeRecord{
		action:  models.AuditActionReportCreate,
		report:  report,
		assetID: asset.ID,
		to:      models.ReportStatusDraft,
		actor:   actor,
	})
	return report, nil
}

// Submit moves a draft (or, when enabled, a rejected report) to submitted,
// links the report to its asset and marks the asset ready_for_review.
func (s *LifecycleService) Submit(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error) {
	if err := Authorize(actor, models.PermReportSubmit); err != nil {
		return nil, s.fail(opSubmit, err)
	}
	return s.transition(ctx, transitionRequest{
		op:       opSubmit,
		action:   models.AuditActionReportSubmit,
		reportID: reportID,
		to:       models.ReportStatusSubmitted,
		comments: optionalString(comments),
		actor:    actor,
	})
}

// Approve records a reviewer approval; empty comments get the configured default.
func (s *LifecycleService) Approve(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error) {
	if err := Authorize(actor, models.PermReportReview); err != nil {
		return nil, s.fail(opApprove, err)
	}
	if strings.TrimSpace(comments) == "" {
		comments = s.cfg.DefaultApprovalComment
	}
	return s.transition(ctx, transitionRequest{
		op:       opApprove,
		action:   models.AuditActionReportApprove,
		reportID: reportID,
		to:       models.ReportStatusApproved,
		comments: optionalString(comments),
		actor:    actor,
	})
}

// Reject records a reviewer rejection. Comments are mandatory.
func (s *LifecycleService) Reject(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error) {
	if err := Authorize(actor, models.PermReportReview); err != nil {
		return nil, s.fail(opReject, err)
	}
	if strings.TrimSpace(comments) == "" {
		return nil, s.fail(opReject, appErrors.Clone(appErrors.ErrValidation, "comments are required to reject a report"))
	}
	return s.transition(ctx, transitionRequest{
		op:       opReject,
		action:   models.AuditActionReportReject,
		reportID: reportID,
		to:       models.ReportStatusRejected,
		comments: optionalString(comments),
		actor:    actor,
	})
}

// Archive retires a submitted, approved or rejected report. The asset is left unchanged.
func (s *LifecycleService) Archive(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error) {
	if err := Authorize(actor, models.PermReportArchive); err != nil {
		return nil, s.fail(opArchive, err)
	}
	return s.transition(ctx, transitionRequest{
		op:       opArchive,
		action:   models.AuditActionReportArchive,
		reportID: reportID,
		to:       models.ReportStatusArchived,
		comments: optionalString(comments),
		actor:    actor,
	})
}

// RevertAsset moves a ready_for_review asset back to in_progress, deleting
// its backing report first. A missing or unreadable report is logged and the
// asset is reverted regardless.
func (s *LifecycleService) RevertAsset(ctx context.Context, assetID string, confirm bool, actor *models.JWTClaims) (*dto.RevertResult, error) {
	if err := Authorize(actor, models.PermAssetRevert); err != nil {
		return nil, s.fail(opRevert, err)
	}
	if !confirm {
		return nil, s.fail(opRevert, appErrors.Clone(appErrors.ErrValidation, "reverting deletes the backing report; confirm to proceed"))
	}

	storeCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	asset, err := s.assets.GetByID(storeCtx, assetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.fail(opRevert, appErrors.Clone(appErrors.ErrNotFound, "asset not found"))
		}
		return nil, s.fail(opRevert, appErrors.Dependency(err, "asset store unavailable"))
	}
	if asset.Status != models.AssetStatusReadyForReview {
		return nil, s.fail(opRevert, invalidTransition("asset", string(asset.Status), string(models.AssetStatusInProgress)))
	}

	report := s.backingReport(storeCtx, asset)
	reportID := ""
	if report != nil {
		reportID = report.ID
	}

	reverted, err := s.reports.RevertAsset(storeCtx, asset.ID, reportID)
	if err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return nil, s.fail(opRevert, appErrors.Clone(appErrors.ErrConcurrentModification, "asset status changed while reverting, reload and retry"))
		}
		return nil, s.fail(opRevert, appErrors.Dependency(err, "report store unavailable"))
	}

	result := &dto.RevertResult{Asset: reverted}
	oldValues := map[string]interface{}{"status": asset.Status}
	if report != nil {
		result.DeletedReportID = &report.ID
		oldValues["reportId"] = report.ID
		oldValues["reportStatus"] = report.Status
		oldValues["reportVersion"] = report.Version
	}
	s.metrics.RecordRevert()
	s.emitAudit(ctx, actor, models.AuditActionAssetRevert, models.AuditResourceAsset, asset.ID, oldValues, map[string]interface{}{"status": reverted.Status})
	if report != nil {
		s.notify(models.ReportEvent{
			Type:     models.EventReportDeleted,
			ReportID: report.ID,
			AssetID:  asset.ID,
			JobID:    report.JobID,
			From:     report.Status,
			ActorID:  actor.UserID,
		})
	}
	s.invalidate(ctx)
	return result, nil
}

// Get returns a report with its history. Users without read-all access only see their own reports.
func (s *LifecycleService) Get(ctx context.Context, reportID string, actor *models.JWTClaims) (*models.Report, error) {
	if err := Authorize(actor, models.PermReviewRead); err != nil {
		return nil, err
	}
	storeCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	report, err := s.reports.GetByID(storeCtx, reportID)
	if err != nil {
		return nil, appErrors.Annotate(s.storeError(err, "", ""), opGet)
	}
	if !canReadReport(actor, report) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "report not found")
	}
	return report, nil
}

// GetByAsset returns the report backing an asset.
func (s *LifecycleService) GetByAsset(ctx context.Context, assetID string, actor *models.JWTClaims) (*models.Report, error) {
	if err := Authorize(actor, models.PermReviewRead); err != nil {
		return nil, err
	}
	storeCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	report, err := s.reports.GetByAssetID(storeCtx, assetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no report backs this asset")
		}
		return nil, appErrors.Dependency(err, "report store unavailable")
	}
	if !canReadReport(actor, report) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no report backs this asset")
	}
	return report, nil
}

// AuditTrail lists the audit entries recorded for a report, newest first.
func (s *LifecycleService) AuditTrail(ctx context.Context, reportID string, actor *models.JWTClaims) ([]models.AuditLog, error) {
	report, err := s.Get(ctx, reportID, actor)
	if err != nil {
		return nil, err
	}
	if s.trail == nil {
		return []models.AuditLog{}, nil
	}
	storeCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	logs, err := s.trail.ListForResource(storeCtx, models.AuditResourceReport, report.ID)
	if err != nil {
		return nil, appErrors.Annotate(appErrors.Dependency(err, "audit store unavailable"), opGet)
	}
	return logs, nil
}

type transitionRequest struct {
	op       string
	action   string
	reportID string
	to       models.ReportStatus
	comments *string
	actor    *models.JWTClaims
}

func (s *LifecycleService) transition(ctx context.Context, req transitionRequest) (*models.Report, error) {
	storeCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	report, err := s.reports.GetByID(storeCtx, req.reportID)
	if err != nil {
		return nil, s.fail(req.op, s.storeError(err, "", req.to))
	}
	if req.to == models.ReportStatusSubmitted && report.CreatedBy != req.actor.UserID && !HasPermission(req.actor.Role, models.PermReportSubmitAny) {
		return nil, s.fail(req.op, appErrors.Clone(appErrors.ErrForbidden, "only the author may submit this report"))
	}
	if !s.allowed(report.Status, req.to) {
		return nil, s.fail(req.op, invalidTransition("report", string(report.Status), string(req.to)))
	}

	params := models.RevisionParams{
		ReportID:        report.ID,
		ExpectedVersion: report.Version,
		From:            report.Status,
		To:              req.to,
		UserID:          req.actor.UserID,
		Comments:        req.comments,
		At:              s.now(),
	}
	var asset *models.Asset
	if status, ok := models.AssetStatusFor(req.to); ok {
		var created bool
		asset, created, err = s.reportAsset(storeCtx, report, req.to == models.ReportStatusSubmitted)
		if err != nil {
			return nil, s.fail(req.op, err)
		}
		if created {
			params.CreateAsset = asset
			params.CreateAssetJobID = report.JobID
		}
		if asset != nil {
			params.AssetID = asset.ID
			params.AssetStatus = status
			if req.to == models.ReportStatusSubmitted {
				params.LinkAssetID = asset.ID
			}
		}
	}

	updated, err := s.reports.AppendRevision(storeCtx, params)
	if err != nil {
		return nil, s.fail(req.op, s.storeError(err, report.Status, req.to))
	}

	rec := changeRecord{
		action:  req.action,
		report:  updated,
		from:    report.Status,
		to:      req.to,
		actor:   req.actor,
		comment: req.comments,
	}
	if asset != nil {
		rec.assetID = asset.ID
	}
	s.afterChange(ctx, rec)
	return updated, nil
}

func (s *LifecycleService) allowed(from, to models.ReportStatus) bool {
	if !models.CanTransition(from, to) {
		return false
	}
	if from == models.ReportStatusRejected && to == models.ReportStatusSubmitted {
		return s.cfg.AllowResubmission
	}
	return true
}

// reportAsset resolves the asset backing a report through its report
// reference. On submit a missing asset is built for the store to insert and
// link to the job in the same write as the revision.
func (s *LifecycleService) reportAsset(ctx context.Context, report *models.Report, create bool) (*models.Asset, bool, error) {
	ref := models.NewReportRef(report.JobID, report.ReportType, report.ID).String()
	asset, err := s.assets.FindByFileRef(ctx, ref)
	if err == nil {
		return asset, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, appErrors.Dependency(err, "asset store unavailable")
	}
	if !create {
		s.logger.Warn("report has no backing asset; skipping asset status sync",
			zap.String("report_id", report.ID), zap.String("file_ref", ref))
		return nil, false, nil
	}
	s.logger.Info("recreating missing report asset", zap.String("report_id", report.ID), zap.String("file_ref", ref))
	return &models.Asset{
		ID:        uuid.NewString(),
		Name:      report.Title,
		FileRef:   ref,
		Kind:      models.AssetKindReport,
		Status:    models.AssetStatusInProgress,
		CreatedBy: report.CreatedBy,
		CreatedAt: s.now(),
	}, true, nil
}

// backingReport finds the report behind an asset, first through the report
// link and then through the asset's report reference. Lookup failures are
// logged and treated as no report.
func (s *LifecycleService) backingReport(ctx context.Context, asset *models.Asset) *models.Report {
	report, err := s.reports.GetByAssetID(ctx, asset.ID)
	if err == nil {
		return report
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("backing report lookup failed; reverting asset anyway", zap.String("asset_id", asset.ID), zap.Error(err))
		return nil
	}
	if ref, ok := models.ParseReportRef(asset.FileRef); ok {
		report, err = s.reports.GetByID(ctx, ref.ReportID)
		if err == nil {
			return report
		}
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("backing report lookup failed; reverting asset anyway", zap.String("asset_id", asset.ID), zap.Error(err))
			return nil
		}
	}
	s.logger.Info("no backing report found for asset", zap.String("asset_id", asset.ID))
	return nil
}

type changeRecord struct {
	action  string
	report  *models.Report
	assetID string
	from    models.ReportStatus
	to      models.ReportStatus
	actor   *models.JWTClaims
	comment *string
}

// afterChange runs the post-commit side effects. None of them can fail the operation.
func (s *LifecycleService) afterChange(ctx context.Context, rec changeRecord) {
	s.metrics.RecordTransition(rec.from, rec.to)
	var oldValues map[string]interface{}
	if rec.from != "" {
		oldValues = map[string]interface{}{"status": rec.from, "version": rec.report.Version - 1}
	}
	newValues := map[string]interface{}{"status": rec.to, "version": rec.report.Version}
	if rec.comment != nil {
		newValues["comments"] = *rec.comment
	}
	s.emitAudit(ctx, rec.actor, rec.action, models.AuditResourceReport, rec.report.ID, oldValues, newValues)
	s.notify(models.ReportEvent{
		Type:     models.EventReportStatusChanged,
		ReportID: rec.report.ID,
		AssetID:  rec.assetID,
		JobID:    rec.report.JobID,
		From:     rec.from,
		To:       rec.to,
		ActorID:  rec.actor.UserID,
	})
	s.invalidate(ctx)
}

func (s *LifecycleService) notify(event models.ReportEvent) {
	if s.notifier == nil {
		return
	}
	event.OccurredAt = s.now()
	s.notifier.Notify(event)
}

func (s *LifecycleService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(context.WithoutCancel(ctx), reviewMetricsPattern)
}

func (s *LifecycleService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resource, resourceID string, oldValues, newValues map[string]interface{}) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   resource,
		ResourceID: &resourceID,
		IPAddress:  "system",
		UserAgent:  "lifecycle-engine",
	}
	if oldValues != nil {
		log.OldValues, _ = json.Marshal(oldValues)
	}
	if newValues != nil {
		log.NewValues, _ = json.Marshal(newValues)
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.audit.CreateAuditLog(auditCtx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.String("action", action), zap.String("resource_id", resourceID), zap.Error(err))
	}
}

func (s *LifecycleService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// fail records the refusal and prefixes the attempted operation.
func (s *LifecycleService) fail(op string, err error) error {
	s.metrics.RecordTransitionFailure(op, err)
	return appErrors.Annotate(err, op)
}

// storeError maps report store failures onto the error taxonomy.
func (s *LifecycleService) storeError(err error, from, to models.ReportStatus) error {
	var conflict *repository.RevisionConflictError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "report not found")
	case errors.As(err, &conflict) && errors.Is(err, repository.ErrUnsanctionedEdge):
		return invalidTransition("report", string(conflict.Current), string(to))
	case errors.As(err, &conflict):
		return appErrors.WithDetails(appErrors.ErrConcurrentModification, map[string]interface{}{
			"expectedStatus": from,
			"currentStatus":  conflict.Current,
			"currentVersion": conflict.Version,
		})
	default:
		return appErrors.Dependency(err, "report store unavailable")
	}
}

func invalidTransition(resource, current, attempted string) *appErrors.Error {
	msg := resource + " cannot move from " + current + " to " + attempted
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition, msg), map[string]interface{}{
		"currentStatus":   current,
		"attemptedStatus": attempted,
	})
}

func canReadReport(actor *models.JWTClaims, report *models.Report) bool {
	return HasPermission(actor.Role, models.PermReviewReadAll) || report.CreatedBy == actor.UserID
}

// normalisePayload accepts an absent payload or a JSON object; the content is opaque.
func normalisePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payload must be a JSON object")
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

func optionalString(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}
