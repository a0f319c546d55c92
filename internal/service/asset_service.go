package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
	"github.com/ampline/fieldtest-api/pkg/storage"
)

type assetStore interface {
	Create(ctx context.Context, asset *models.Asset, jobID string) error
	GetByID(ctx context.Context, id string) (*models.Asset, error)
	LinkToJob(ctx context.Context, jobID, assetID string) error
	UnlinkFromJob(ctx context.Context, jobID, assetID string) (int, error)
	ListForJob(ctx context.Context, jobID string) ([]models.Asset, error)
	UpdateStatus(ctx context.Context, id string, status models.AssetStatus) error
	Delete(ctx context.Context, id string) error
}

type assetFileStorage interface {
	SaveStream(name string, r io.Reader, limit int64) (string, int64, error)
	Open(name string) (*os.File, error)
	Delete(name string) error
}

type downloadSigner interface {
	Generate(resourceID, relPath string) (string, time.Time, error)
	Parse(token string) (resourceID, relPath string, expiresAt time.Time, err error)
}

type assetReverter interface {
	RevertAsset(ctx context.Context, assetID string, confirm bool, actor *models.JWTClaims) (*dto.RevertResult, error)
}

// AssetUpload carries an uploaded file stream.
type AssetUpload struct {
	Filename string
	Size     int64
	Content  io.Reader
}

// AssetDownload bundles an opened asset file for streaming.
type AssetDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	SizeBytes   int64
}

// AssetServiceConfig holds upload limits and link generation settings.
type AssetServiceConfig struct {
	MaxFileSize  int64
	APIPrefix    string
	StoreTimeout time.Duration
}

// AssetService is the asset registry: asset records, job links and stored files.
type AssetService struct {
	repo      assetStore
	storage   assetFileStorage
	signer    downloadSigner
	reverter  assetReverter
	audit     auditLogger
	cache     cacheInvalidator
	validator *validator.Validate
	logger    *zap.Logger
	cfg       AssetServiceConfig
}

// NewAssetService constructs the registry service. The reverter handles
// status edits of report-backed assets.
func NewAssetService(repo assetStore, storage assetFileStorage, signer downloadSigner, reverter assetReverter, audit auditLogger, cache cacheInvalidator, validate *validator.Validate, logger *zap.Logger, cfg AssetServiceConfig) *AssetService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 25 * 1024 * 1024
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	svc := &AssetService{
		repo:      repo,
		storage:   storage,
		signer:    signer,
		reverter:  reverter,
		audit:     audit,
		cache:     cache,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
	svc.validator.RegisterValidation("asset_status", func(fl validator.FieldLevel) bool {
		return models.AssetStatus(fl.Field().String()).Valid()
	})
	return svc
}

// Register records an asset whose bytes already live with the storage
// collaborator and links it to the job.
func (s *AssetService) Register(ctx context.Context, jobID string, req dto.CreateAssetRequest, actor *models.JWTClaims) (*models.Asset, error) {
	if err := Authorize(actor, models.PermAssetManage); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.FileRef = strings.TrimSpace(req.FileRef)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "name and fileRef are required")
	}
	if models.IsReportRef(req.FileRef) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "report references are assigned by the report workflow")
	}
	return s.createAsset(ctx, jobID, req.Name, req.FileRef, req.Status, actor)
}

// Upload stores the file and registers it as an upload asset linked to the job.
func (s *AssetService) Upload(ctx context.Context, jobID, name string, upload AssetUpload, actor *models.JWTClaims) (*models.Asset, error) {
	if err := Authorize(actor, models.PermAssetManage); err != nil {
		return nil, err
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "jobId is required")
	}
	if upload.Content == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if upload.Size > s.cfg.MaxFileSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	}
	if strings.TrimSpace(name) == "" {
		name = upload.Filename
	}

	relPath, written, err := s.storage.SaveStream(s.uploadPath(jobID, upload.Filename), upload.Content, s.cfg.MaxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist asset file")
	}
	if written == 0 {
		_ = s.storage.Delete(relPath)
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is empty")
	}

	asset, err := s.createAsset(ctx, jobID, name, relPath, "", actor)
	if err != nil {
		_ = s.storage.Delete(relPath)
		return nil, err
	}
	return asset, nil
}

func (s *AssetService) createAsset(ctx context.Context, jobID, name, fileRef string, status models.AssetStatus, actor *models.JWTClaims) (*models.Asset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "asset name is required")
	}
	if status == "" {
		status = models.AssetStatusInProgress
	}
	asset := &models.Asset{
		Name:      name,
		FileRef:   fileRef,
		Kind:      models.AssetKindUpload,
		Status:    status,
		CreatedBy: actor.UserID,
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.repo.Create(storeCtx, asset, strings.TrimSpace(jobID)); err != nil {
		return nil, appErrors.Dependency(err, "failed to create asset")
	}
	s.emitAudit(ctx, actor, models.AuditActionAssetCreate, asset.ID, nil, map[string]interface{}{
		"name":    asset.Name,
		"fileRef": asset.FileRef,
		"jobId":   jobID,
	})
	return asset, nil
}

// Link attaches an existing asset to a job. Relinking is a no-op.
func (s *AssetService) Link(ctx context.Context, jobID, assetID string, actor *models.JWTClaims) (*models.Asset, error) {
	if err := Authorize(actor, models.PermAssetManage); err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	asset, err := s.load(storeCtx, assetID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.LinkToJob(storeCtx, jobID, asset.ID); err != nil {
		return nil, appErrors.Dependency(err, "failed to link asset")
	}
	s.invalidate(ctx)
	return asset, nil
}

// Unlink detaches an asset from a job. An upload asset losing its last link
// is removed together with its stored file.
func (s *AssetService) Unlink(ctx context.Context, jobID, assetID string, actor *models.JWTClaims) error {
	if err := Authorize(actor, models.PermAssetManage); err != nil {
		return err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	asset, err := s.load(storeCtx, assetID)
	if err != nil {
		return err
	}
	remaining, err := s.repo.UnlinkFromJob(storeCtx, jobID, asset.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "asset is not linked to this job")
		}
		return appErrors.Dependency(err, "failed to unlink asset")
	}

	deleted := false
	if remaining == 0 && !asset.IsReport() {
		if err := s.repo.Delete(storeCtx, asset.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("failed to delete orphaned asset", zap.String("asset_id", asset.ID), zap.Error(err))
		} else {
			deleted = true
			if isStoredFile(asset.FileRef) {
				if err := s.storage.Delete(asset.FileRef); err != nil {
					s.logger.Warn("failed to delete asset file", zap.String("asset_id", asset.ID), zap.String("file_ref", asset.FileRef), zap.Error(err))
				}
			}
		}
	}
	s.emitAudit(ctx, actor, models.AuditActionAssetUnlink, asset.ID, map[string]interface{}{"jobId": jobID}, map[string]interface{}{
		"remainingLinks": remaining,
		"deleted":        deleted,
	})
	s.invalidate(ctx)
	return nil
}

// ListForJob returns the assets linked to a job in no particular order.
func (s *AssetService) ListForJob(ctx context.Context, jobID string, actor *models.JWTClaims) ([]models.Asset, error) {
	if err := Authorize(actor, models.PermReviewRead); err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	assets, err := s.repo.ListForJob(storeCtx, jobID)
	if err != nil {
		return nil, appErrors.Dependency(err, "failed to list assets")
	}
	return assets, nil
}

// UpdateStatus edits an asset status directly. Upload assets change
// unconditionally. Report-backed assets follow their report and only accept
// the confirmed revert from ready_for_review to in_progress.
func (s *AssetService) UpdateStatus(ctx context.Context, assetID string, req dto.UpdateAssetStatusRequest, actor *models.JWTClaims) (*dto.RevertResult, error) {
	if err := Authorize(actor, models.PermAssetManage); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "unknown asset status")
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	asset, err := s.load(storeCtx, assetID)
	if err != nil {
		return nil, err
	}

	if asset.IsReport() {
		if asset.Status == models.AssetStatusReadyForReview && req.Status == models.AssetStatusInProgress {
			if s.reverter == nil {
				return nil, appErrors.Clone(appErrors.ErrInternal, "report workflow not configured")
			}
			return s.reverter.RevertAsset(ctx, asset.ID, req.Confirm, actor)
		}
		return nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrInvalidTransition, "report-backed asset status follows its report"), map[string]interface{}{
			"currentStatus":   asset.Status,
			"attemptedStatus": req.Status,
		})
	}

	if err := s.repo.UpdateStatus(storeCtx, asset.ID, req.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "asset not found")
		}
		return nil, appErrors.Dependency(err, "failed to update asset status")
	}
	s.emitAudit(ctx, actor, models.AuditActionAssetStatus, asset.ID,
		map[string]interface{}{"status": asset.Status},
		map[string]interface{}{"status": req.Status})
	asset.Status = req.Status
	s.invalidate(ctx)
	return &dto.RevertResult{Asset: asset}, nil
}

// DownloadURL returns a link to the asset's bytes. Stored uploads get a
// signed link; external references are returned as is.
func (s *AssetService) DownloadURL(ctx context.Context, assetID string, actor *models.JWTClaims) (*dto.DownloadURLResponse, error) {
	if err := Authorize(actor, models.PermReviewRead); err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	asset, err := s.load(storeCtx, assetID)
	if err != nil {
		return nil, err
	}
	if asset.IsReport() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "report assets have no stored file")
	}
	if !isStoredFile(asset.FileRef) {
		return &dto.DownloadURLResponse{URL: asset.FileRef}, nil
	}
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	token, expiresAt, err := s.signer.Generate(asset.ID, asset.FileRef)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate download token")
	}
	base := strings.TrimRight(s.cfg.APIPrefix, "/")
	return &dto.DownloadURLResponse{
		URL:       fmt.Sprintf("%s/assets/%s/download?token=%s", base, asset.ID, token),
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// Download validates the token and opens the stored file.
func (s *AssetService) Download(ctx context.Context, assetID, token string, actor *models.JWTClaims) (*AssetDownload, error) {
	if err := Authorize(actor, models.PermReviewRead); err != nil {
		return nil, err
	}
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	asset, err := s.load(storeCtx, assetID)
	if err != nil {
		return nil, err
	}
	id, relPath, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	if id != asset.ID || relPath != asset.FileRef {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "asset file not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open asset file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read asset file")
	}
	contentType := mime.TypeByExtension(filepath.Ext(relPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &AssetDownload{
		File:        file,
		Filename:    downloadName(asset.Name, relPath),
		ContentType: contentType,
		SizeBytes:   info.Size(),
	}, nil
}

func (s *AssetService) load(ctx context.Context, id string) (*models.Asset, error) {
	asset, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "asset not found")
		}
		return nil, appErrors.Dependency(err, "failed to load asset")
	}
	return asset, nil
}

func (s *AssetService) uploadPath(jobID, filename string) string {
	base := sanitizeFilename(filepath.Base(strings.TrimSpace(filename)))
	if base == "" || base == "." {
		base = "upload"
	}
	return path.Join("jobs", sanitizeFilename(jobID), uuid.NewString()+"-"+base)
}

func (s *AssetService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(context.WithoutCancel(ctx), reviewMetricsPattern)
}

func (s *AssetService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, assetID string, oldValues, newValues map[string]interface{}) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   models.AuditResourceAsset,
		ResourceID: &assetID,
		IPAddress:  "system",
		UserAgent:  "asset-registry",
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
		s.logger.Warn("failed to persist audit log", zap.String("action", action), zap.String("asset_id", assetID), zap.Error(err))
	}
}

// isStoredFile reports whether ref points into local storage rather than at
// a report or an external URL.
func isStoredFile(ref string) bool {
	if ref == "" || models.IsReportRef(ref) {
		return false
	}
	lower := strings.ToLower(ref)
	return !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://")
}

func downloadName(name, relPath string) string {
	ext := filepath.Ext(relPath)
	clean := sanitizeFilename(strings.TrimSpace(name))
	if clean == "" {
		return filepath.Base(relPath)
	}
	if ext != "" && !strings.HasSuffix(strings.ToLower(clean), strings.ToLower(ext)) {
		clean += ext
	}
	return clean
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return ""
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
