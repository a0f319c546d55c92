package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
	"github.com/ampline/fieldtest-api/pkg/export"
)

type registerSource interface {
	ApprovedRegister(ctx context.Context, jobID string, actor *models.JWTClaims) ([]RegisterEntry, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(doc export.Document) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
}

// ExportDownload bundles an opened register for streaming.
type ExportDownload struct {
	File        *os.File
	Filename    string
	ContentType string
}

var registerHeaders = []string{"Report", "Type", "Reviewed By", "Reviewed At", "Comments", "File Reference"}

// ExportService renders approved-report registers and persists them for signed download.
type ExportService struct {
	source    registerSource
	storage   fileStorage
	csv       csvRenderer
	pdf       pdfRenderer
	signer    downloadSigner
	validator *validator.Validate
	logger    *zap.Logger
	cfg       ExportConfig
	now       func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(source registerSource, storage fileStorage, signer downloadSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &ExportService{
		source:    source,
		storage:   storage,
		csv:       csv,
		pdf:       pdf,
		signer:    signer,
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Generate renders the approved register of a job and returns a signed download link.
func (s *ExportService) Generate(ctx context.Context, req dto.ExportRequest, actor *models.JWTClaims) (*models.ExportResult, error) {
	if err := Authorize(actor, models.PermReviewExport); err != nil {
		return nil, err
	}
	req.JobID = strings.TrimSpace(req.JobID)
	req.Format = models.ExportFormat(strings.ToLower(string(req.Format)))
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "jobId and a pdf or csv format are required")
	}

	entries, err := s.source.ApprovedRegister(ctx, req.JobID, actor)
	if err != nil {
		return nil, err
	}
	dataset := registerDataset(entries)

	var payload []byte
	switch req.Format {
	case models.ExportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ExportFormatPDF:
		payload, err = s.pdf.Render(export.Document{
			Title:       "Approved Report Register",
			Subtitle:    "Job " + req.JobID,
			GeneratedAt: s.now(),
			Data:        dataset,
			Widths:      []float64{3, 2, 1.5, 1.5, 3, 3},
		})
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render register")
	}

	id := uuid.NewString()
	relPath, err := s.storage.Save(s.buildFilename(req.JobID, id, req.Format), payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store register")
	}
	token, expiresAt, err := s.signer.Generate(id, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign register link")
	}
	s.logger.Info("approved register exported",
		zap.String("job_id", req.JobID),
		zap.String("format", string(req.Format)),
		zap.Int("records", len(entries)),
	)
	return &models.ExportResult{
		ID:        id,
		Format:    req.Format,
		Records:   len(entries),
		URL:       fmt.Sprintf("%s/exports/%s", strings.TrimRight(s.cfg.APIPrefix, "/"), token),
		ExpiresAt: expiresAt,
	}, nil
}

// Open validates a download token and opens the stored register.
func (s *ExportService) Open(token string) (*ExportDownload, error) {
	_, relPath, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export")
	}
	contentType := "text/csv"
	if strings.EqualFold(filepath.Ext(relPath), ".pdf") {
		contentType = "application/pdf"
	}
	return &ExportDownload{File: file, Filename: filepath.Base(relPath), ContentType: contentType}, nil
}

func (s *ExportService) buildFilename(jobID, id string, format models.ExportFormat) string {
	timestamp := s.now().Format("20060102_150405")
	job := sanitizeFilename(jobID)
	if job == "" {
		job = "na"
	}
	return filepath.ToSlash(filepath.Join("registers", job, fmt.Sprintf("approved_%s_%s.%s", timestamp, id[:8], format)))
}

func registerDataset(entries []RegisterEntry) export.Dataset {
	rows := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		row := map[string]string{
			"Report":      e.Report.Title,
			"Type":        e.Report.ReportType,
			"Reviewed By": deref(e.Report.ReviewedBy),
			"Reviewed At": formatReportTime(e.Report.ReviewedAt),
			"Comments":    deref(e.Report.ReviewComments),
		}
		if e.Asset != nil {
			row["File Reference"] = e.Asset.FileRef
		}
		rows = append(rows, row)
	}
	return export.Dataset{Headers: registerHeaders, Rows: rows}
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func formatReportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
