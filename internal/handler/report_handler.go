package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
	"github.com/ampline/fieldtest-api/pkg/response"
)

type lifecycleService interface {
	CreateDraft(ctx context.Context, req dto.CreateReportRequest, actor *models.JWTClaims) (*models.Report, error)
	Submit(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error)
	Approve(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error)
	Reject(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error)
	Archive(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error)
	Get(ctx context.Context, reportID string, actor *models.JWTClaims) (*models.Report, error)
	GetByAsset(ctx context.Context, assetID string, actor *models.JWTClaims) (*models.Report, error)
	RevertAsset(ctx context.Context, assetID string, confirm bool, actor *models.JWTClaims) (*dto.RevertResult, error)
	AuditTrail(ctx context.Context, reportID string, actor *models.JWTClaims) ([]models.AuditLog, error)
}

// ReportHandler exposes the report lifecycle.
type ReportHandler struct {
	service lifecycleService
}

// NewReportHandler constructs the handler.
func NewReportHandler(service lifecycleService) *ReportHandler {
	return &ReportHandler{service: service}
}

type transitionFunc func(ctx context.Context, reportID, comments string, actor *models.JWTClaims) (*models.Report, error)

// Create godoc
// @Summary Create draft report
// @Tags Reports
// @Accept json
// @Produce json
// @Param payload body dto.CreateReportRequest true "Draft report"
// @Success 201 {object} response.Envelope
// @Router /reports [post]
func (h *ReportHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid report payload"))
		return
	}
	report, err := h.service.CreateDraft(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, report)
}

// Get godoc
// @Summary Get report with revision history
// @Tags Reports
// @Produce json
// @Param id path string true "Report ID"
// @Success 200 {object} response.Envelope
// @Router /reports/{id} [get]
func (h *ReportHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	report, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// AuditTrail godoc
// @Summary List audit entries of a report
// @Tags Reports
// @Produce json
// @Param id path string true "Report ID"
// @Success 200 {object} response.Envelope
// @Router /reports/{id}/audit [get]
func (h *ReportHandler) AuditTrail(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	logs, err := h.service.AuditTrail(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}

// GetByAsset godoc
// @Summary Get the report backing an asset
// @Tags Reports
// @Produce json
// @Param id path string true "Asset ID"
// @Success 200 {object} response.Envelope
// @Router /assets/{id}/report [get]
func (h *ReportHandler) GetByAsset(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	report, err := h.service.GetByAsset(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Submit godoc
// @Summary Submit report for review
// @Tags Reports
// @Accept json
// @Produce json
// @Param id path string true "Report ID"
// @Param payload body dto.TransitionRequest false "Comments"
// @Success 200 {object} response.Envelope
// @Router /reports/{id}/submit [post]
func (h *ReportHandler) Submit(c *gin.Context) {
	h.transition(c, h.service.Submit)
}

// Approve godoc
// @Summary Approve submitted report
// @Tags Reports
// @Accept json
// @Produce json
// @Param id path string true "Report ID"
// @Param payload body dto.ReviewDecisionRequest false "Comments"
// @Success 200 {object} response.Envelope
// @Router /reports/{id}/approve [post]
func (h *ReportHandler) Approve(c *gin.Context) {
	h.transition(c, h.service.Approve)
}

// Reject godoc
// @Summary Reject submitted report
// @Tags Reports
// @Accept json
// @Produce json
// @Param id path string true "Report ID"
// @Param payload body dto.ReviewDecisionRequest true "Comments"
// @Success 200 {object} response.Envelope
// @Router /reports/{id}/reject [post]
func (h *ReportHandler) Reject(c *gin.Context) {
	h.transition(c, h.service.Reject)
}

// Archive godoc
// @Summary Archive report
// @Tags Reports
// @Accept json
// @Produce json
// @Param id path string true "Report ID"
// @Param payload body dto.TransitionRequest false "Comments"
// @Success 200 {object} response.Envelope
// @Router /reports/{id}/archive [post]
func (h *ReportHandler) Archive(c *gin.Context) {
	h.transition(c, h.service.Archive)
}

// RevertAsset godoc
// @Summary Revert a report asset to in progress and delete its report
// @Description Destructive. Requires confirm=true or the X-Confirm-Revert header.
// @Tags Reports
// @Produce json
// @Param id path string true "Asset ID"
// @Param confirm query bool true "Explicit confirmation"
// @Success 200 {object} response.Envelope
// @Router /assets/{id}/revert [post]
func (h *ReportHandler) RevertAsset(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.service.RevertAsset(c.Request.Context(), c.Param("id"), confirmed(c), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

func (h *ReportHandler) transition(c *gin.Context, apply transitionFunc) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	// Comments are optional for most transitions, so an empty body is accepted.
	var req dto.ReviewDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid transition payload"))
		return
	}
	report, err := apply(c.Request.Context(), c.Param("id"), req.Comments, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
