package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
	"github.com/ampline/fieldtest-api/pkg/response"
)

type reviewService interface {
	List(ctx context.Context, query dto.ReviewQuery, actor *models.JWTClaims) ([]models.Report, *models.Pagination, error)
	Folders(ctx context.Context, query dto.ReviewQuery, actor *models.JWTClaims) ([]models.ReportFolder, error)
	Metrics(ctx context.Context, query dto.ReviewQuery, actor *models.JWTClaims) (models.ReviewMetrics, error)
}

// ReviewHandler serves the approval review surface.
type ReviewHandler struct {
	service reviewService
}

// NewReviewHandler constructs the handler.
func NewReviewHandler(service reviewService) *ReviewHandler {
	return &ReviewHandler{service: service}
}

// List godoc
// @Summary List reports for review
// @Tags Review
// @Produce json
// @Param jobId query string false "Job scope"
// @Param status query string false "Comma separated statuses"
// @Param type query string false "Comma separated report types"
// @Param from query string false "Created at or after (RFC3339 or YYYY-MM-DD)"
// @Param to query string false "Created at or before (RFC3339 or YYYY-MM-DD)"
// @Param search query string false "Title search"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /review/reports [get]
func (h *ReviewHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query, err := parseReviewQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	reports, pagination, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reports, pagination)
}

// Folders godoc
// @Summary Group reports into numbered folders
// @Tags Review
// @Produce json
// @Param jobId query string false "Job scope"
// @Param status query string false "Comma separated statuses"
// @Success 200 {object} response.Envelope
// @Router /review/folders [get]
func (h *ReviewHandler) Folders(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query, err := parseReviewQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	folders, err := h.service.Folders(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, folders, nil)
}

// Metrics godoc
// @Summary Count reports by status
// @Tags Review
// @Produce json
// @Param jobId query string false "Job scope"
// @Success 200 {object} response.Envelope
// @Router /review/metrics [get]
func (h *ReviewHandler) Metrics(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query, err := parseReviewQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	metrics, err := h.service.Metrics(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, metrics, nil)
}
