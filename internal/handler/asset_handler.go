package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/internal/service"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
	"github.com/ampline/fieldtest-api/pkg/response"
)

type assetService interface {
	Register(ctx context.Context, jobID string, req dto.CreateAssetRequest, actor *models.JWTClaims) (*models.Asset, error)
	Upload(ctx context.Context, jobID, name string, upload service.AssetUpload, actor *models.JWTClaims) (*models.Asset, error)
	Link(ctx context.Context, jobID, assetID string, actor *models.JWTClaims) (*models.Asset, error)
	Unlink(ctx context.Context, jobID, assetID string, actor *models.JWTClaims) error
	ListForJob(ctx context.Context, jobID string, actor *models.JWTClaims) ([]models.Asset, error)
	UpdateStatus(ctx context.Context, assetID string, req dto.UpdateAssetStatusRequest, actor *models.JWTClaims) (*dto.RevertResult, error)
	DownloadURL(ctx context.Context, assetID string, actor *models.JWTClaims) (*dto.DownloadURLResponse, error)
	Download(ctx context.Context, assetID, token string, actor *models.JWTClaims) (*service.AssetDownload, error)
}

// AssetHandler manages job asset endpoints.
type AssetHandler struct {
	service assetService
}

// NewAssetHandler constructs the handler.
func NewAssetHandler(service assetService) *AssetHandler {
	return &AssetHandler{service: service}
}

// Create godoc
// @Summary Upload or register a job asset
// @Description multipart/form-data stores the file. JSON registers an already stored file reference.
// @Tags Assets
// @Accept multipart/form-data,json
// @Produce json
// @Param jobId path string true "Job ID"
// @Param name formData string false "Display name"
// @Param file formData file false "Document"
// @Success 201 {object} response.Envelope
// @Router /jobs/{jobId}/assets [post]
func (h *AssetHandler) Create(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "asset service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	jobID := c.Param("jobId")
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		h.upload(c, jobID, claims)
		return
	}
	var req dto.CreateAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid asset payload"))
		return
	}
	asset, err := h.service.Register(c.Request.Context(), jobID, req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, asset)
}

func (h *AssetHandler) upload(c *gin.Context, jobID string, claims *models.JWTClaims) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	upload := service.AssetUpload{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		Content:  src,
	}
	asset, err := h.service.Upload(c.Request.Context(), jobID, c.PostForm("name"), upload, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, asset)
}

// List godoc
// @Summary List assets reachable from a job
// @Tags Assets
// @Produce json
// @Param jobId path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /jobs/{jobId}/assets [get]
func (h *AssetHandler) List(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "asset service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	assets, err := h.service.ListForJob(c.Request.Context(), c.Param("jobId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, assets, nil)
}

// Link godoc
// @Summary Link an existing asset to a job
// @Tags Assets
// @Produce json
// @Param jobId path string true "Job ID"
// @Param assetId path string true "Asset ID"
// @Success 200 {object} response.Envelope
// @Router /jobs/{jobId}/assets/{assetId} [put]
func (h *AssetHandler) Link(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "asset service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	asset, err := h.service.Link(c.Request.Context(), c.Param("jobId"), c.Param("assetId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, asset, nil)
}

// Unlink godoc
// @Summary Remove an asset from a job
// @Tags Assets
// @Param jobId path string true "Job ID"
// @Param assetId path string true "Asset ID"
// @Success 204
// @Router /jobs/{jobId}/assets/{assetId} [delete]
func (h *AssetHandler) Unlink(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "asset service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Unlink(c.Request.Context(), c.Param("jobId"), c.Param("assetId"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// UpdateStatus godoc
// @Summary Change an asset status
// @Description Reverting a report asset from ready_for_review to in_progress deletes its report and needs confirm.
// @Tags Assets
// @Accept json
// @Produce json
// @Param id path string true "Asset ID"
// @Param payload body dto.UpdateAssetStatusRequest true "Status"
// @Success 200 {object} response.Envelope
// @Router /assets/{id}/status [patch]
func (h *AssetHandler) UpdateStatus(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "asset service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UpdateAssetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid status payload"))
		return
	}
	req.Confirm = req.Confirm || confirmed(c)
	result, err := h.service.UpdateStatus(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// DownloadURL godoc
// @Summary Issue a signed download link
// @Tags Assets
// @Produce json
// @Param id path string true "Asset ID"
// @Success 200 {object} response.Envelope
// @Router /assets/{id}/download-url [get]
func (h *AssetHandler) DownloadURL(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "asset service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	link, err := h.service.DownloadURL(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, link, nil)
}

// Download godoc
// @Summary Download an asset via signed token
// @Tags Assets
// @Produce octet-stream
// @Param id path string true "Asset ID"
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /assets/{id}/download [get]
func (h *AssetHandler) Download(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "asset service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.service.Download(c.Request.Context(), c.Param("id"), token, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.SizeBytes, result.ContentType, result.File, nil)
}
