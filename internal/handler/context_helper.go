package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/middleware"
	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	return middleware.Claims(c)
}

// parseReviewQuery reads review filters: comma separated status and type
// lists, RFC3339 or YYYY-MM-DD dates, search text and paging.
func parseReviewQuery(c *gin.Context) (dto.ReviewQuery, error) {
	query := dto.ReviewQuery{
		JobID:       strings.TrimSpace(c.Query("jobId")),
		ReportTypes: splitList(c.Query("type")),
		Search:      strings.TrimSpace(c.Query("search")),
	}
	for _, raw := range splitList(c.Query("status")) {
		query.Statuses = append(query.Statuses, models.ReportStatus(strings.ToLower(raw)))
	}
	var err error
	if query.From, err = parseQueryTime(c.Query("from"), false); err != nil {
		return dto.ReviewQuery{}, err
	}
	if query.To, err = parseQueryTime(c.Query("to"), true); err != nil {
		return dto.ReviewQuery{}, err
	}
	if query.Page, err = parseQueryInt(c.Query("page")); err != nil {
		return dto.ReviewQuery{}, err
	}
	if query.PageSize, err = parseQueryInt(c.Query("pageSize")); err != nil {
		return dto.ReviewQuery{}, err
	}
	return query, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseQueryTime accepts RFC3339 or a bare date. A bare end date covers the whole day.
func parseQueryTime(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "dates must be RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseQueryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "page and pageSize must be positive integers")
	}
	return n, nil
}

// confirmed reads an explicit confirmation from the query or the X-Confirm-Revert header.
func confirmed(c *gin.Context) bool {
	for _, raw := range []string{c.Query("confirm"), c.GetHeader("X-Confirm-Revert")} {
		if ok, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil && ok {
			return true
		}
	}
	return false
}
