package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/internal/repository"
)

// fakeStore is an in-memory report and asset store with the same conditional
// write semantics as the Postgres repositories.
type fakeStore struct {
	mu          sync.Mutex
	reports     map[string]*models.Report
	assets      map[string]*models.Asset
	jobAssets   map[string]map[string]struct{}
	reportAsset map[string]string

	// readBarrier, when set, holds every report read until all readers arrive.
	readBarrier *sync.WaitGroup
	// block makes report reads wait for context cancellation.
	block bool
	// lookupErr is returned by GetByAssetID when set.
	lookupErr error
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reports:     map[string]*models.Report{},
		assets:      map[string]*models.Asset{},
		jobAssets:   map[string]map[string]struct{}{},
		reportAsset: map[string]string{},
	}
}

func copyReport(r *models.Report) *models.Report {
	cp := *r
	cp.RevisionHistory = append([]models.Revision(nil), r.RevisionHistory...)
	return &cp
}

func copyAsset(a *models.Asset) *models.Asset {
	cp := *a
	return &cp
}

func (s *fakeStore) CreateDraft(_ context.Context, draft models.NewDraftReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := draft.Report
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = models.ReportStatusDraft
	r.Version = 1
	r.UpdatedAt = r.CreatedAt
	r.RevisionHistory = []models.Revision{{ReportID: r.ID, Version: 1, Status: models.ReportStatusDraft, UserID: r.CreatedBy, CreatedAt: r.CreatedAt}}
	s.reports[r.ID] = copyReport(r)
	if draft.Asset != nil {
		s.putAsset(draft.Asset, r.JobID)
	}
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*models.Report, error) {
	if s.readBarrier != nil {
		s.readBarrier.Done()
		s.readBarrier.Wait()
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return copyReport(r), nil
}

func (s *fakeStore) GetByAssetID(_ context.Context, assetID string) (*models.Report, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for reportID, linked := range s.reportAsset {
		if linked == assetID {
			return copyReport(s.reports[reportID]), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *fakeStore) AppendRevision(_ context.Context, p models.RevisionParams) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	r, ok := s.reports[p.ReportID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if r.Version != p.ExpectedVersion || r.Status != p.From {
		return nil, &repository.RevisionConflictError{Current: r.Status, Version: r.Version, Err: repository.ErrStaleVersion}
	}
	if !models.CanTransition(r.Status, p.To) {
		return nil, &repository.RevisionConflictError{Current: r.Status, Version: r.Version, Err: repository.ErrUnsanctionedEdge}
	}
	if p.CreateAsset != nil {
		s.putAsset(p.CreateAsset, p.CreateAssetJobID)
	}
	if p.AssetID != "" {
		if _, ok := s.assets[p.AssetID]; !ok {
			return nil, errors.New("asset vanished")
		}
	}

	r.Status = p.To
	r.Version++
	r.UpdatedAt = p.At
	switch p.To {
	case models.ReportStatusSubmitted:
		r.SubmittedAt, r.SubmittedBy = &p.At, &p.UserID
		r.ReviewedAt, r.ReviewedBy, r.ReviewComments = nil, nil, nil
	case models.ReportStatusApproved, models.ReportStatusRejected:
		r.ReviewedAt, r.ReviewedBy, r.ReviewComments = &p.At, &p.UserID, p.Comments
	}
	r.RevisionHistory = append(r.RevisionHistory, models.Revision{
		ReportID: r.ID, Version: r.Version, Status: p.To, UserID: p.UserID, Comments: p.Comments, CreatedAt: p.At,
	})
	if p.LinkAssetID != "" {
		s.reportAsset[r.ID] = p.LinkAssetID
	}
	if p.AssetID != "" && p.AssetStatus != "" {
		s.assets[p.AssetID].Status = p.AssetStatus
	}
	return copyReport(r), nil
}

func (s *fakeStore) RevertAsset(_ context.Context, assetID, reportID string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok || a.Status != models.AssetStatusReadyForReview {
		return nil, repository.ErrStaleVersion
	}
	if reportID != "" {
		delete(s.reports, reportID)
		delete(s.reportAsset, reportID)
	}
	a.Status = models.AssetStatusInProgress
	return copyAsset(a), nil
}

func (s *fakeStore) ListForReview(_ context.Context, f models.ReviewFilter) ([]models.Report, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.matching(f)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (s *fakeStore) CountByStatus(_ context.Context, f models.ReviewFilter) (map[models.ReportStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[models.ReportStatus]int{}
	for _, r := range s.matching(f) {
		counts[r.Status]++
	}
	return counts, nil
}

// matching applies the review filter the way the SQL listing does. Search
// matches the title or the report type, case-insensitively.
func (s *fakeStore) matching(f models.ReviewFilter) []models.Report {
	term := strings.ToLower(strings.TrimSpace(f.Search))
	var out []models.Report
	for _, r := range s.reports {
		if f.JobID != "" && !s.reachable(f.JobID, r) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
			continue
		}
		if len(f.ReportTypes) > 0 && !containsString(f.ReportTypes, r.ReportType) {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(r.Title), term) && !strings.Contains(strings.ToLower(r.ReportType), term) {
			continue
		}
		if f.AuthorID != "" && r.CreatedBy != f.AuthorID {
			continue
		}
		ts := r.CreatedAt
		if r.SubmittedAt != nil {
			ts = *r.SubmittedAt
		}
		if f.From != nil && ts.Before(*f.From) || f.To != nil && ts.After(*f.To) {
			continue
		}
		out = append(out, *copyReport(r))
	}
	return out
}

// reachable mirrors the job scope of the SQL listing: the report's linked
// asset, or the draft's report-reference asset, must be linked to the job.
func (s *fakeStore) reachable(jobID string, r *models.Report) bool {
	links := s.jobAssets[jobID]
	if assetID, ok := s.reportAsset[r.ID]; ok {
		_, linked := links[assetID]
		return linked
	}
	for assetID := range links {
		if ref, ok := models.ParseReportRef(s.assets[assetID].FileRef); ok && ref.ReportID == r.ID {
			return true
		}
	}
	return false
}

func (s *fakeStore) AssetsByReportIDs(_ context.Context, ids []string) (map[string]models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]models.Asset{}
	for _, id := range ids {
		if assetID, ok := s.reportAsset[id]; ok {
			out[id] = *s.assets[assetID]
			continue
		}
		for _, a := range s.assets {
			if ref, ok := models.ParseReportRef(a.FileRef); ok && ref.ReportID == id {
				out[id] = *a
			}
		}
	}
	return out, nil
}

func (s *fakeStore) putAsset(a *models.Asset, jobID string) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = models.AssetStatusInProgress
	}
	if a.Kind == "" {
		a.Kind = models.AssetKindUpload
		if models.IsReportRef(a.FileRef) {
			a.Kind = models.AssetKindReport
		}
	}
	s.assets[a.ID] = copyAsset(a)
	if jobID != "" {
		s.link(jobID, a.ID)
	}
}

func (s *fakeStore) link(jobID, assetID string) {
	if s.jobAssets[jobID] == nil {
		s.jobAssets[jobID] = map[string]struct{}{}
	}
	s.jobAssets[jobID][assetID] = struct{}{}
}

func (s *fakeStore) Create(_ context.Context, a *models.Asset, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAsset(a, jobID)
	return nil
}

func (s *fakeStore) GetAsset(id string) *models.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assets[id]; ok {
		return copyAsset(a)
	}
	return nil
}

func (s *fakeStore) FindByFileRef(_ context.Context, ref string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.FileRef == ref {
			return copyAsset(a), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *fakeStore) LinkToJob(_ context.Context, jobID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link(jobID, assetID)
	return nil
}

func (s *fakeStore) UnlinkFromJob(_ context.Context, jobID, assetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobAssets[jobID][assetID]; !ok {
		return 0, sql.ErrNoRows
	}
	delete(s.jobAssets[jobID], assetID)
	remaining := 0
	for _, links := range s.jobAssets {
		if _, ok := links[assetID]; ok {
			remaining++
		}
	}
	return remaining, nil
}

func (s *fakeStore) hasJobLink(jobID, assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobAssets[jobID][assetID]
	return ok
}

func (s *fakeStore) assetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assets)
}

func (s *fakeStore) ListForJob(_ context.Context, jobID string) ([]models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Asset, 0, len(s.jobAssets[jobID]))
	for assetID := range s.jobAssets[jobID] {
		out = append(out, *s.assets[assetID])
	}
	return out, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status models.AssetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.Status = status
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.assets, id)
	for _, links := range s.jobAssets {
		delete(links, id)
	}
	return nil
}

func (s *fakeStore) linkCount(reportID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reportAsset[reportID]; ok {
		return 1
	}
	return 0
}

func containsStatus(list []models.ReportStatus, s models.ReportStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// fakeStore serves both the report store and the asset registry, so the two
// GetByID methods cannot share a type. assetView adapts the asset side.
type assetView struct{ *fakeStore }

func (v assetView) GetByID(_ context.Context, id string) (*models.Asset, error) {
	if a := v.GetAsset(id); a != nil {
		return a, nil
	}
	return nil, sql.ErrNoRows
}

type auditRecorder struct {
	mu   sync.Mutex
	logs []models.AuditLog
	err  error
}

func (a *auditRecorder) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, *log)
	return nil
}

func (a *auditRecorder) ListForResource(_ context.Context, resource, resourceID string) ([]models.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditLog
	for i := len(a.logs) - 1; i >= 0; i-- {
		l := a.logs[i]
		if l.Resource == resource && l.ResourceID != nil && *l.ResourceID == resourceID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.ReportEvent
}

func (e *eventRecorder) Notify(event models.ReportEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventRecorder) all() []models.ReportEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ReportEvent(nil), e.events...)
}

type invalidationRecorder struct {
	mu       sync.Mutex
	patterns []string
}

func (r *invalidationRecorder) Invalidate(_ context.Context, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
}
