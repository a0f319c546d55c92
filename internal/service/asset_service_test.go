package service

import (
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ampline/fieldtest-api/internal/dto"
	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
	"github.com/ampline/fieldtest-api/pkg/storage"
)

type assetFixture struct {
	*lifecycleFixture
	assets *AssetService
	files  *storage.LocalStorage
}

func newAssetFixture(t *testing.T, maxSize int64) *assetFixture {
	t.Helper()
	lf := newLifecycleFixture(t, LifecycleConfig{})
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("asset-secret", time.Hour)
	svc := NewAssetService(assetView{lf.store}, files, signer, lf.svc, lf.audit, lf.cache, nil, zap.NewNop(), AssetServiceConfig{
		MaxFileSize: maxSize,
		APIPrefix:   "/api/v1",
	})
	return &assetFixture{lifecycleFixture: lf, assets: svc, files: files}
}

func TestAssetRegisterValidation(t *testing.T) {
	f := newAssetFixture(t, 0)
	ctx := context.Background()

	_, err := f.assets.Register(ctx, "job-1", dto.CreateAssetRequest{Name: "  ", FileRef: "https://files.example.com/a.pdf"}, techAlice)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.assets.Register(ctx, "job-1", dto.CreateAssetRequest{Name: "A", FileRef: "report:job-1/x/r1"}, techAlice)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.assets.Register(ctx, "job-1", dto.CreateAssetRequest{Name: "A", FileRef: "https://x", Status: "done"}, techAlice)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.assets.Register(ctx, "job-1", dto.CreateAssetRequest{Name: "A", FileRef: "https://x"}, &models.JWTClaims{UserID: "g", Role: "GUEST"})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	asset, err := f.assets.Register(ctx, "job-1", dto.CreateAssetRequest{Name: "Nameplate photo", FileRef: "https://files.example.com/a.jpg"}, techAlice)
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusInProgress, asset.Status)
	require.Equal(t, models.AssetKindUpload, asset.Kind)

	listed, err := f.assets.ListForJob(ctx, "job-1", techAlice)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Contains(t, f.audit.actions(), models.AuditActionAssetCreate)
}

func TestAssetLinkIsIdempotent(t *testing.T) {
	f := newAssetFixture(t, 0)
	ctx := context.Background()
	asset, err := f.assets.Register(ctx, "job-1", dto.CreateAssetRequest{Name: "Scan", FileRef: "https://x/scan.pdf"}, techAlice)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.assets.Link(ctx, "job-2", asset.ID, techAlice)
		require.NoError(t, err)
	}
	listed, err := f.assets.ListForJob(ctx, "job-2", techAlice)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = f.assets.Link(ctx, "job-2", "missing", techAlice)
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestAssetUploadAndSignedDownload(t *testing.T) {
	f := newAssetFixture(t, 0)
	ctx := context.Background()
	content := "insulation resistance readings"

	asset, err := f.assets.Upload(ctx, "job-1", "", AssetUpload{
		Filename: "readings.txt",
		Size:     int64(len(content)),
		Content:  strings.NewReader(content),
	}, techAlice)
	require.NoError(t, err)
	require.Equal(t, "readings.txt", asset.Name)
	require.True(t, strings.HasPrefix(asset.FileRef, "jobs/job-1/"))

	link, err := f.assets.DownloadURL(ctx, asset.ID, techAlice)
	require.NoError(t, err)
	require.Contains(t, link.URL, "/api/v1/assets/"+asset.ID+"/download?token=")
	require.NotEmpty(t, link.ExpiresAt)

	parsed, err := url.Parse(link.URL)
	require.NoError(t, err)
	download, err := f.assets.Download(ctx, asset.ID, parsed.Query().Get("token"), techAlice)
	require.NoError(t, err)
	defer download.File.Close()
	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	require.Equal(t, content, string(body))
	require.Equal(t, int64(len(content)), download.SizeBytes)

	_, err = f.assets.Download(ctx, asset.ID, "garbage", techAlice)
	require.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestAssetUploadRejectsOversizedFile(t *testing.T) {
	f := newAssetFixture(t, 4)
	_, err := f.assets.Upload(context.Background(), "job-1", "big", AssetUpload{
		Filename: "big.bin",
		Content:  strings.NewReader("0123456789"),
	}, techAlice)
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestAssetUnlinkRemovesOrphanedUpload(t *testing.T) {
	f := newAssetFixture(t, 0)
	ctx := context.Background()
	asset, err := f.assets.Upload(ctx, "job-1", "Scan", AssetUpload{Filename: "scan.pdf", Content: strings.NewReader("%PDF-1.4")}, techAlice)
	require.NoError(t, err)
	_, err = f.assets.Link(ctx, "job-2", asset.ID, techAlice)
	require.NoError(t, err)

	require.NoError(t, f.assets.Unlink(ctx, "job-1", asset.ID, techAlice))
	require.NotNil(t, f.store.GetAsset(asset.ID))

	err = f.assets.Unlink(ctx, "job-1", asset.ID, techAlice)
	require.ErrorIs(t, err, appErrors.ErrNotFound)

	require.NoError(t, f.assets.Unlink(ctx, "job-2", asset.ID, techAlice))
	require.Nil(t, f.store.GetAsset(asset.ID))
	_, err = f.files.Open(asset.FileRef)
	require.Error(t, err)
}

func TestAssetUnlinkKeepsReportAsset(t *testing.T) {
	f := newAssetFixture(t, 0)
	ctx := context.Background()
	report := f.draft(t, "job-1", "Relay test", techAlice)
	asset := f.assetFor(t, report)

	require.NoError(t, f.assets.Unlink(ctx, "job-1", asset.ID, techAlice))
	require.NotNil(t, f.store.GetAsset(asset.ID))
}

func TestAssetUpdateStatus(t *testing.T) {
	f := newAssetFixture(t, 0)
	ctx := context.Background()

	upload, err := f.assets.Register(ctx, "job-1", dto.CreateAssetRequest{Name: "Scan", FileRef: "https://x/scan.pdf"}, techAlice)
	require.NoError(t, err)
	result, err := f.assets.UpdateStatus(ctx, upload.ID, dto.UpdateAssetStatusRequest{Status: models.AssetStatusApproved}, techAlice)
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusApproved, result.Asset.Status)
	result, err = f.assets.UpdateStatus(ctx, upload.ID, dto.UpdateAssetStatusRequest{Status: models.AssetStatusInProgress}, techAlice)
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusInProgress, result.Asset.Status)

	_, err = f.assets.UpdateStatus(ctx, upload.ID, dto.UpdateAssetStatusRequest{Status: "finished"}, techAlice)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	report := f.draft(t, "job-1", "Relay test", techAlice)
	_, err = f.svc.Submit(ctx, report.ID, "", techAlice)
	require.NoError(t, err)
	reportAsset := f.assetFor(t, report)

	_, err = f.assets.UpdateStatus(ctx, reportAsset.ID, dto.UpdateAssetStatusRequest{Status: models.AssetStatusApproved}, techAlice)
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = f.assets.UpdateStatus(ctx, reportAsset.ID, dto.UpdateAssetStatusRequest{Status: models.AssetStatusInProgress}, techAlice)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	result, err = f.assets.UpdateStatus(ctx, reportAsset.ID, dto.UpdateAssetStatusRequest{Status: models.AssetStatusInProgress, Confirm: true}, techAlice)
	require.NoError(t, err)
	require.Equal(t, models.AssetStatusInProgress, result.Asset.Status)
	require.NotNil(t, result.DeletedReportID)
	require.Equal(t, report.ID, *result.DeletedReportID)
}

func TestAssetDownloadURLForReportAsset(t *testing.T) {
	f := newAssetFixture(t, 0)
	report := f.draft(t, "job-1", "Relay test", techAlice)
	_, err := f.assets.DownloadURL(context.Background(), f.assetFor(t, report).ID, techAlice)
	require.ErrorIs(t, err, appErrors.ErrValidation)
}
