package service

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ampline/fieldtest-api/internal/models"
)

// Folder labels outside the numeric range.
const (
	FolderImported = "Imported"
	FolderOther    = "Other"
)

var numericFolderPrefix = regexp.MustCompile(`^\s*(\d+)`)

// FolderLabel derives the review folder of an asset display name: names
// containing "import" go to Imported, a leading number selects that
// numbered folder, everything else is Other.
func FolderLabel(assetName string) string {
	if strings.Contains(strings.ToLower(assetName), "import") {
		return FolderImported
	}
	if m := numericFolderPrefix.FindStringSubmatch(assetName); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return strconv.Itoa(n)
		}
	}
	return FolderOther
}

// GroupReportsByFolder groups reports by the folder of their linked asset.
// Reports without an asset fall back to their own title. Folders are ordered
// Imported, then numbered folders ascending, then Other; reports keep their
// input order inside a folder. Each folder carries its own status counts.
func GroupReportsByFolder(reports []models.Report, assetsByReportID map[string]models.Asset) []models.ReportFolder {
	index := map[string]int{}
	var folders []models.ReportFolder
	for _, report := range reports {
		name := report.Title
		if asset, ok := assetsByReportID[report.ID]; ok {
			name = asset.Name
		}
		label := FolderLabel(name)
		i, ok := index[label]
		if !ok {
			i = len(folders)
			index[label] = i
			folders = append(folders, models.ReportFolder{Label: label})
		}
		folders[i].Reports = append(folders[i].Reports, report)
	}
	sort.SliceStable(folders, func(i, j int) bool {
		ri, ni := folderRank(folders[i].Label)
		rj, nj := folderRank(folders[j].Label)
		if ri != rj {
			return ri < rj
		}
		return ni < nj
	})
	for i := range folders {
		folders[i].Metrics = ComputeMetrics(folders[i].Reports)
	}
	return folders
}

func folderRank(label string) (int, int) {
	switch label {
	case FolderImported:
		return 0, 0
	case FolderOther:
		return 2, 0
	}
	n, _ := strconv.Atoi(label)
	return 1, n
}

// ComputeMetrics counts reports per lifecycle status.
func ComputeMetrics(reports []models.Report) models.ReviewMetrics {
	var m models.ReviewMetrics
	for _, r := range reports {
		m.Total++
		switch r.Status {
		case models.ReportStatusDraft:
			m.Draft++
		case models.ReportStatusSubmitted:
			m.Submitted++
		case models.ReportStatusApproved:
			m.Approved++
		case models.ReportStatusRejected:
			m.Rejected++
		case models.ReportStatusArchived:
			m.Archived++
		}
	}
	return m
}

// MetricsFromCounts builds metrics from per-status counts.
func MetricsFromCounts(counts map[models.ReportStatus]int) models.ReviewMetrics {
	m := models.ReviewMetrics{
		Draft:     counts[models.ReportStatusDraft],
		Submitted: counts[models.ReportStatusSubmitted],
		Approved:  counts[models.ReportStatusApproved],
		Rejected:  counts[models.ReportStatusRejected],
		Archived:  counts[models.ReportStatusArchived],
	}
	for _, n := range counts {
		m.Total += n
	}
	return m
}
