package models

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleAdmin      UserRole = "ADMIN"
	RoleSupervisor UserRole = "SUPERVISOR"
	RoleReviewer   UserRole = "REVIEWER"
	RoleTechnician UserRole = "TECHNICIAN"
)

// Permission names a single guarded capability.
type Permission string

const (
	PermReportCreate    Permission = "report:create"
	PermReportSubmit    Permission = "report:submit"
	PermReportSubmitAny Permission = "report:submit:any"
	PermReportReview    Permission = "report:review"
	PermReportArchive   Permission = "report:archive"
	PermAssetManage     Permission = "asset:manage"
	PermAssetRevert     Permission = "asset:revert"
	PermReviewRead      Permission = "review:read"
	PermReviewReadAll   Permission = "review:read:all"
	PermReviewExport    Permission = "review:export"
)

// Valid reports whether the role is one of the known roles.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleSupervisor, RoleReviewer, RoleTechnician:
		return true
	}
	return false
}
