package service

import (
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"

	"github.com/ampline/fieldtest-api/internal/models"
)

func permissionSet(perms ...models.Permission) map[models.Permission]struct{} {
	set := make(map[models.Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

var (
	technicianPermissions = []models.Permission{
		models.PermReportCreate,
		models.PermReportSubmit,
		models.PermAssetManage,
		models.PermAssetRevert,
		models.PermReviewRead,
	}
	reviewerPermissions = append(append([]models.Permission{}, technicianPermissions...),
		models.PermReportSubmitAny,
		models.PermReportReview,
		models.PermReportArchive,
		models.PermReviewReadAll,
		models.PermReviewExport,
	)
)

// rolePermissions is the authorization table. Roles missing from it hold nothing.
var rolePermissions = map[models.UserRole]map[models.Permission]struct{}{
	models.RoleTechnician: permissionSet(technicianPermissions...),
	models.RoleReviewer:   permissionSet(reviewerPermissions...),
	models.RoleSupervisor: permissionSet(reviewerPermissions...),
	models.RoleAdmin:      permissionSet(reviewerPermissions...),
}

// HasPermission reports whether the role holds the permission.
func HasPermission(role models.UserRole, perm models.Permission) bool {
	_, ok := rolePermissions[role][perm]
	return ok
}

// Authorize fails with an unauthorized error for a missing actor and a
// forbidden error when the actor's role lacks the permission.
func Authorize(actor *models.JWTClaims, perm models.Permission) error {
	if actor == nil || actor.UserID == "" {
		return appErrors.ErrUnauthorized
	}
	if !HasPermission(actor.Role, perm) {
		return appErrors.WithDetails(appErrors.ErrForbidden, map[string]interface{}{
			"role":       actor.Role,
			"permission": perm,
		})
	}
	return nil
}
