package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
)

// PermissionAdmin is the super-admin permission. It grants every admin
// route and lets the caller act on any subject.
const PermissionAdmin = "platform:admin"

// Permissions of the admin routes.
const (
	PermissionMigrationReset = "migration:reset"
	PermissionToggleWrite    = "migration:toggle"
	PermissionReserveRead    = "reserve:read"
	PermissionReserveWrite   = "reserve:write"
	PermissionRegistryRead   = "registry:read"
	PermissionStatsRead      = "stats:read"
)

// RequirePermission returns middleware that checks if the authenticated user
// has a specific global permission (from their platform role).
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get("permissions")
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": apperrors.CodeForbidden, "message": "no permissions in context",
			})
			return
		}
		permList, ok := perms.([]string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": apperrors.CodeForbidden, "message": "invalid permissions type",
			})
			return
		}

		if slices.Contains(permList, PermissionAdmin) || slices.Contains(permList, permission) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code": apperrors.CodeForbidden, "message": "insufficient permissions",
		})
	}
}

// CallerFrom builds the domain caller of the request. Only
// PermissionAdmin makes the caller an admin.
func CallerFrom(c *gin.Context) domain.Caller {
	ctx := c.Request.Context()
	return domain.Caller{
		ID:    GetUserID(ctx),
		Admin: slices.Contains(GetPermissions(ctx), PermissionAdmin),
	}
}

// AdminCaller is CallerFrom for routes already gated by RequirePermission,
// where the granted permission stands in for the admin role.
func AdminCaller(c *gin.Context) domain.Caller {
	caller := CallerFrom(c)
	caller.Admin = true
	return caller
}
