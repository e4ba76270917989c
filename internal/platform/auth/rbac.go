package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognized by the access layer. Admin implicitly satisfies every
// role check.
const (
	RoleAdmin       = "admin"
	RoleRadiologist = "radiologist"
	RoleUploader    = "uploader"
	RoleAuditor     = "auditor"
)

// HasRole reports whether the role list contains the given role, treating
// admin as a superset of all roles.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				if HasRole(userRoles, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireScope returns middleware that checks if the user holds the required
// scope. Scopes are "resource.operation" strings (e.g. "studies.read",
// "uploads.write") and grants may wildcard either side ("studies.*", "*.read",
// "*.*").
func RequireScope(required string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scopes := ScopesFromContext(c.Request().Context())
			for _, scope := range scopes {
				if matchScope(scope, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// matchScope checks if a granted scope covers the required scope.
// "*" on either side of the dot matches any value for that side.
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}

	gParts := strings.SplitN(granted, ".", 2)
	rParts := strings.SplitN(required, ".", 2)

	if len(gParts) != 2 || len(rParts) != 2 {
		return false
	}

	resMatch := gParts[0] == rParts[0] || gParts[0] == "*"
	opMatch := gParts[1] == rParts[1] || gParts[1] == "*"

	return resMatch && opMatch
}
