package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin             = "admin"
	RoleSales             = "sales"
	RoleOperations        = "operations"
	RoleOperationsManager = "operations-manager"
	RoleIT                = "it"
)

// HasRole reports whether roles contains one of want. Admin satisfies every check.
func HasRole(roles []string, want ...string) bool {
	for _, has := range roles {
		if has == RoleAdmin {
			return true
		}
		for _, w := range want {
			if has == w {
				return true
			}
		}
	}
	return false
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// CanAccessCountry reports whether the actor may act on records of country.
// Admins and IT see every country; everybody else only their own, and an
// actor without a country claim is not restricted.
func CanAccessCountry(a Actor, country string) bool {
	scope := CountryScope(a)
	return scope == "" || strings.EqualFold(scope, country)
}

// CountryScope returns the upper-cased country the actor is limited to, or
// "" when the actor sees every country.
func CountryScope(a Actor) string {
	if HasRole(a.Roles, RoleIT) {
		return ""
	}
	return strings.ToUpper(a.Country)
}
