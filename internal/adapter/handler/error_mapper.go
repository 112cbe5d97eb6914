package handler

import (
	"errors"
	"net/http"

	"role-sync/internal/domain"

	"github.com/labstack/echo/v4"
)

// mapDomainError converts a domain error into an appropriate echo.HTTPError.
func mapDomainError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "user not found")

	case errors.Is(err, domain.ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")

	case errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrUserInactive):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")

	case errors.Is(err, domain.ErrInvalidRole):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role")

	case errors.Is(err, domain.ErrExternalUnavailable),
		errors.Is(err, domain.ErrTokenRefreshFailed),
		errors.Is(err, domain.ErrCredentialRejected):
		return echo.NewHTTPError(http.StatusBadGateway, "identity provider unavailable")

	case errors.Is(err, domain.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")

	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
