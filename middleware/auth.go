package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"role-sync/internal/domain"

	"github.com/labstack/echo/v4"
)

const userContextKey = "rolesync.user"

// TokenVerifier validates a bearer token and returns the Discord id it was issued for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Authenticate resolves the bearer token to an active local user.
// The token is read from the Authorization header, or from the token query
// parameter for clients that cannot set headers (EventSource).
func Authenticate(verifier TokenVerifier, users domain.UserLookup, logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c.Request())
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			discordID, err := verifier.Verify(raw)
			if err != nil {
				logger.DebugContext(c.Request().Context(), "token rejected", "error", err)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			user, err := users.GetByDiscordID(c.Request().Context(), discordID)
			if err != nil {
				if errors.Is(err, domain.ErrUserNotFound) {
					return echo.NewHTTPError(http.StatusUnauthorized, "user not found")
				}
				if errors.Is(err, context.Canceled) {
					return err
				}
				logger.ErrorContext(c.Request().Context(), "user lookup failed", "error", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
			if !user.Active {
				return echo.NewHTTPError(http.StatusForbidden, domain.ErrUserInactive.Error())
			}

			SetUser(c, user)
			return next(c)
		}
	}
}

// RequireAdmin rejects authenticated users below RoleAdmin.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			u := UserFromContext(c)
			if u == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if u.Role != domain.RoleAdmin {
				return echo.NewHTTPError(http.StatusForbidden, "admin role required")
			}
			return next(c)
		}
	}
}

// SetUser stores the authenticated user on the request context.
func SetUser(c echo.Context, u *domain.User) {
	c.Set(userContextKey, u)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(c echo.Context) *domain.User {
	u, _ := c.Get(userContextKey).(*domain.User)
	return u
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
