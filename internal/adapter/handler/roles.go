package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"role-sync/internal/domain"
	"role-sync/internal/scheduler"
	"role-sync/internal/usecase"
	"role-sync/middleware"
	"role-sync/utils/logger"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RoleChecker reconciles a single user.
type RoleChecker interface {
	Execute(ctx context.Context, userID int64, force bool) (domain.ReconciliationResult, error)
}

// SweepController drives the background scheduler.
type SweepController interface {
	CheckAll(force bool)
	Restart()
	Status() scheduler.Status
}

// SyncIssueFinder reports users whose role data may be stale.
type SyncIssueFinder interface {
	Execute(ctx context.Context) (usecase.SyncIssuesReport, error)
}

// RoleConfiguration is the read-only view served by /roles/configuration.
type RoleConfiguration struct {
	GuildID              string                 `json:"discord_guild_id"`
	Bindings             domain.PrecedenceTable `json:"role_bindings"`
	CheckIntervalMinutes float64                `json:"role_check_interval"`
	CacheTTLSeconds      float64                `json:"role_cache_ttl_seconds"`
	CooldownSeconds      float64                `json:"role_check_cooldown_seconds"`
	Concurrency          int                    `json:"role_check_concurrency"`
	SPWorlds             SPWorldsIntegration    `json:"spworlds_integration"`
}

// SPWorldsIntegration describes the secondary identity integration.
type SPWorldsIntegration struct {
	Enabled bool   `json:"enabled"`
	MapID   string `json:"map_id,omitempty"`
	APIURL  string `json:"api_url"`
}

// RolesHandler serves the admin role synchronization endpoints.
type RolesHandler struct {
	checker RoleChecker
	sweeps  SweepController
	issues  SyncIssueFinder
	audit   domain.AuditLogger
	config  RoleConfiguration
	logger  *slog.Logger
}

// NewRolesHandler creates a new roles handler. audit may be nil.
func NewRolesHandler(checker RoleChecker, sweeps SweepController, issues SyncIssueFinder,
	audit domain.AuditLogger, config RoleConfiguration, l *slog.Logger) *RolesHandler {
	if l == nil {
		l = slog.Default()
	}
	return &RolesHandler{
		checker: checker,
		sweeps:  sweeps,
		issues:  issues,
		audit:   audit,
		config:  config,
		logger:  l.With("component", "roles_handler"),
	}
}

// Register mounts the routes on an admin-only group.
func (h *RolesHandler) Register(g *echo.Group) {
	g.POST("/check-all", h.CheckAll)
	g.POST("/check/:id", h.CheckUser)
	g.GET("/status", h.Status)
	g.POST("/restart", h.Restart)
	g.GET("/configuration", h.Configuration)
	g.GET("/sync-issues", h.SyncIssues)
}

// CheckAll starts a forced sweep of every active user.
func (h *RolesHandler) CheckAll(c echo.Context) error {
	admin := middleware.UserFromContext(c)
	h.sweeps.CheckAll(true)

	h.record(c, domain.AuditMassRoleCheck, "system", 0, map[string]any{
		"triggered_by": admin.DiscordUsername,
	})

	return c.JSON(http.StatusAccepted, map[string]string{
		"message":      "role check for all users started in the background",
		"triggered_by": admin.DiscordUsername,
	})
}

// CheckUser runs a forced reconciliation for one user and returns its result.
func (h *RolesHandler) CheckUser(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	admin := middleware.UserFromContext(c)

	ctx := logger.WithTrigger(context.WithoutCancel(c.Request().Context()), "admin")
	result, err := h.checker.Execute(ctx, userID, true)
	if err != nil {
		return mapDomainError(err)
	}

	h.record(c, domain.AuditUserRoleCheck, "user", userID, map[string]any{
		"result":       result,
		"triggered_by": admin.DiscordUsername,
	})

	return c.JSON(http.StatusOK, result)
}

// Status reports the scheduler and role cache state.
func (h *RolesHandler) Status(c echo.Context) error {
	st := h.sweeps.Status()
	h.record(c, domain.AuditViewStatus, "system", 0, map[string]any{
		"is_running":         st.Running,
		"cached_roles_count": st.CachedRoleCount,
	})
	return c.JSON(http.StatusOK, st)
}

// Restart stops and starts the background scheduler.
func (h *RolesHandler) Restart(c echo.Context) error {
	admin := middleware.UserFromContext(c)
	h.sweeps.Restart()

	h.record(c, domain.AuditRoleCheckerReboot, "system", 0, map[string]any{
		"restarted_by": admin.DiscordUsername,
	})

	return c.JSON(http.StatusOK, map[string]string{
		"message":      "role checker restarted",
		"restarted_by": admin.DiscordUsername,
	})
}

// Configuration returns the effective role synchronization settings.
func (h *RolesHandler) Configuration(c echo.Context) error {
	admin := middleware.UserFromContext(c)
	h.record(c, domain.AuditViewConfiguration, "system", 0, map[string]any{
		"viewed_by": admin.DiscordUsername,
	})
	return c.JSON(http.StatusOK, h.config)
}

// SyncIssues lists active users with stale or incomplete role data.
func (h *RolesHandler) SyncIssues(c echo.Context) error {
	report, err := h.issues.Execute(c.Request().Context())
	if err != nil {
		h.logger.ErrorContext(c.Request().Context(), "failed to collect sync issues", "error", err)
		return mapDomainError(err)
	}

	admin := middleware.UserFromContext(c)
	h.record(c, domain.AuditViewSyncIssues, "system", 0, map[string]any{
		"users_with_issues_count": report.UsersWithIssues,
		"viewed_by":               admin.DiscordUsername,
	})
	return c.JSON(http.StatusOK, report)
}

func (h *RolesHandler) record(c echo.Context, action, entityType string, entityID int64, details map[string]any) {
	if h.audit == nil {
		return
	}
	admin := middleware.UserFromContext(c)
	details["ip_address"] = c.RealIP()

	entry := domain.AuditEntry{
		ID:         uuid.NewString(),
		UserID:     admin.ID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		CreatedAt:  time.Now(),
	}
	if err := h.audit.Record(c.Request().Context(), entry); err != nil {
		h.logger.ErrorContext(c.Request().Context(), "failed to write audit record", "action", action, "error", err)
	}
}
