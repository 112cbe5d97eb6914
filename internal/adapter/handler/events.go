package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"role-sync/internal/domain"
	"role-sync/internal/infrastructure/notifier"
	"role-sync/middleware"

	"github.com/labstack/echo/v4"
)

// DefaultHeartbeat is the idle interval after which a heartbeat event is sent.
const DefaultHeartbeat = 30 * time.Second

// EventHub registers live role update listeners.
type EventHub interface {
	Subscribe(userID int64) *notifier.Subscription
	SubscribeAdmin(userID int64) *notifier.Subscription
	Unsubscribe(sub *notifier.Subscription)
	Stats() notifier.Stats
}

// EventsHandler streams role change events over server-sent events.
type EventsHandler struct {
	hub       EventHub
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewEventsHandler creates a new events handler. A non-positive heartbeat uses DefaultHeartbeat.
func NewEventsHandler(hub EventHub, heartbeat time.Duration, l *slog.Logger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if l == nil {
		l = slog.Default()
	}
	return &EventsHandler{hub: hub, heartbeat: heartbeat, logger: l.With("component", "events_handler")}
}

type sseMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Stream serves /events/role-updates. Admins receive every change, other
// users only changes to their own role. The hub re-tiers the subscription when
// the user's own role changes; losing access ends the stream.
func (h *EventsHandler) Stream(c echo.Context) error {
	user := middleware.UserFromContext(c)
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support flushing")
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	var sub *notifier.Subscription
	if user.Role == domain.RoleAdmin {
		sub = h.hub.SubscribeAdmin(user.ID)
	} else {
		sub = h.hub.Subscribe(user.ID)
	}
	defer h.hub.Unsubscribe(sub)

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	send := func(msg sseMessage) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(sseMessage{Event: "connected", Data: map[string]string{"message": "connected to role updates"}}); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	timer := time.NewTimer(h.heartbeat)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.DebugContext(ctx, "event stream closed by client", "user_id", user.ID)
			return nil

		case event, open := <-sub.Events():
			if !open {
				return nil
			}
			if err := send(sseMessage{Event: "role_update", Data: event}); err != nil {
				h.logger.InfoContext(ctx, "client disconnected", "user_id", user.ID, "error", err)
				return nil
			}
			if event.UserID == user.ID && !event.NewRole.GrantsAccess() {
				h.logger.InfoContext(ctx, "closing event stream after access loss", "user_id", user.ID)
				return nil
			}
			timer.Reset(h.heartbeat)

		case now := <-timer.C:
			if err := send(sseMessage{Event: "heartbeat", Data: map[string]int64{"timestamp": now.Unix()}}); err != nil {
				h.logger.InfoContext(ctx, "client disconnected during heartbeat", "user_id", user.ID, "error", err)
				return nil
			}
			timer.Reset(h.heartbeat)
		}
	}
}

// Status serves /events/role-updates/status.
func (h *EventsHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.hub.Stats())
}
