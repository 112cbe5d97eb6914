package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"role-sync/internal/domain"
	"role-sync/internal/infrastructure/notifier"
	"role-sync/middleware"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// newEventsServer authenticates callers from X-Test-User / X-Test-Role headers.
func newEventsServer(t *testing.T, hub *notifier.Hub, heartbeat time.Duration) *httptest.Server {
	t.Helper()
	h := NewEventsHandler(hub, heartbeat, nil)

	e := echo.New()
	g := e.Group("/api/v1/events", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := strconv.ParseInt(c.Request().Header.Get("X-Test-User"), 10, 64)
			if err == nil {
				role, _ := domain.ParseRole(c.Request().Header.Get("X-Test-Role"))
				middleware.SetUser(c, &domain.User{ID: id, Role: role, Active: true})
			}
			return next(c)
		}
	})
	g.GET("/role-updates", h.Stream)
	g.GET("/role-updates/status", h.Status)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

type streamClient struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func openStream(t *testing.T, srv *httptest.Server, userID int64, role string) *streamClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/role-updates", nil)
	require.NoError(t, err)
	req.Header.Set("X-Test-User", strconv.FormatInt(userID, 10))
	req.Header.Set("X-Test-Role", role)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	sc := &streamClient{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(sc.close)
	return sc
}

func (s *streamClient) close() {
	s.cancel()
	s.resp.Body.Close()
}

func (s *streamClient) next(t *testing.T) streamFrame {
	t.Helper()
	for {
		line, err := s.reader.ReadString('\n')
		require.NoError(t, err)
		payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var f streamFrame
		require.NoError(t, json.Unmarshal([]byte(payload), &f))
		return f
	}
}

func roleChange(userID int64) domain.RoleChangeEvent {
	return domain.RoleChangeEvent{
		ID:         "evt-" + strconv.FormatInt(userID, 10),
		UserID:     userID,
		OldRole:    domain.RoleCitizen,
		NewRole:    domain.RolePolice,
		OccurredAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		User:       domain.PublicUser{DiscordUsername: "user" + strconv.FormatInt(userID, 10), Active: true},
	}
}

func TestEventsHandler_StreamsOwnRoleUpdates(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, time.Minute)

	stream := openStream(t, srv, 7, "citizen")
	assert.Equal(t, http.StatusOK, stream.resp.StatusCode)
	assert.Equal(t, "text/event-stream", stream.resp.Header.Get("Content-Type"))

	hello := stream.next(t)
	assert.Equal(t, "connected", hello.Event)
	assert.JSONEq(t, `{"message":"connected to role updates"}`, string(hello.Data))

	hub.Publish(roleChange(99))
	hub.Publish(roleChange(7))

	update := stream.next(t)
	require.Equal(t, "role_update", update.Event)

	var got domain.RoleChangeEvent
	require.NoError(t, json.Unmarshal(update.Data, &got))
	assert.Equal(t, roleChange(7), got, "events for other users are not delivered")
}

func TestEventsHandler_AdminReceivesEveryUpdate(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, time.Minute)

	stream := openStream(t, srv, 1, "admin")
	require.Equal(t, "connected", stream.next(t).Event)
	assert.Equal(t, notifier.Stats{Admins: 1, Total: 1}, hub.Stats())

	hub.Publish(roleChange(42))

	update := stream.next(t)
	require.Equal(t, "role_update", update.Event)
	assert.Contains(t, string(update.Data), `"user_id":42`)
}

func TestEventsHandler_DemotedAdminStopsReceivingOthers(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, time.Minute)

	stream := openStream(t, srv, 1, "admin")
	require.Equal(t, "connected", stream.next(t).Event)

	demoted := roleChange(1)
	demoted.OldRole, demoted.NewRole = domain.RoleAdmin, domain.RoleCitizen
	hub.Publish(demoted)

	other := roleChange(99)
	other.User.GameUsername = "secret_nick"
	hub.Publish(other)

	own := roleChange(1)
	hub.Publish(own)

	first := stream.next(t)
	require.Equal(t, "role_update", first.Event)
	assert.Contains(t, string(first.Data), `"new_role":"citizen"`)

	second := stream.next(t)
	require.Equal(t, "role_update", second.Event)
	assert.Contains(t, string(second.Data), `"user_id":1`)
	assert.NotContains(t, string(second.Data), "secret_nick")
	assert.Equal(t, notifier.Stats{Users: 1, Total: 1}, hub.Stats())
}

func TestEventsHandler_PromotedUserReceivesOthers(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, time.Minute)

	stream := openStream(t, srv, 6, "police")
	require.Equal(t, "connected", stream.next(t).Event)

	promoted := roleChange(6)
	promoted.OldRole, promoted.NewRole = domain.RolePolice, domain.RoleAdmin
	hub.Publish(promoted)
	hub.Publish(roleChange(42))

	assert.Contains(t, string(stream.next(t).Data), `"user_id":6`)
	assert.Contains(t, string(stream.next(t).Data), `"user_id":42`)
}

func TestEventsHandler_AccessLossEndsStream(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, time.Minute)

	stream := openStream(t, srv, 4, "citizen")
	require.Equal(t, "connected", stream.next(t).Event)

	revoked := roleChange(4)
	revoked.NewRole = domain.RoleNone
	hub.Publish(revoked)

	require.Equal(t, "role_update", stream.next(t).Event)

	_, err := io.ReadAll(stream.reader)
	require.NoError(t, err, "stream ends cleanly")
	require.Eventually(t, func() bool { return hub.Stats().Total == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsHandler_Heartbeat(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, 20*time.Millisecond)

	stream := openStream(t, srv, 3, "police")
	require.Equal(t, "connected", stream.next(t).Event)

	beat := stream.next(t)
	assert.Equal(t, "heartbeat", beat.Event)

	var data map[string]int64
	require.NoError(t, json.Unmarshal(beat.Data, &data))
	assert.InDelta(t, time.Now().Unix(), data["timestamp"], 5)
}

func TestEventsHandler_DisconnectUnsubscribes(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, time.Minute)

	stream := openStream(t, srv, 5, "citizen")
	require.Equal(t, "connected", stream.next(t).Event)
	require.Equal(t, 1, hub.Stats().Users)

	stream.close()

	require.Eventually(t, func() bool { return hub.Stats().Total == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsHandler_RequiresUser(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	srv := newEventsServer(t, hub, time.Minute)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/events/role-updates")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.Stats().Total)
}

func TestEventsHandler_Status(t *testing.T) {
	hub := notifier.NewHub(4, nil)
	hub.Subscribe(1)
	hub.Subscribe(2)
	hub.SubscribeAdmin(3)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/events/role-updates/status", nil), rec)

	require.NoError(t, NewEventsHandler(hub, 0, nil).Status(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_connections":2,"admin_connections":1,"total_connections":3}`, rec.Body.String())
}
