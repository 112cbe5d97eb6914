package middleware

import (
	"github.com/labstack/echo/v4"
)

// CheckEnqueuer accepts a background role check.
type CheckEnqueuer interface {
	Enqueue(userID int64, force bool, reason string) bool
}

// PassiveRoleCheck queues a non-forced role check for the authenticated user
// once the handler has produced its response. The response is never delayed
// and a full queue only drops the check.
func PassiveRoleCheck(dispatcher CheckEnqueuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if u := UserFromContext(c); u != nil {
				dispatcher.Enqueue(u.ID, false, "request")
			}
			return err
		}
	}
}

// PassiveRoleCheckOnConnect is PassiveRoleCheck for long-lived streaming
// routes: the check is queued when the stream opens, not when it closes.
func PassiveRoleCheckOnConnect(dispatcher CheckEnqueuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if u := UserFromContext(c); u != nil {
				dispatcher.Enqueue(u.ID, false, "stream")
			}
			return next(c)
		}
	}
}
