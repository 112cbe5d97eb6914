// Package notifier fans role change events out to live subscribers.
package notifier

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"role-sync/internal/domain"
	"role-sync/metrics"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 16

// Subscription is one live listener. Events is closed on Unsubscribe.
type Subscription struct {
	ID        string
	UserID    int64
	CreatedAt time.Time

	admin  atomic.Bool
	ch     chan domain.RoleChangeEvent
	closed bool
}

// Admin reports whether the subscription currently receives every event.
// It follows the subscriber's role as role changes are published.
func (s *Subscription) Admin() bool {
	return s.admin.Load()
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan domain.RoleChangeEvent {
	return s.ch
}

// Stats counts live subscriptions.
type Stats struct {
	Users  int `json:"user_connections"`
	Admins int `json:"admin_connections"`
	Total  int `json:"total_connections"`
}

// Hub is a publish/subscribe registry with bounded per-subscriber buffers.
// Implements domain.ChangePublisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub. A non-positive buffer uses DefaultBuffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "notifier"),
	}
}

// Subscribe registers a listener for events about userID.
func (h *Hub) Subscribe(userID int64) *Subscription {
	return h.add(userID, false)
}

// SubscribeAdmin registers a listener for every event.
func (h *Hub) SubscribeAdmin(userID int64) *Subscription {
	return h.add(userID, true)
}

func (h *Hub) add(userID int64, admin bool) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		ch:        make(chan domain.RoleChangeEvent, h.buffer),
	}
	sub.admin.Store(admin)

	h.mu.Lock()
	h.subs[sub.ID] = sub
	stats := h.statsLocked()
	h.mu.Unlock()

	h.report(stats)
	h.logger.Info("subscriber connected", "subscription_id", sub.ID, "user_id", userID, "admin", admin)
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.subs[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.ID)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	stats := h.statsLocked()
	h.mu.Unlock()

	h.report(stats)
	h.logger.Info("subscriber disconnected", "subscription_id", sub.ID, "user_id", sub.UserID)
}

// Publish delivers event to the affected user's subscriptions and to every
// admin subscription. The affected user's subscriptions are moved to the tier
// of the new role first, so a demoted admin stops receiving other users'
// events. It never blocks: a full buffer drops the event for that subscriber only.
func (h *Hub) Publish(event domain.RoleChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retiered := false
	for _, sub := range h.subs {
		if sub.UserID == event.UserID {
			admin := event.NewRole == domain.RoleAdmin
			if sub.admin.Swap(admin) != admin {
				retiered = true
				h.logger.Info("subscription tier changed",
					"subscription_id", sub.ID, "user_id", sub.UserID, "admin", admin)
			}
		}
		if !sub.Admin() && sub.UserID != event.UserID {
			continue
		}
		select {
		case sub.ch <- event:
			metrics.RecordEvent("delivered")
		default:
			metrics.RecordEvent("dropped")
			h.logger.Warn("subscriber buffer full, dropping event",
				"subscription_id", sub.ID, "user_id", sub.UserID, "event_id", event.ID)
		}
	}
	if retiered {
		h.report(h.statsLocked())
	}
}

// Stats counts live subscriptions.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statsLocked()
}

func (h *Hub) statsLocked() Stats {
	var st Stats
	for _, sub := range h.subs {
		if sub.Admin() {
			st.Admins++
		} else {
			st.Users++
		}
	}
	st.Total = st.Users + st.Admins
	return st
}

func (h *Hub) report(st Stats) {
	metrics.SetSubscribers("user", st.Users)
	metrics.SetSubscribers("admin", st.Admins)
}
