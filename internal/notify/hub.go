// Package notify fans out state-change events to subscribed clients. The dev
// server bridges subscribers onto WebSocket connections; the hub itself knows
// nothing about transports.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"duet-agent/internal/domain"
)

const sendBuffer = 64

// Subscriber is one client's event stream. Payloads arrive on Send as JSON;
// a subscriber that stops draining its channel loses events rather than
// blocking publishers.
type Subscriber struct {
	ID   string
	User string
	Send chan []byte
}

// Hub routes events to the subscribers of the users named on each event.
// Implements the conversation service's Publisher.
type Hub struct {
	mu    sync.RWMutex
	subs  map[string]*Subscriber
	users map[string]map[string]*Subscriber
}

func NewHub() *Hub {
	return &Hub{
		subs:  make(map[string]*Subscriber),
		users: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe registers a new event stream for user.
func (h *Hub) Subscribe(user string) *Subscriber {
	sub := &Subscriber{
		ID:   uuid.NewString(),
		User: user,
		Send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	if h.users[user] == nil {
		h.users[user] = make(map[string]*Subscriber)
	}
	h.users[user][sub.ID] = sub
	h.mu.Unlock()

	slog.Debug("subscriber registered", "user", user, "subscriberId", sub.ID)
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	if byID := h.users[sub.User]; byID != nil {
		delete(byID, sub.ID)
		if len(byID) == 0 {
			delete(h.users, sub.User)
		}
	}
	close(sub.Send)
}

type wireEvent struct {
	Type       string `json:"type"`
	QuestionID string `json:"questionId,omitempty"`
	Ts         int64  `json:"ts"`
}

// Publish delivers event to every subscriber of every user the event names.
// Slow subscribers are skipped, never waited on.
func (h *Hub) Publish(event domain.Event) {
	payload, err := json.Marshal(wireEvent{
		Type:       string(event.Kind),
		QuestionID: event.QuestionID,
		Ts:         time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("failed to encode event", "kind", event.Kind, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, user := range event.Users {
		for _, sub := range h.users[user] {
			select {
			case sub.Send <- payload:
			default:
				slog.Warn("subscriber buffer full, dropping event", "user", user, "subscriberId", sub.ID)
			}
		}
	}
}

// SubscriberCount reports how many streams user currently has open.
func (h *Hub) SubscriberCount(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[user])
}
