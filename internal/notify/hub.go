// Package notify delivers toast notifications and workspace events to the
// browser over server-sent events, with per-session replay.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/forge-terminal/internal/domain"
)

// Event types published on a session stream.
const (
	EventError           = "notify.error"
	EventSuccess         = "notify.success"
	EventWorkspaceInsert = "workspace.insert"
)

// Notifier is the fire-and-forget notification channel.
type Notifier interface {
	NotifyError(title string, details []string)
	NotifySuccess(title string)
}

// Event is one message on a session stream.
type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub fans events out to the live subscribers of each session and keeps a
// bounded replay queue for reconnecting clients.
type Hub struct {
	mu        sync.Mutex
	queue     *replayQueue
	subs      map[string]map[int64]chan Event
	eventID   int64
	connID    int64
	subBuffer int
	logger    *slog.Logger
}

// NewHub creates a hub keeping up to queueSize events per session.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queue:     newReplayQueue(queueSize),
		subs:      make(map[string]map[int64]chan Event),
		subBuffer: 32,
		logger:    logger,
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Publish assigns the next event ID, queues the event for replay and sends it
// to every live subscriber of the session. Subscribers that are not keeping
// up miss the event and pick it up from the queue on reconnect.
func (h *Hub) Publish(userID, sessionID, eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	key := sessionKey(userID, sessionID)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.eventID++
	ev := Event{ID: h.eventID, Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	h.queue.enqueue(key, ev)

	for id, ch := range h.subs[key] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("notification subscriber too slow, skipping event",
				"user_id", userID, "session_id", sessionID, "conn_id", id, "event_id", ev.ID)
		}
	}
	return ev, nil
}

// Subscribe registers a live subscriber. It returns the queued events newer
// than afterID, the live channel, and a cancel func that must be called.
func (h *Hub) Subscribe(userID, sessionID string, afterID int64) ([]Event, <-chan Event, func()) {
	key := sessionKey(userID, sessionID)

	h.mu.Lock()
	defer h.mu.Unlock()

	var missed []Event
	if afterID > 0 {
		missed = h.queue.after(key, afterID)
	}

	h.connID++
	id := h.connID
	ch := make(chan Event, h.subBuffer)
	if h.subs[key] == nil {
		h.subs[key] = make(map[int64]chan Event)
	}
	h.subs[key][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if conns, ok := h.subs[key]; ok {
				delete(conns, id)
				if len(conns) == 0 {
					delete(h.subs, key)
				}
			}
		})
	}
	return missed, ch, cancel
}

// Prune drops the replay queue of a session that has ended.
func (h *Hub) Prune(userID, sessionID string) {
	h.queue.prune(sessionKey(userID, sessionID))
}

// For returns the notification and workspace channel of one session.
func (h *Hub) For(userID, sessionID string) *Channel {
	return &Channel{hub: h, userID: userID, sessionID: sessionID}
}

// Channel publishes onto one session's stream.
type Channel struct {
	hub       *Hub
	userID    string
	sessionID string
}

type notification struct {
	Title   string   `json:"title"`
	Details []string `json:"details,omitempty"`
}

// NotifyError raises an error toast.
func (c *Channel) NotifyError(title string, details []string) {
	if _, err := c.hub.Publish(c.userID, c.sessionID, EventError, notification{Title: title, Details: details}); err != nil {
		c.hub.logger.Warn("failed to publish error notification", "error", err, "user_id", c.userID)
	}
}

// NotifySuccess raises a success toast.
func (c *Channel) NotifySuccess(title string) {
	if _, err := c.hub.Publish(c.userID, c.sessionID, EventSuccess, notification{Title: title}); err != nil {
		c.hub.logger.Warn("failed to publish success notification", "error", err, "user_id", c.userID)
	}
}

// Insert asks the browser canvas of this session to materialize the artifact.
func (c *Channel) Insert(ctx context.Context, artifact domain.ArtifactDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.hub.Publish(c.userID, c.sessionID, EventWorkspaceInsert, artifact); err != nil {
		return fmt.Errorf("publish workspace insert: %w", err)
	}
	return nil
}
