package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/forge-terminal/internal/identity"
	"github.com/ashureev/forge-terminal/internal/notify"
)

// HandleEvents streams notifications and workspace inserts for the caller's
// tab as Server-Sent Events. Reconnecting clients send Last-Event-ID and
// receive the queued events they missed.
func (h *ForgeHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			h.logger.Info("SSE client reconnecting with Last-Event-ID",
				"user_id", userID,
				"last_event_id", lastEventID,
			)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	missed, events, cancel := h.hub.Subscribe(userID, sessionID, lastEventID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.SSE.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","session_id":%q}`, sessionID)); err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	for _, ev := range missed {
		if err := writeEvent(w, ev); err != nil {
			h.logger.Warn("failed to replay SSE event", "error", err, "user_id", userID)
			return
		}
	}
	flusher.Flush()

	h.logger.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"replayed", len(missed),
	)

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "user_id", userID, "session_id", sessionID)
			return
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				h.logger.Warn("failed to write SSE event", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev notify.Event) error {
	return writeSSEWithID(w, ev.ID, ev.Type, string(ev.Data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
