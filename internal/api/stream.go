package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/forge"
	"github.com/ashureev/forge-terminal/internal/identity"
	"github.com/ashureev/forge-terminal/internal/transcript"
	"github.com/coder/websocket"
)

const (
	streamBuffer = 64
	writeTimeout = 10 * time.Second
)

// streamFrame is a server-to-client WebSocket message.
type streamFrame struct {
	Type     string             `json:"type"`
	Epoch    uint64             `json:"epoch,omitempty"`
	Message  *domain.Message    `json:"message,omitempty"`
	Messages []domain.Message   `json:"messages,omitempty"`
	State    *domain.PanelState `json:"state,omitempty"`
	Consumed *bool              `json:"consumed,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// clientFrame is a client-to-server WebSocket message.
type clientFrame struct {
	Type  string        `json:"type"`
	Text  string        `json:"text,omitempty"`
	Caret int           `json:"caret,omitempty"`
	Key   forge.KeyName `json:"key,omitempty"`
	Shift bool          `json:"shift,omitempty"`
}

// HandleStream upgrades to a WebSocket carrying the tab's transcript and
// panel state. The client receives a snapshot, then append/reset and state
// frames; it sends input, key, clear and ping frames.
func (h *ForgeHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, messages := ctrl.Transcript().Subscribe(streamBuffer)
	defer sub.Close()
	changes, stopWatch := ctrl.Watch()
	defer stopWatch()

	state := ctrl.State()
	if err := writeFrame(ctx, ws, streamFrame{
		Type:     "snapshot",
		Epoch:    ctrl.Transcript().Epoch(),
		Messages: messages,
		State:    &state,
	}); err != nil {
		h.logger.Debug("Failed to send snapshot", "error", err, "user_id", userID)
		return
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, ctrl, userID, sessionID)
	}()

	h.outputLoop(ctx, ws, ctrl, sub, changes, userID)
	h.logger.Info("Forge stream ended", "user_id", userID, "session_id", sessionID)
}

func (h *ForgeHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.FrontendURL == "*" || origin == h.cfg.FrontendURL {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}

// inputLoop applies client frames in order. Every frame counts as activity
// for idle expiry.
func (h *ForgeHandler) inputLoop(ctx context.Context, ws *websocket.Conn, ctrl *forge.Controller, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		h.mgr.Touch(userID, sessionID)

		var msg clientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, ws, streamFrame{Type: "error", Error: "invalid frame"})
			continue
		}

		switch msg.Type {
		case "input":
			ctrl.SetInput(msg.Text, msg.Caret)
		case "key":
			h.handleStreamKey(ctx, ws, ctrl, forge.Key{Name: msg.Key, Shift: msg.Shift}, userID)
		case "clear":
			ctrl.Clear()
		case "ping":
			h.reply(ctx, ws, streamFrame{Type: "pong"})
		default:
			h.reply(ctx, ws, streamFrame{Type: "error", Error: "unknown frame type " + msg.Type})
		}
	}
}

// handleStreamKey answers whether the key was consumed. Enter submits the
// buffer as it is when the key arrives, in the background so the connection
// keeps reading; the result arrives as an append. The submission outlives the
// connection.
func (h *ForgeHandler) handleStreamKey(ctx context.Context, ws *websocket.Conn, ctrl *forge.Controller, key forge.Key, userID string) {
	if key.Name == forge.KeyEnter && !key.Shift {
		st := ctrl.State()
		consumed := st.Open
		h.reply(ctx, ws, streamFrame{Type: "key", Consumed: &consumed})
		if !consumed {
			return
		}
		if !h.limiter.Allow(userID) {
			h.reply(ctx, ws, streamFrame{Type: "error", Error: "rate limit exceeded"})
			return
		}
		go func() {
			submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.Assistant.RequestTimeout+submitGrace)
			defer cancel()
			if err := ctrl.Submit(submitCtx, st.Input); err != nil {
				h.reply(ctx, ws, streamFrame{Type: "error", Error: err.Error()})
			}
		}()
		return
	}

	consumed, err := ctrl.HandleKey(ctx, key)
	if err != nil {
		h.reply(ctx, ws, streamFrame{Type: "error", Error: err.Error()})
		return
	}
	h.reply(ctx, ws, streamFrame{Type: "key", Consumed: &consumed})
}

func (h *ForgeHandler) outputLoop(ctx context.Context, ws *websocket.Conn, ctrl *forge.Controller, sub *transcript.Subscription, changes <-chan struct{}, userID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Slow consumer or expired session; the client reconnects for a fresh snapshot.
				h.logger.Info("Transcript subscription ended", "user_id", userID)
				return
			}
			frame := streamFrame{Type: string(ev.Type), Epoch: ev.Epoch, Message: ev.Message, Messages: ev.Messages}
			if err := writeFrame(ctx, ws, frame); err != nil {
				h.logger.Debug("Failed to write transcript frame", "error", err, "user_id", userID)
				return
			}
		case <-changes:
			state := ctrl.State()
			if err := writeFrame(ctx, ws, streamFrame{Type: "state", State: &state}); err != nil {
				h.logger.Debug("Failed to write state frame", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *ForgeHandler) reply(ctx context.Context, ws *websocket.Conn, frame streamFrame) {
	if err := writeFrame(ctx, ws, frame); err != nil {
		h.logger.Debug("Failed to write reply", "type", frame.Type, "error", err)
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
