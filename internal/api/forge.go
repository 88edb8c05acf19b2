package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/forge-terminal/internal/config"
	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/forge"
	"github.com/ashureev/forge-terminal/internal/identity"
	"github.com/ashureev/forge-terminal/internal/notify"
	"github.com/go-chi/chi/v5"
)

// submitGrace is added to the assistant timeout for history and transcript writes.
const submitGrace = 30 * time.Second

// ForgeHandler exposes the per-tab forge session over HTTP.
type ForgeHandler struct {
	mgr     *forge.Manager
	hub     *notify.Hub
	cfg     *config.Config
	limiter *rateLimiter
	logger  *slog.Logger
}

// NewForgeHandler creates the forge HTTP handler.
func NewForgeHandler(mgr *forge.Manager, hub *notify.Hub, cfg *config.Config, logger *slog.Logger) *ForgeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForgeHandler{
		mgr:     mgr,
		hub:     hub,
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		logger:  logger,
	}
}

// RegisterRoutes registers forge routes.
func (h *ForgeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Route("/api/forge", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/toggle", h.Toggle)
		r.Post("/close", h.Close)
		r.Put("/input", h.SetInput)
		r.Post("/keys", h.HandleKey)
		r.Post("/submit", h.Submit)
		r.Post("/clear", h.Clear)
		r.Post("/resize", h.Resize)
		r.Get("/history", h.GetHistory)
		r.Post("/artifacts/workspace", h.AddToWorkspace)
		r.Post("/artifacts/library", h.SaveToLibrary)
		r.Get("/events", h.HandleEvents)
	})
	r.Get("/ws/forge", h.HandleStream)
}

// stateResponse is the panel state together with the transcript.
type stateResponse struct {
	State    domain.PanelState `json:"state"`
	Messages []domain.Message  `json:"messages"`
	Epoch    uint64            `json:"epoch"`
}

func snapshot(ctrl *forge.Controller) stateResponse {
	log := ctrl.Transcript()
	return stateResponse{
		State:    ctrl.State(),
		Messages: log.Snapshot(),
		Epoch:    log.Epoch(),
	}
}

// session resolves the caller's controller, writing an error response on failure.
func (h *ForgeHandler) session(w http.ResponseWriter, r *http.Request) (*forge.Controller, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	ctrl, err := h.mgr.GetOrCreate(userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("Failed to create forge session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return nil, false
	}
	return ctrl, true
}

// submitContext detaches a submission from the request so a disconnecting
// client does not abandon a result that is already on its way.
func (h *ForgeHandler) submitContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.Assistant.RequestTimeout+submitGrace)
}

// writeSubmitError maps submission errors to status codes.
func (h *ForgeHandler) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, forge.ErrSubmissionInFlight):
		Error(w, http.StatusConflict, "submission already in flight")
	case errors.Is(err, forge.ErrPanelClosed):
		Error(w, http.StatusConflict, "panel is closed")
	default:
		// Assistant failures are already in the transcript.
		Error(w, http.StatusBadGateway, err.Error())
	}
}

// GetConfig returns the server configuration for the frontend.
func (h *ForgeHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"assistant_enabled": h.cfg.HasAssistant(),
		"sandbox_enabled":   h.cfg.Sandbox.Enabled,
	})
}

// GetState returns the panel state and transcript.
func (h *ForgeHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, snapshot(ctrl))
}

// Toggle opens or closes the panel.
func (h *ForgeHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := ctrl.Toggle(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	JSON(w, http.StatusOK, snapshot(ctrl))
}

// Close closes the panel.
func (h *ForgeHandler) Close(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	ctrl.Close()
	JSON(w, http.StatusOK, snapshot(ctrl))
}

type inputRequest struct {
	Text  string `json:"text"`
	Caret int    `json:"caret"`
}

// SetInput replaces the input buffer and caret.
func (h *ForgeHandler) SetInput(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	var req inputRequest
	if !decodeBody(w, r, h.cfg.SSE.MaxRequestBodySize, &req) {
		return
	}
	ctrl.SetInput(req.Text, req.Caret)
	JSON(w, http.StatusOK, snapshot(ctrl))
}

type keyResponse struct {
	Consumed bool `json:"consumed"`
	stateResponse
}

// HandleKey applies a key press. Enter submits and responds once the
// result is in the transcript.
func (h *ForgeHandler) HandleKey(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	var key forge.Key
	if !decodeBody(w, r, h.cfg.SSE.MaxRequestBodySize, &key) {
		return
	}

	ctx := r.Context()
	if key.Name == forge.KeyEnter && !key.Shift {
		if !h.limiter.Allow(identity.UserIDFromContext(ctx)) {
			Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = h.submitContext(r)
		defer cancel()
	}

	consumed, err := ctrl.HandleKey(ctx, key)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	JSON(w, http.StatusOK, keyResponse{Consumed: consumed, stateResponse: snapshot(ctrl)})
}

type submitRequest struct {
	Text string `json:"text"`
}

// Submit sends text to the assistant and responds with the updated transcript.
func (h *ForgeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	if !h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req submitRequest
	if !decodeBody(w, r, h.cfg.SSE.MaxRequestBodySize, &req) {
		return
	}

	ctx, cancel := h.submitContext(r)
	defer cancel()
	if err := ctrl.Submit(ctx, req.Text); err != nil {
		h.writeSubmitError(w, err)
		return
	}
	JSON(w, http.StatusOK, snapshot(ctrl))
}

// Clear resets the transcript.
func (h *ForgeHandler) Clear(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	ctrl.Clear()
	JSON(w, http.StatusOK, snapshot(ctrl))
}

type resizeRequest struct {
	Phase  string `json:"phase"`
	Y      int    `json:"y"`
	Height *int   `json:"height,omitempty"`
}

// Resize drives the drag-to-resize gesture, or sets the height directly.
func (h *ForgeHandler) Resize(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	var req resizeRequest
	if !decodeBody(w, r, h.cfg.SSE.MaxRequestBodySize, &req) {
		return
	}
	switch req.Phase {
	case "begin":
		ctrl.BeginResize(req.Y)
	case "move":
		ctrl.DragResize(req.Y)
	case "end":
		ctrl.EndResize()
	case "set":
		if req.Height == nil {
			Error(w, http.StatusBadRequest, "height is required")
			return
		}
		ctrl.SetHeight(*req.Height)
	default:
		Error(w, http.StatusBadRequest, "phase must be begin, move, end or set")
		return
	}
	JSON(w, http.StatusOK, snapshot(ctrl))
}

// GetHistory returns the prompt history, oldest first.
func (h *ForgeHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string][]string{"entries": ctrl.History(r.Context())})
}

type artifactRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// AddToWorkspace validates the code and inserts the artifact into the workspace.
func (h *ForgeHandler) AddToWorkspace(w http.ResponseWriter, r *http.Request) {
	h.artifactAction(w, r, (*forge.Controller).AddToWorkspace)
}

// SaveToLibrary validates the code and saves it to the component library.
func (h *ForgeHandler) SaveToLibrary(w http.ResponseWriter, r *http.Request) {
	h.artifactAction(w, r, (*forge.Controller).SaveToLibrary)
}

func (h *ForgeHandler) artifactAction(w http.ResponseWriter, r *http.Request, run func(*forge.Controller, context.Context, string, string) error) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	var req artifactRequest
	if !decodeBody(w, r, h.cfg.SSE.MaxRequestBodySize, &req) {
		return
	}
	if req.Code == "" {
		Error(w, http.StatusBadRequest, "code is required")
		return
	}

	ctx, cancel := h.submitContext(r)
	defer cancel()
	if err := run(ctrl, ctx, req.Code, req.Name); err != nil {
		// The failure was already raised as a notification.
		if errors.Is(err, forge.ErrNotConfigured) {
			Error(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, http.StatusOK, snapshot(ctrl))
}
