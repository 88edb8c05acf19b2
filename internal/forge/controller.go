package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/history"
	"github.com/ashureev/forge-terminal/internal/notify"
	"github.com/ashureev/forge-terminal/internal/transcript"
)

var (
	// ErrNotConfigured is returned by Toggle when the assistant is unavailable.
	ErrNotConfigured = errors.New("component assistant is not configured")
	// ErrPanelClosed is returned when submitting to a closed panel.
	ErrPanelClosed = errors.New("forge panel is closed")
)

// TitleNotConfigured is the notification raised when the panel cannot open.
const TitleNotConfigured = "Component Forge is not available"

// KeyName identifies a key the controller reacts to.
type KeyName string

// Keys handled by the terminal input.
const (
	KeyEnter     KeyName = "Enter"
	KeyArrowUp   KeyName = "ArrowUp"
	KeyArrowDown KeyName = "ArrowDown"
)

// Key is one key press on the terminal input.
type Key struct {
	Name  KeyName `json:"key"`
	Shift bool    `json:"shift"`
}

// ArtifactActions are the delegated artifact actions of a session.
type ArtifactActions interface {
	AddToWorkspace(ctx context.Context, code, name string) error
	SaveToLibrary(ctx context.Context, code, name string) error
}

var _ ArtifactActions = (*agent.Actions)(nil)

// Options configures a Controller.
type Options struct {
	SessionID string
	// Configured is the precondition checked before the panel opens.
	// Nil means always configured.
	Configured func(ctx context.Context) error
	Notifier   notify.Notifier
	Actions    ArtifactActions
	Logger     *slog.Logger
}

// Controller owns one terminal panel: its open state, input buffer, history
// recall, resize gesture and the transcript it renders.
type Controller struct {
	mu       sync.Mutex
	open     bool
	input    string
	caret    int
	height   int
	recall   int
	loading  bool
	progress *domain.Progress

	resizing   bool
	dragStartY int
	dragStartH int
	pending    map[string]int
	watchers   map[chan struct{}]struct{}
	sessionID  string
	configured func(ctx context.Context) error
	notifier   notify.Notifier
	actions    ArtifactActions
	history    *history.Store
	log        *transcript.Log
	pipeline   *Pipeline
	logger     *slog.Logger
}

// NewController creates a closed panel with default height and no recall.
func NewController(hist *history.Store, log *transcript.Log, executor agent.Executor, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		height:     domain.DefaultPanelHeight,
		recall:     domain.NotRecalling,
		pending:    make(map[string]int),
		watchers:   make(map[chan struct{}]struct{}),
		sessionID:  opts.SessionID,
		configured: opts.Configured,
		notifier:   opts.Notifier,
		actions:    opts.Actions,
		history:    hist,
		log:        log,
		logger:     logger.With("session_id", opts.SessionID),
	}
	c.pipeline = NewPipeline(hist, log, executor, opts.SessionID, pipelineState{c}, c.logger)
	return c
}

// Transcript returns the session transcript.
func (c *Controller) Transcript() *transcript.Log {
	return c.log
}

// State returns a snapshot of the panel state.
func (c *Controller) State() domain.PanelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := domain.PanelState{
		Open:         c.open,
		Input:        c.input,
		Caret:        c.caret,
		Height:       c.height,
		RecallCursor: c.recall,
		Loading:      c.loading,
		Resizing:     c.resizing,
	}
	if c.progress != nil {
		p := *c.progress
		st.Progress = &p
	}
	for key := range c.pending {
		st.Pending = append(st.Pending, key)
	}
	sort.Strings(st.Pending)
	return st
}

// Busy reports whether a submission is pending.
func (c *Controller) Busy() bool {
	return c.pipeline.InFlight()
}

// History returns the recorded prompts, oldest first.
func (c *Controller) History(ctx context.Context) []string {
	return c.history.All(ctx)
}

// Watch returns a channel signalled after every state change. Signals are
// coalesced; read State after each one.
func (c *Controller) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) changedLocked() {
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Toggle opens a closed panel if the assistant is configured, and closes an
// open one. A failed precondition raises a notification and changes nothing.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	if c.open {
		c.open = false
		c.changedLocked()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.configured != nil {
		if err := c.configured(ctx); err != nil {
			c.logger.Warn("forge panel not opened", "error", err)
			if c.notifier != nil {
				c.notifier.NotifyError(TitleNotConfigured, []string{err.Error()})
			}
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	c.changedLocked()
	return nil
}

// Close closes the panel. A pending submission keeps running.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.resizing = false
	c.changedLocked()
}

// SetInput replaces the input buffer. The caret is a rune offset, clamped to the buffer.
func (c *Controller) SetInput(text string, caret int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = text
	c.caret = clampCaret(caret, text)
	c.changedLocked()
}

func clampCaret(caret int, text string) int {
	n := utf8.RuneCountInString(text)
	if caret < 0 {
		return 0
	}
	if caret > n {
		return n
	}
	return caret
}

// HandleKey applies a key press to an open panel. It reports whether the
// key was consumed, in which case the input control must not apply its
// default behavior. Enter blocks until the submission completes.
func (c *Controller) HandleKey(ctx context.Context, key Key) (bool, error) {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return false, nil
	}

	switch key.Name {
	case KeyEnter:
		if key.Shift {
			return false, nil
		}
		c.mu.Lock()
		text := c.input
		c.mu.Unlock()
		return true, c.pipeline.Submit(ctx, text)
	case KeyArrowUp:
		return c.recallPrevious(ctx), nil
	case KeyArrowDown:
		return c.recallNext(ctx), nil
	default:
		return false, nil
	}
}

// recallPrevious steps back through history when the caret is at the start.
func (c *Controller) recallPrevious(ctx context.Context) bool {
	entries := c.history.All(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caret != 0 || len(entries) == 0 {
		return false
	}

	next := c.recall - 1
	if c.recall == domain.NotRecalling || c.recall >= len(entries) {
		next = len(entries) - 1
	}
	if next < 0 {
		next = 0
	}
	c.recall = next
	c.input = entries[next]
	c.caret = 0
	c.changedLocked()
	return true
}

// recallNext steps forward through history when the caret is at the end.
// Stepping past the newest entry clears the buffer.
func (c *Controller) recallNext(ctx context.Context) bool {
	entries := c.history.All(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caret != utf8.RuneCountInString(c.input) || c.recall == domain.NotRecalling {
		return false
	}

	if c.recall+1 >= len(entries) {
		c.recall = domain.NotRecalling
		c.input = ""
		c.caret = 0
	} else {
		c.recall++
		c.input = entries[c.recall]
		c.caret = utf8.RuneCountInString(c.input)
	}
	c.changedLocked()
	return true
}

// Submit sends text to the assistant. It blocks until the result is recorded.
func (c *Controller) Submit(ctx context.Context, text string) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return ErrPanelClosed
	}
	return c.pipeline.Submit(ctx, text)
}

// Clear resets the transcript, the input buffer and history recall.
func (c *Controller) Clear() {
	c.log.Clear()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = ""
	c.caret = 0
	c.recall = domain.NotRecalling
	c.changedLocked()
}

// BeginResize starts a drag gesture at pointer position y.
func (c *Controller) BeginResize(y int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizing = true
	c.dragStartY = y
	c.dragStartH = c.height
	c.changedLocked()
}

// DragResize moves an active drag to y. Dragging up grows the panel.
// Moves outside a drag are ignored.
func (c *Controller) DragResize(y int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resizing {
		return
	}
	h := domain.ClampHeight(c.dragStartH + (c.dragStartY - y))
	if h != c.height {
		c.height = h
		c.changedLocked()
	}
}

// EndResize finishes the drag gesture.
func (c *Controller) EndResize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resizing {
		return
	}
	c.resizing = false
	c.changedLocked()
}

// SetHeight sets the panel height directly, clamped to the allowed range.
func (c *Controller) SetHeight(h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = domain.ClampHeight(h)
	c.changedLocked()
}

// AddToWorkspace inserts a generated artifact into the workspace.
func (c *Controller) AddToWorkspace(ctx context.Context, code, name string) error {
	return c.runAction(ctx, domain.ActionAddToWorkspace, code, name)
}

// SaveToLibrary persists a generated artifact to the component library.
func (c *Controller) SaveToLibrary(ctx context.Context, code, name string) error {
	return c.runAction(ctx, domain.ActionSaveToLibrary, code, name)
}

// runAction marks the action pending for its duration. The actions raise
// their own notifications; the returned error is informational.
func (c *Controller) runAction(ctx context.Context, action domain.ArtifactAction, code, name string) error {
	if c.actions == nil {
		if c.notifier != nil {
			c.notifier.NotifyError(TitleNotConfigured, []string{"artifact actions are unavailable"})
		}
		return ErrNotConfigured
	}

	key := PendingKey(action, name)
	c.mu.Lock()
	c.pending[key]++
	c.changedLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending[key]--; c.pending[key] <= 0 {
			delete(c.pending, key)
		}
		c.changedLocked()
		c.mu.Unlock()
	}()

	var err error
	switch action {
	case domain.ActionAddToWorkspace:
		err = c.actions.AddToWorkspace(ctx, code, name)
	case domain.ActionSaveToLibrary:
		err = c.actions.SaveToLibrary(ctx, code, name)
	default:
		err = fmt.Errorf("unknown artifact action %q", action)
	}
	if err != nil {
		c.logger.Warn("artifact action failed", "action", string(action), "component", name, "error", err)
	}
	return err
}

// PendingKey names an in-progress artifact action in PanelState.Pending.
func PendingKey(action domain.ArtifactAction, name string) string {
	return string(action) + ":" + name
}

// pipelineState lets the pipeline update the controller's input state.
type pipelineState struct {
	c *Controller
}

func (s pipelineState) ResetRecall() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.recall = domain.NotRecalling
	s.c.changedLocked()
}

func (s pipelineState) ClearInput() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.input = ""
	s.c.caret = 0
	s.c.changedLocked()
}

func (s pipelineState) SetLoading(loading bool) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.loading = loading
	s.c.progress = nil
	s.c.changedLocked()
}

func (s pipelineState) SetProgress(p domain.Progress) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if !s.c.loading {
		return
	}
	s.c.progress = &p
	s.c.changedLocked()
}
