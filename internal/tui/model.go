// Package tui renders a forge session as a bottom-docked terminal panel.
package tui

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/forge"
	"github.com/ashureev/forge-terminal/internal/transcript"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	// rowPixels converts panel heights to terminal rows.
	rowPixels   = 20
	inputRows   = 3
	heightStep  = 2 * rowPixels
	chromeRows  = 4 // header, help line and the two border rows
	minViewRows = 1
)

type (
	stateMsg      struct{}
	transcriptMsg struct{ ok bool }
	noticeMsg     Notice
	statusMsg     Notice
	submitDoneMsg struct{ err error }
	actionDoneMsg struct{ err error }
	toggleDoneMsg struct{ err error }
)

// Model is the bubbletea model of one forge session.
type Model struct {
	ctx     context.Context
	ctrl    *forge.Controller
	sub     *transcript.Subscription
	changes <-chan struct{}
	unwatch func()
	notices <-chan Notice

	ta     textarea.Model
	vp     viewport.Model
	spin   spinner.Model
	styles styles

	width    int
	height   int
	quitting bool
	state    domain.PanelState
	status   Notice
}

// New creates the model and starts observing ctrl. notices may be nil.
func New(ctx context.Context, ctrl *forge.Controller, notices *Notices) Model {
	ta := textarea.New()
	ta.Placeholder = "Describe a component... (Enter to send, Alt+Enter for a newline)"
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(inputRows)
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	sub, _ := ctrl.Transcript().Subscribe(0)
	changes, unwatch := ctrl.Watch()

	m := Model{
		ctx:     ctx,
		ctrl:    ctrl,
		sub:     sub,
		changes: changes,
		unwatch: unwatch,
		ta:      ta,
		vp:      viewport.New(80, 10),
		spin:    sp,
		styles:  defaultStyles(),
		width:   80,
		height:  24,
		state:   ctrl.State(),
	}
	if notices != nil {
		m.notices = notices.C()
	}
	m.layout()
	m.refreshTranscript()
	return m
}

// Init starts listening for controller, transcript and notification changes.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForChange(m.changes),
		waitForTranscript(m.sub),
		waitForNotice(m.notices),
		textarea.Blink,
	)
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return stateMsg{}
	}
}

func waitForTranscript(sub *transcript.Subscription) tea.Cmd {
	return func() tea.Msg {
		_, ok := <-sub.C
		return transcriptMsg{ok: ok}
	}
}

func waitForNotice(ch <-chan Notice) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		return noticeMsg(<-ch)
	}
}

// Update handles input and collaborator events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.refreshTranscript()
		return m, nil

	case stateMsg:
		wasLoading := m.state.Loading
		m.applyState()
		cmds := []tea.Cmd{waitForChange(m.changes)}
		if m.state.Loading && !wasLoading {
			cmds = append(cmds, m.spin.Tick)
		}
		return m, tea.Batch(cmds...)

	case transcriptMsg:
		m.refreshTranscript()
		if !msg.ok {
			if m.quitting {
				return m, nil
			}
			// Dropped for falling behind; the snapshot above caught us up.
			m.sub, _ = m.ctrl.Transcript().Subscribe(0)
		}
		return m, waitForTranscript(m.sub)

	case noticeMsg:
		m.status = Notice(msg)
		return m, waitForNotice(m.notices)

	case statusMsg:
		m.status = Notice(msg)
		return m, nil

	case spinner.TickMsg:
		if !m.state.Loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case submitDoneMsg, actionDoneMsg, toggleDoneMsg:
		// Outcomes arrive through the transcript and notifications.
		return m, nil

	case tea.MouseMsg:
		return m.handleMouse(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		m.sub.Close()
		m.unwatch()
		return m, tea.Quit
	case "ctrl+t":
		return m, m.toggleCmd()
	}
	if !m.state.Open {
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.ctrl.Close()
		m.applyState()
		return m, nil
	case "ctrl+l":
		m.ctrl.Clear()
		m.applyState()
		return m, nil
	case "ctrl+up":
		m.ctrl.SetHeight(m.state.Height + heightStep)
		m.applyState()
		return m, nil
	case "ctrl+down":
		m.ctrl.SetHeight(m.state.Height - heightStep)
		m.applyState()
		return m, nil
	case "ctrl+a":
		return m, m.actionCmd(domain.ActionAddToWorkspace)
	case "ctrl+s":
		return m, m.actionCmd(domain.ActionSaveToLibrary)
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd
	}

	switch msg.Type {
	case tea.KeyEnter:
		if !msg.Alt {
			m.syncInput()
			return m, m.submitCmd()
		}
	case tea.KeyUp, tea.KeyDown:
		name := forge.KeyArrowUp
		if msg.Type == tea.KeyDown {
			name = forge.KeyArrowDown
		}
		m.syncInput()
		if consumed, _ := m.ctrl.HandleKey(m.ctx, forge.Key{Name: name}); consumed {
			m.applyState()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.ta, cmd = m.ta.Update(msg)
	m.syncInput()
	return m, cmd
}

// handleMouse drives the drag-to-resize gesture from the panel's top border.
func (m Model) handleMouse(msg tea.MouseMsg) Model {
	if !m.state.Open {
		return m
	}
	y := msg.Y * rowPixels
	switch {
	case msg.Action == tea.MouseActionPress && msg.Button == tea.MouseButtonLeft && msg.Y == m.panelTop():
		m.ctrl.BeginResize(y)
	case msg.Action == tea.MouseActionMotion && m.state.Resizing:
		m.ctrl.DragResize(y)
	case msg.Action == tea.MouseActionRelease && m.state.Resizing:
		m.ctrl.EndResize()
	default:
		return m
	}
	m.applyState()
	return m
}

func (m Model) toggleCmd() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		return toggleDoneMsg{err: ctrl.Toggle(ctx)}
	}
}

func (m Model) submitCmd() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		_, err := ctrl.HandleKey(ctx, forge.Key{Name: forge.KeyEnter})
		return submitDoneMsg{err: err}
	}
}

// actionCmd runs action on the newest artifact-bearing message.
func (m Model) actionCmd(action domain.ArtifactAction) tea.Cmd {
	msg, ok := latestArtifact(m.ctrl.Transcript().Snapshot())
	if !ok {
		return func() tea.Msg {
			return statusMsg{Title: "No generated component to use yet", Error: true}
		}
	}
	ctx, ctrl := m.ctx, m.ctrl
	code, name := msg.Metadata.ComponentCode, artifactName(msg)
	return func() tea.Msg {
		var err error
		switch action {
		case domain.ActionAddToWorkspace:
			err = ctrl.AddToWorkspace(ctx, code, name)
		case domain.ActionSaveToLibrary:
			err = ctrl.SaveToLibrary(ctx, code, name)
		}
		return actionDoneMsg{err: err}
	}
}

func latestArtifact(msgs []domain.Message) (domain.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Metadata != nil && msgs[i].Metadata.ComponentCode != "" {
			return msgs[i], true
		}
	}
	return domain.Message{}, false
}

// syncInput pushes the textarea buffer and caret into the controller.
func (m *Model) syncInput() {
	m.ctrl.SetInput(m.ta.Value(), caretOf(m.ta))
}

// applyState pulls controller state, moving the textarea when the
// controller rewrote the buffer (recall, submit, clear).
func (m *Model) applyState() {
	prevHeight := m.state.Height
	m.state = m.ctrl.State()
	if m.state.Input != m.ta.Value() {
		m.ta.SetValue(m.state.Input)
		if m.state.Caret == 0 {
			moveToStart(&m.ta)
		}
	}
	if m.state.Height != prevHeight {
		m.layout()
		m.refreshTranscript()
	}
}

func (m *Model) refreshTranscript() {
	m.vp.SetContent(m.styles.renderTranscript(m.ctrl.Transcript().Snapshot(), m.vp.Width))
	m.vp.GotoBottom()
}

// panelRows is the panel's outer height in rows.
func (m Model) panelRows() int {
	rows := m.state.Height / rowPixels
	if rows > m.height {
		rows = m.height
	}
	return rows
}

func (m Model) panelTop() int {
	return m.height - m.panelRows()
}

func (m *Model) layout() {
	inner := m.width - 2
	if inner < 10 {
		inner = 10
	}
	m.ta.SetWidth(inner)
	m.vp.Width = inner
	h := m.panelRows() - chromeRows - inputRows
	if h < minViewRows {
		h = minViewRows
	}
	m.vp.Height = h
}

// View renders the panel docked to the bottom of the screen.
func (m Model) View() string {
	if !m.state.Open {
		return m.statusLine() + "\n" + m.styles.help.Render("ctrl+t open Component Forge · ctrl+c quit")
	}

	header := m.styles.title.Render("Component Forge")
	if m.state.Loading {
		header += "  " + m.spin.View() + " " + progressLabel(m.state.Progress)
	}
	for _, p := range m.state.Pending {
		header += "  " + m.styles.help.Render("["+p+"]")
	}

	body := lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.vp.View(),
		m.ta.View(),
		m.statusLine()+"  "+m.styles.help.Render("enter send · ↑↓ history · ctrl+a workspace · ctrl+s library · ctrl+l clear · esc close"),
	)
	frame := m.styles.panel
	if m.state.Resizing {
		frame = m.styles.resizing
	}
	panel := frame.Width(m.width - 2).Render(body)

	pad := m.height - lipgloss.Height(panel)
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat("\n", pad) + panel
}

func (m Model) statusLine() string {
	if m.status.Title == "" {
		return ""
	}
	text := m.status.Title
	if len(m.status.Details) > 0 {
		text += ": " + strings.Join(m.status.Details, "; ")
	}
	if m.status.Error {
		return m.styles.errorText.Render(text)
	}
	return m.styles.success.Render(text)
}

// moveToStart puts the textarea cursor before the first rune.
func moveToStart(ta *textarea.Model) {
	for ta.Line() > 0 {
		ta.CursorUp()
	}
	ta.CursorStart()
}

// caretOf converts the textarea cursor to a rune offset into its value.
func caretOf(ta textarea.Model) int {
	lines := strings.Split(ta.Value(), "\n")
	offset := 0
	for i := 0; i < ta.Line() && i < len(lines); i++ {
		offset += utf8.RuneCountInString(lines[i]) + 1
	}
	info := ta.LineInfo()
	return offset + info.StartColumn + info.ColumnOffset
}
