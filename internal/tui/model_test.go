package tui

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/forge"
	"github.com/ashureev/forge-terminal/internal/history"
	"github.com/ashureev/forge-terminal/internal/store"
	"github.com/ashureev/forge-terminal/internal/transcript"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"
)

type echoExecutor struct {
	mu      sync.Mutex
	prompts []string
}

func (e *echoExecutor) Execute(_ context.Context, req agent.PromptRequest) (domain.SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, req.Prompt)
	return domain.SubmitResult{Content: "echo: " + req.Prompt}, nil
}

func newTestModel(t *testing.T) (Model, *echoExecutor) {
	t.Helper()
	exec := &echoExecutor{}
	hist := history.New(store.Scoped(store.NewMemory(), "local"))
	ctrl := forge.NewController(hist, transcript.New(), exec, forge.Options{SessionID: "local"})
	m := New(context.Background(), ctrl, NewNotices(4))
	t.Cleanup(func() {
		m.sub.Close()
		m.unwatch()
	})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(Model), exec
}

func step(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func open(t *testing.T, m Model) Model {
	t.Helper()
	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyCtrlT})
	if cmd == nil {
		t.Fatal("ctrl+t should return a toggle command")
	}
	if done, ok := cmd().(toggleDoneMsg); !ok || done.err != nil {
		t.Fatalf("toggle failed: %+v", done)
	}
	m, _ = step(t, m, stateMsg{})
	if !m.state.Open {
		t.Fatal("panel should be open")
	}
	return m
}

func TestClosedPanelShowsHint(t *testing.T) {
	m, _ := newTestModel(t)
	if !strings.Contains(m.View(), "ctrl+t open Component Forge") {
		t.Fatalf("closed view missing hint: %q", m.View())
	}

	// Keys other than toggle and quit are ignored while closed.
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if m.ctrl.State().Input != "" {
		t.Fatal("closed panel must not accept input")
	}
}

func TestTypeSubmitAndRecall(t *testing.T) {
	m, exec := newTestModel(t)
	m = open(t, m)

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("make a button")})
	st := m.ctrl.State()
	if st.Input != "make a button" || st.Caret != len("make a button") {
		t.Fatalf("input not synced: %+v", st)
	}

	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("enter should return a submit command")
	}
	if done := cmd().(submitDoneMsg); done.err != nil {
		t.Fatalf("submit: %v", done.err)
	}
	m, _ = step(t, m, stateMsg{})
	if m.ta.Value() != "" {
		t.Fatalf("input should be cleared after submit, got %q", m.ta.Value())
	}
	if diff := cmp.Diff([]string{"make a button"}, exec.prompts); diff != "" {
		t.Fatalf("prompts mismatch (-want +got):\n%s", diff)
	}

	m, _ = step(t, m, transcriptMsg{ok: true})
	if !strings.Contains(m.vp.View(), "echo: make a button") {
		t.Fatalf("transcript not rendered: %q", m.vp.View())
	}

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.ta.Value() != "make a button" {
		t.Fatalf("up should recall the last prompt, got %q", m.ta.Value())
	}
	if caretOf(m.ta) != 0 {
		t.Fatalf("recall should place the caret at the start, got %d", caretOf(m.ta))
	}
}

func TestRecallMultiLinePromptPlacesCaretAtStart(t *testing.T) {
	m, _ := newTestModel(t)
	m = open(t, m)

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("first line")})
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyEnter, Alt: true})
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("second line")})
	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if done := cmd().(submitDoneMsg); done.err != nil {
		t.Fatalf("submit: %v", done.err)
	}
	m, _ = step(t, m, stateMsg{})

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.ta.Value() != "first line\nsecond line" {
		t.Fatalf("unexpected recall %q", m.ta.Value())
	}
	if m.ta.Line() != 0 || caretOf(m.ta) != 0 {
		t.Fatalf("caret should be at the start, got line %d offset %d", m.ta.Line(), caretOf(m.ta))
	}
	if st := m.ctrl.State(); st.Caret != 0 {
		t.Fatalf("controller caret = %d", st.Caret)
	}
}

func TestAltEnterInsertsNewline(t *testing.T) {
	m, exec := newTestModel(t)
	m = open(t, m)

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyEnter, Alt: true})
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("b")})

	if got := m.ctrl.State().Input; got != "a\nb" {
		t.Fatalf("expected multi-line input, got %q", got)
	}
	if len(exec.prompts) != 0 {
		t.Fatal("alt+enter must not submit")
	}
}

func TestHeightKeys(t *testing.T) {
	m, _ := newTestModel(t)
	m = open(t, m)

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlUp})
	if got := m.state.Height; got != domain.DefaultPanelHeight+heightStep {
		t.Fatalf("height = %d", got)
	}
	for range 20 {
		m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlDown})
	}
	if got := m.state.Height; got != domain.MinPanelHeight {
		t.Fatalf("height should clamp to %d, got %d", domain.MinPanelHeight, got)
	}
}

func TestMouseResizeFromBorder(t *testing.T) {
	m, _ := newTestModel(t)
	m = open(t, m)
	top := m.panelTop()

	m, _ = step(t, m, tea.MouseMsg{Y: top, Action: tea.MouseActionPress, Button: tea.MouseButtonLeft})
	if !m.state.Resizing {
		t.Fatal("press on the border should start resizing")
	}
	m, _ = step(t, m, tea.MouseMsg{Y: top - 2, Action: tea.MouseActionMotion, Button: tea.MouseButtonLeft})
	m, _ = step(t, m, tea.MouseMsg{Y: top - 2, Action: tea.MouseActionRelease})
	if m.state.Resizing {
		t.Fatal("release should end resizing")
	}
	if got := m.state.Height; got != domain.DefaultPanelHeight+2*rowPixels {
		t.Fatalf("dragging up two rows should grow the panel, got %d", got)
	}
}

func TestArtifactActionWithoutComponent(t *testing.T) {
	m, _ := newTestModel(t)
	m = open(t, m)

	_, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyCtrlA})
	msg, ok := cmd().(statusMsg)
	if !ok || !msg.Error {
		t.Fatalf("expected an error status, got %#v", msg)
	}
}

func TestLatestArtifact(t *testing.T) {
	msgs := []domain.Message{
		{Kind: domain.MessageValidated, Metadata: &domain.MessageMetadata{ClassName: "Old", ComponentCode: "a"}},
		{Kind: domain.MessageValidationError, Metadata: &domain.MessageMetadata{ClassName: "New", ComponentCode: "b"}},
		{Kind: domain.MessageOutput, Content: "done"},
	}
	got, ok := latestArtifact(msgs)
	if !ok || got.Metadata.ClassName != "New" {
		t.Fatalf("latestArtifact = %+v, %v", got, ok)
	}
	if _, ok := latestArtifact(msgs[2:]); ok {
		t.Fatal("plain output carries no artifact")
	}
}

func TestNoticesDropWhenFull(t *testing.T) {
	n := NewNotices(1)
	n.NotifySuccess("first")
	n.NotifyError("second", []string{"x"})

	got := <-n.C()
	if got.Title != "first" {
		t.Fatalf("unexpected notice %+v", got)
	}
	select {
	case extra := <-n.C():
		t.Fatalf("second notice should have been dropped, got %+v", extra)
	default:
	}
}

func TestDirWorkspaceInsert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "canvas")
	ws, err := NewDirWorkspace(dir)
	if err != nil {
		t.Fatal(err)
	}
	ws.now = func() time.Time { return time.UnixMilli(1700000000000) }

	artifact := domain.ArtifactDescriptor{Kind: "My/Button", Node: json.RawMessage(`{"x":1}`)}
	if err := ws.Insert(context.Background(), artifact); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "My_Button-1700000000000.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got domain.ArtifactDescriptor
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	var node map[string]int
	if err := json.Unmarshal(got.Node, &node); err != nil {
		t.Fatal(err)
	}
	if got.Kind != "My/Button" || node["x"] != 1 {
		t.Fatalf("unexpected artifact %s", data)
	}
}
