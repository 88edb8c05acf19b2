package domain

// Panel height bounds in pixels.
const (
	MinPanelHeight     = 200
	MaxPanelHeight     = 600
	DefaultPanelHeight = 300
)

// NotRecalling is the recall cursor value outside history navigation.
const NotRecalling = -1

// Progress is the latest step a streaming collaborator reported.
type Progress struct {
	Step        string `json:"step"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// PanelState is a snapshot of one session's transient terminal state.
type PanelState struct {
	Open         bool      `json:"open"`
	Input        string    `json:"input"`
	Caret        int       `json:"caret"`
	Height       int       `json:"height"`
	RecallCursor int       `json:"recall_cursor"`
	Loading      bool      `json:"loading"`
	Progress     *Progress `json:"progress,omitempty"`
	Resizing     bool      `json:"resizing"`
	Pending      []string  `json:"pending_actions,omitempty"`
}

// ClampHeight bounds h to the panel height range.
func ClampHeight(h int) int {
	if h < MinPanelHeight {
		return MinPanelHeight
	}
	if h > MaxPanelHeight {
		return MaxPanelHeight
	}
	return h
}
