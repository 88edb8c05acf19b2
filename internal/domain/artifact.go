package domain

import (
	"encoding/json"
)

// ArtifactDescriptor is a validated, insertable unit produced from generated source.
type ArtifactDescriptor struct {
	// Kind is the component type reported by the validator (usually the class name).
	Kind string `json:"type"`
	// Node is the opaque node template the workspace and library understand.
	Node json.RawMessage `json:"data"`
}

// ArtifactAction names one of the delegated artifact actions.
type ArtifactAction string

const (
	// ActionAddToWorkspace inserts a validated artifact into the active canvas.
	ActionAddToWorkspace ArtifactAction = "workspace"
	// ActionSaveToLibrary persists a validated artifact to the component library.
	ActionSaveToLibrary ArtifactAction = "library"
)
