// Package domain contains core domain types for the Component Forge terminal.
package domain

import (
	"time"
)

// MessageKind tags a transcript line.
type MessageKind string

const (
	// MessageInput is a prompt the user submitted.
	MessageInput MessageKind = "input"
	// MessageOutput is plain text returned by the assistant.
	MessageOutput MessageKind = "output"
	// MessageError is a failure description.
	MessageError MessageKind = "error"
	// MessageSystem is a notice emitted by the terminal itself.
	MessageSystem MessageKind = "system"
	// MessageValidated carries a generated component that passed validation.
	MessageValidated MessageKind = "validated"
	// MessageValidationError carries a generated component that failed validation.
	MessageValidationError MessageKind = "validation_error"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageInput, MessageOutput, MessageError, MessageSystem, MessageValidated, MessageValidationError:
		return true
	default:
		return false
	}
}

// MessageMetadata is the optional payload attached to artifact-bearing lines.
type MessageMetadata struct {
	ClassName          string `json:"className,omitempty"`
	Validated          *bool  `json:"validated,omitempty"`
	ValidationAttempts int    `json:"validationAttempts,omitempty"`
	ComponentCode      string `json:"componentCode,omitempty"`
}

// Message is one immutable transcript line.
type Message struct {
	ID        string           `json:"id"`
	Kind      MessageKind      `json:"type"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// IsValidated returns true if the message carries a validated artifact.
func (m Message) IsValidated() bool {
	return m.Metadata != nil && m.Metadata.Validated != nil && *m.Metadata.Validated
}
