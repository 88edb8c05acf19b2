// Package agent talks to the component assistant and its sibling services.
package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/forge-terminal/internal/domain"
)

// resultPayload is the assistant's result shape, shared by the gRPC and REST transports.
type resultPayload struct {
	Result             string `json:"result"`
	Content            string `json:"content"`
	Validated          *bool  `json:"validated"`
	ClassName          string `json:"class_name"`
	ValidationError    string `json:"validation_error"`
	ValidationAttempts int    `json:"validation_attempts"`
	ComponentCode      string `json:"component_code"`
}

// toResult converts and checks the payload at the collaborator boundary.
func (p resultPayload) toResult() (domain.SubmitResult, error) {
	content := p.Content
	if content == "" {
		content = p.Result
	}
	res := domain.SubmitResult{
		Content:            content,
		Validated:          p.Validated,
		ClassName:          p.ClassName,
		ValidationError:    p.ValidationError,
		ValidationAttempts: p.ValidationAttempts,
		ComponentCode:      p.ComponentCode,
	}
	if err := res.Check(); err != nil {
		return domain.SubmitResult{}, err
	}
	return res, nil
}

// streamEvent is one server-sent event of the streaming assist endpoint.
type streamEvent struct {
	Event       string         `json:"event"`
	Step        string         `json:"step"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Message     string         `json:"message"`
	Data        *resultPayload `json:"data"`
}

// CallError is a collaborator failure whose Error() is the remote description.
type CallError struct {
	Op      string
	Status  string
	Message string
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s failed: %s", e.Op, strings.ToLower(e.Status))
}

// errorPayload covers the error bodies returned by the backend.
type errorPayload struct {
	Detail any    `json:"detail"`
	Error  string `json:"error"`
}

func (p errorPayload) message() string {
	if p.Error != "" {
		return p.Error
	}
	switch d := p.Detail.(type) {
	case string:
		return d
	case map[string]any:
		if msg, ok := d["error"].(string); ok {
			return msg
		}
		if msg, ok := d["message"].(string); ok {
			return msg
		}
	}
	return ""
}
