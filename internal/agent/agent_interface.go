package agent

import (
	"context"

	"github.com/ashureev/forge-terminal/internal/domain"
)

// ProgressFunc receives intermediate steps from streaming collaborators.
type ProgressFunc func(domain.Progress)

// PromptRequest is one submission to the prompt collaborator.
type PromptRequest struct {
	Prompt     string
	SessionID  string
	OnProgress ProgressFunc
}

// Executor runs a prompt and returns a classified-ready result.
// Errors carry a human-readable description.
type Executor interface {
	Execute(ctx context.Context, req PromptRequest) (domain.SubmitResult, error)
}

// Validator turns generated source into an insertable artifact.
type Validator interface {
	Validate(ctx context.Context, code string) (domain.ArtifactDescriptor, error)
}

// Workspace inserts a validated artifact into the active canvas.
type Workspace interface {
	Insert(ctx context.Context, artifact domain.ArtifactDescriptor) error
}

// Library persists a validated artifact under a human-readable name.
type Library interface {
	Save(ctx context.Context, artifact domain.ArtifactDescriptor, name string) error
}

// Ensure the clients implement the collaborator contracts.
var (
	_ Executor  = (*GrpcClient)(nil)
	_ Executor  = (*HTTPClient)(nil)
	_ Validator = (*HTTPClient)(nil)
	_ Library   = (*HTTPClient)(nil)
)
