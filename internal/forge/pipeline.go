// Package forge implements the Component Forge terminal session: the
// submission pipeline, the session controller and the session registry.
package forge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/history"
	"github.com/ashureev/forge-terminal/internal/transcript"
)

// ErrSubmissionInFlight is returned when a session already has a pending submission.
var ErrSubmissionInFlight = errors.New("submission already in flight")

// InputState is the part of the session state a submission updates.
type InputState interface {
	ResetRecall()
	ClearInput()
	SetLoading(loading bool)
	SetProgress(p domain.Progress)
}

// Pipeline sends prompts to the assistant and records the classified result.
type Pipeline struct {
	history   *history.Store
	log       *transcript.Log
	executor  agent.Executor
	sessionID string
	state     InputState
	inFlight  atomic.Bool
	logger    *slog.Logger
}

// NewPipeline creates a pipeline for one session.
func NewPipeline(hist *history.Store, log *transcript.Log, executor agent.Executor, sessionID string, state InputState, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		history:   hist,
		log:       log,
		executor:  executor,
		sessionID: sessionID,
		state:     state,
		logger:    logger,
	}
}

// InFlight reports whether a submission is pending.
func (p *Pipeline) InFlight() bool {
	return p.inFlight.Load()
}

// Submit runs one prompt through the assistant. Blank text is ignored.
// Collaborator failures become a single error message in the transcript;
// the only error returned is ErrSubmissionInFlight.
func (p *Pipeline) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return ErrSubmissionInFlight
	}
	defer p.inFlight.Store(false)

	if err := p.history.Record(ctx, text); err != nil {
		p.logger.Warn("failed to record prompt history", "error", err)
	}
	p.state.ResetRecall()

	epoch := p.log.Epoch()
	p.log.AppendAt(epoch, domain.MessageInput, text, nil)
	p.state.ClearInput()

	p.state.SetLoading(true)
	res, err := p.execute(ctx, text)
	p.state.SetLoading(false)

	if err != nil {
		p.logger.Warn("prompt execution failed", "error", err)
		p.appendAt(epoch, domain.MessageError, err.Error(), nil)
		return nil
	}

	p.logger.Info("prompt executed",
		"outcome", res.Outcome().String(),
		"validation_attempts", res.ValidationAttempts,
	)
	switch res.Outcome() {
	case domain.OutcomeValidated:
		p.appendAt(epoch, domain.MessageValidated, res.Content, res.Metadata())
	case domain.OutcomeValidationFailed:
		p.appendAt(epoch, domain.MessageValidationError, res.Content, res.Metadata())
		if res.ValidationError != "" {
			p.appendAt(epoch, domain.MessageError, res.ValidationError, nil)
		}
	default:
		p.appendAt(epoch, domain.MessageOutput, res.Content, nil)
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, text string) (domain.SubmitResult, error) {
	if p.executor == nil {
		return domain.SubmitResult{}, errNoExecutor
	}
	res, err := p.executor.Execute(ctx, agent.PromptRequest{
		Prompt:     text,
		SessionID:  p.sessionID,
		OnProgress: p.state.SetProgress,
	})
	if err != nil {
		return res, err
	}
	return res, res.Check()
}

// appendAt drops results whose transcript was cleared while the call was pending.
func (p *Pipeline) appendAt(epoch uint64, kind domain.MessageKind, content string, meta *domain.MessageMetadata) {
	if !p.log.AppendAt(epoch, kind, content, meta) {
		p.logger.Info("dropping result for cleared transcript", "kind", string(kind))
	}
}
