package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/forge-terminal/internal/notify"
)

// Notification titles raised by the artifact actions.
const (
	TitleWorkspaceFailed = "Error adding component to workspace"
	TitleLibraryFailed   = "Error saving component to library"
	TitleLibrarySaved    = "Component saved to library"
)

var errNoComponentCode = errors.New("no component code to validate")

// Actions runs the two delegated artifact actions for one session: validate
// the generated source, then insert it into the workspace or save it to the
// library. Every failure is reported on the notifier before it is returned.
type Actions struct {
	validator Validator
	workspace Workspace
	library   Library
	notifier  notify.Notifier
	logger    *slog.Logger
}

// NewActions wires the collaborators of one session.
func NewActions(validator Validator, workspace Workspace, library Library, notifier notify.Notifier, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		validator: validator,
		workspace: workspace,
		library:   library,
		notifier:  notifier,
		logger:    logger,
	}
}

// AddToWorkspace validates code and inserts the artifact into the canvas.
func (a *Actions) AddToWorkspace(ctx context.Context, code, name string) error {
	if code == "" {
		return a.fail(TitleWorkspaceFailed, name, errNoComponentCode)
	}
	artifact, err := a.validator.Validate(ctx, code)
	if err != nil {
		return a.fail(TitleWorkspaceFailed, name, fmt.Errorf("validate component: %w", err))
	}
	if err := a.workspace.Insert(ctx, artifact); err != nil {
		return a.fail(TitleWorkspaceFailed, name, fmt.Errorf("insert component: %w", err))
	}
	a.logger.Info("Component added to workspace", "component", name, "type", artifact.Kind)
	return nil
}

// SaveToLibrary validates code and persists the artifact under name.
func (a *Actions) SaveToLibrary(ctx context.Context, code, name string) error {
	if code == "" {
		return a.fail(TitleLibraryFailed, name, errNoComponentCode)
	}
	artifact, err := a.validator.Validate(ctx, code)
	if err != nil {
		return a.fail(TitleLibraryFailed, name, fmt.Errorf("validate component: %w", err))
	}
	if err := a.library.Save(ctx, artifact, name); err != nil {
		return a.fail(TitleLibraryFailed, name, fmt.Errorf("save component: %w", err))
	}
	a.notifier.NotifySuccess(TitleLibrarySaved)
	a.logger.Info("Component saved to library", "component", name, "type", artifact.Kind)
	return nil
}

func (a *Actions) fail(title, name string, err error) error {
	a.logger.Warn(title, "component", name, "error", err)
	a.notifier.NotifyError(title, []string{err.Error()})
	return err
}
