package forge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/history"
	"github.com/ashureev/forge-terminal/internal/notify"
	"github.com/ashureev/forge-terminal/internal/store"
	"github.com/ashureev/forge-terminal/internal/transcript"
)

var errNoExecutor = errors.New("no prompt backend configured")

// Deps are the shared collaborators every server-side session is built from.
type Deps struct {
	Repo      store.Repository
	Executor  agent.Executor
	Validator agent.Validator
	Library   agent.Library
	Hub       *notify.Hub
	Recorder  *transcript.Recorder
	// Configured overrides the default precondition, which only checks
	// that an executor is present.
	Configured func(ctx context.Context) error
	Logger     *slog.Logger
}

// NewSession builds the controller of one browser tab. It satisfies Factory.
func (d Deps) NewSession(userID, sessionID string) (*Controller, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", userID)

	hist := history.New(store.Scoped(d.Repo, SessionKey(userID, sessionID)))
	log := transcript.New()
	channel := d.Hub.For(userID, sessionID)

	opts := Options{
		SessionID:  sessionID,
		Configured: d.Configured,
		Notifier:   channel,
		Logger:     logger,
	}
	if opts.Configured == nil {
		opts.Configured = d.executorPresent
	}
	if d.Validator != nil && d.Library != nil {
		opts.Actions = agent.NewActions(d.Validator, channel, d.Library, channel, logger)
	}

	ctrl := NewController(hist, log, d.Executor, opts)
	d.Recorder.Attach(userID, sessionID, log)
	return ctrl, nil
}

func (d Deps) executorPresent(context.Context) error {
	if d.Executor == nil {
		return errNoExecutor
	}
	return nil
}
