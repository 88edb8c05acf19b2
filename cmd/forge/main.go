// Command forge runs the Component Forge terminal in the local terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/forge"
	"github.com/ashureev/forge-terminal/internal/history"
	"github.com/ashureev/forge-terminal/internal/store"
	"github.com/ashureev/forge-terminal/internal/transcript"
	"github.com/ashureev/forge-terminal/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	backendURL   string
	apiKey       string
	grpcAddr     string
	dbPath       string
	workspaceDir string
	sessionID    string
	logFile      string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Component Forge terminal",
	Long: `Component Forge turns natural-language prompts into validated components.

Type a prompt and press Enter to send it. Alt+Enter inserts a newline and the
arrow keys walk through earlier prompts. ctrl+a adds the newest component to
the workspace directory, ctrl+s saves it to the component library.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	_ = godotenv.Load()

	flags := rootCmd.Flags()
	flags.StringVar(&backendURL, "backend-url", os.Getenv("FORGE_BACKEND_URL"), "component backend base URL")
	flags.StringVar(&apiKey, "api-key", os.Getenv("FORGE_API_KEY"), "component backend API key")
	flags.StringVar(&grpcAddr, "grpc-addr", os.Getenv("ASSISTANT_GRPC_ADDR"), "component assistant gRPC address")
	flags.StringVar(&dbPath, "db", "", "SQLite file for prompt history (in-memory when empty)")
	flags.StringVar(&workspaceDir, "workspace-dir", "./workspace", "directory receiving workspace components")
	flags.StringVar(&sessionID, "session", "local", "history scope")
	flags.StringVar(&logFile, "log-file", "", "write JSON logs to this file")
	flags.DurationVar(&timeout, "timeout", 120*time.Second, "assistant request timeout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger, closeLog, err := newLogger(logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	repo, err := openRepo(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Warn("Failed to close repository", "error", closeErr)
		}
	}()

	var (
		executor   agent.Executor
		validator  agent.Validator
		library    agent.Library
		configured = func(context.Context) error { return errors.New("set --backend-url or --grpc-addr") }
	)
	if backendURL != "" {
		rest := agent.NewHTTPClient(agent.HTTPClientConfig{
			BaseURL: backendURL,
			APIKey:  apiKey,
			Timeout: timeout,
		}, logger)
		executor, validator, library = rest, rest, rest
		configured = nil
	}
	if grpcAddr != "" {
		client, err := agent.NewGrpcClient(agent.GrpcClientConfig{
			Address:        grpcAddr,
			ConnectTimeout: 5 * time.Second,
			RequestTimeout: timeout,
		}, logger)
		if err != nil {
			logger.Warn("Failed to connect to component assistant", "error", err)
		} else {
			defer client.Close()
			executor = client
			configured = client.Ping
		}
	}

	notices := tui.NewNotices(16)
	opts := forge.Options{
		SessionID:  sessionID,
		Configured: configured,
		Notifier:   notices,
		Logger:     logger,
	}
	if validator != nil {
		workspace, err := tui.NewDirWorkspace(workspaceDir)
		if err != nil {
			return err
		}
		opts.Actions = agent.NewActions(validator, workspace, library, notices, logger)
	}

	hist := history.New(store.Scoped(repo, forge.SessionKey("local", sessionID)))
	ctrl := forge.NewController(hist, transcript.New(), executor, opts)

	p := tea.NewProgram(
		tui.New(ctx, ctrl, notices),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run terminal: %w", err)
	}
	return nil
}

func openRepo(path string) (store.Repository, error) {
	if path == "" {
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return repo, nil
}

// newLogger keeps logs off the screen the TUI owns.
func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
	return logger, func() { _ = f.Close() }, nil
}
