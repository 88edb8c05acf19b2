// Package container pre-checks generated component code in throwaway Docker
// containers before it reaches the validation backend.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	// DefaultImage runs the syntax check.
	DefaultImage   = "python:3.12-alpine"
	defaultTimeout = 20 * time.Second

	codeEnvVar = "FORGE_COMPONENT_CODE"

	// Resource limits.
	memoryLimitBytes = 128 * 1024 * 1024 // 128MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 64

	maxOutputBytes = 64 * 1024
)

// checkScript parses the code and lists its top-level classes.
const checkScript = `import ast, json, os
src = os.environ.get("FORGE_COMPONENT_CODE", "")
try:
    tree = ast.parse(src)
except SyntaxError as e:
    print(json.dumps({"ok": False, "error": "SyntaxError: %s (line %s)" % (e.msg, e.lineno)}))
else:
    classes = [n.name for n in tree.body if isinstance(n, ast.ClassDef)]
    if classes:
        print(json.dumps({"ok": True, "classes": classes}))
    else:
        print(json.dumps({"ok": False, "error": "no component class defined"}))
`

var (
	// ErrRejected is returned when generated code fails the sandbox check.
	ErrRejected = errors.New("component rejected by sandbox")

	errNoCheckOutput = errors.New("sandbox produced no result")
)

// Runner executes the check script against code and returns its stdout.
type Runner interface {
	Run(ctx context.Context, code string) (stdout string, err error)
}

// SandboxValidator checks code in a Runner before delegating to next.
type SandboxValidator struct {
	runner Runner
	next   agent.Validator
	logger *slog.Logger
}

var _ agent.Validator = (*SandboxValidator)(nil)

// NewSandboxValidator decorates next with a sandboxed syntax check.
func NewSandboxValidator(runner Runner, next agent.Validator, logger *slog.Logger) *SandboxValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SandboxValidator{runner: runner, next: next, logger: logger}
}

// Validate rejects code that does not parse or defines no class, then asks
// the wrapped validator for the artifact.
func (v *SandboxValidator) Validate(ctx context.Context, code string) (domain.ArtifactDescriptor, error) {
	out, err := v.runner.Run(ctx, code)
	if err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("sandbox check: %w", err)
	}
	res, err := parseCheckOutput(out)
	if err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("sandbox check: %w", err)
	}
	if !res.OK {
		v.logger.Info("Sandbox rejected component", "reason", res.Error)
		return domain.ArtifactDescriptor{}, fmt.Errorf("%w: %s", ErrRejected, res.Error)
	}
	v.logger.Debug("Sandbox accepted component", "classes", res.Classes)
	return v.next.Validate(ctx, code)
}

type checkResult struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error"`
	Classes []string `json:"classes"`
}

// parseCheckOutput reads the last JSON line printed by the check script.
func parseCheckOutput(out string) (checkResult, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res checkResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			return checkResult{}, fmt.Errorf("decode sandbox output: %w", err)
		}
		return res, nil
	}
	return checkResult{}, errNoCheckOutput
}

// DockerRunner runs the check script in a network-less, resource-limited container.
type DockerRunner struct {
	cli     *client.Client
	image   string
	runtime string
	timeout time.Duration
}

// DockerConfig configures a DockerRunner.
type DockerConfig struct {
	Image string
	// Runtime is "" for the default runtime or "runsc" for gVisor.
	Runtime string
	Timeout time.Duration
}

// NewDockerRunner creates a Docker-backed runner from the environment.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker sandbox initialized", "image", cfg.Image, "runtime", runtime)
	return &DockerRunner{cli: cli, image: cfg.Image, runtime: cfg.Runtime, timeout: cfg.Timeout}, nil
}

// Ping verifies the Docker daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run creates the container, waits for it to exit and returns its stdout.
func (r *DockerRunner) Run(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.ensureImage(ctx); err != nil {
		return "", err
	}

	config := &container.Config{
		Image:           r.image,
		Cmd:             []string{"python3", "-c", checkScript},
		Env:             []string{codeEnvVar + "=" + code},
		User:            "65534",
		NetworkDisabled: true,
	}
	hostConfig := &container.HostConfig{
		Runtime:        r.runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	name := "forge-sandbox-" + uuid.NewString()
	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	defer r.remove(resp.ID)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}

	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", fmt.Errorf("wait for sandbox container %s: %w", resp.ID, err)
	case status := <-waitCh:
		if status.Error != nil {
			return "", fmt.Errorf("sandbox container %s: %s", resp.ID, status.Error.Message)
		}
		if status.StatusCode != 0 {
			slog.Debug("Sandbox exited with non-zero status", "container_id", resp.ID, "status", status.StatusCode)
		}
	}

	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("read sandbox logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(logs, maxOutputBytes)); err != nil {
		return "", fmt.Errorf("demux sandbox logs: %w", err)
	}
	if stderr.Len() > 0 {
		slog.Debug("Sandbox stderr", "container_id", resp.ID, "stderr", stderr.String())
	}
	return stdout.String(), nil
}

func (r *DockerRunner) ensureImage(ctx context.Context) error {
	if _, err := r.cli.ImageInspect(ctx, r.image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect sandbox image %s: %w", r.image, err)
	}

	slog.Info("Pulling sandbox image", "image", r.image)
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull sandbox image %s: %w", r.image, err)
	}
	defer rc.Close()
	// The pull completes when the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull sandbox image %s: %w", r.image, err)
	}
	return nil
}

// remove force-removes the container, tolerating containers that are already gone.
func (r *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	switch {
	case err == nil, errdefs.IsNotFound(err):
	case strings.Contains(err.Error(), "is already in progress"):
		slog.Debug("Sandbox removal already in progress", "container_id", containerID)
	default:
		slog.Warn("Failed to remove sandbox container", "container_id", containerID, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
