package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/forge-terminal/internal/domain"
)

const (
	assistPath    = "/api/v1/agentic/assist"
	validatePath  = "/api/v1/custom_component"
	flowsPath     = "/api/v1/flows/"
	apiKeyHeader  = "x-api-key"
	maxEventBytes = 1 << 20
)

var errStreamIncomplete = errors.New("assist stream ended without a result")

// HTTPClient talks to the REST backend for prompts, validation and the library.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// HTTPClientConfig holds configuration for the REST client.
type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Client overrides the underlying http.Client.
	Client *http.Client
}

// NewHTTPClient creates a REST client rooted at cfg.BaseURL.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger,
	}
}

// Execute posts the prompt to the assist endpoint. The backend may answer with
// a single JSON document or with a progress stream ending in a complete event.
func (c *HTTPClient) Execute(ctx context.Context, req PromptRequest) (domain.SubmitResult, error) {
	body := map[string]any{
		"input_value": req.Prompt,
		"session_id":  req.SessionID,
	}
	resp, err := c.post(ctx, "assist", assistPath, body, "text/event-stream, application/json")
	if err != nil {
		return domain.SubmitResult{}, err
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readAssistStream(resp.Body, req.OnProgress)
	}

	var payload resultPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrMalformedResult, err)
	}
	return payload.toResult()
}

// Validate turns source code into a workspace-insertable artifact.
func (c *HTTPClient) Validate(ctx context.Context, code string) (domain.ArtifactDescriptor, error) {
	resp, err := c.post(ctx, "validate", validatePath, map[string]any{"code": code}, "application/json")
	if err != nil {
		return domain.ArtifactDescriptor{}, err
	}
	defer resp.Body.Close()

	var artifact domain.ArtifactDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&artifact); err != nil {
		return domain.ArtifactDescriptor{}, fmt.Errorf("decode validate response: %w", err)
	}
	if len(artifact.Node) == 0 || string(artifact.Node) == "null" {
		return domain.ArtifactDescriptor{}, fmt.Errorf("decode validate response: %w", errEmptyArtifact)
	}
	return artifact, nil
}

var errEmptyArtifact = errors.New("validator returned no component data")

// Save stores the artifact as a reusable component flow.
func (c *HTTPClient) Save(ctx context.Context, artifact domain.ArtifactDescriptor, name string) error {
	node := map[string]any{
		"id":   artifact.Kind,
		"type": "genericNode",
		"data": map[string]any{
			"type": artifact.Kind,
			"node": artifact.Node,
		},
	}
	body := map[string]any{
		"name":         name,
		"description":  "Generated with Component Forge",
		"is_component": true,
		"data": map[string]any{
			"nodes": []any{node},
			"edges": []any{},
		},
	}
	resp, err := c.post(ctx, "save", flowsPath, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// post sends a JSON body and turns non-2xx answers into a CallError.
func (c *HTTPClient) post(ctx context.Context, op, path string, body any, accept string) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", "op", op, "error", err)
		return nil, fmt.Errorf("%s request: %w", op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	callErr := &CallError{Op: op, Status: resp.Status}
	var payload errorPayload
	if data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxEventBytes)); readErr == nil {
		if json.Unmarshal(data, &payload) == nil {
			callErr.Message = payload.message()
		}
	}
	c.logger.Warn("backend returned error", "op", op, "status", resp.StatusCode, "message", callErr.Message)
	return nil, callErr
}

// readAssistStream consumes server-sent events until a complete or error event.
func readAssistStream(r io.Reader, onProgress ProgressFunc) (domain.SubmitResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var data strings.Builder
	dispatch := func() (domain.SubmitResult, bool, error) {
		if data.Len() == 0 {
			return domain.SubmitResult{}, false, nil
		}
		raw := data.String()
		data.Reset()

		var ev streamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return domain.SubmitResult{}, true, fmt.Errorf("%w: %v", domain.ErrMalformedResult, err)
		}
		switch ev.Event {
		case "progress":
			if onProgress != nil {
				onProgress(domain.Progress{Step: ev.Step, Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts})
			}
			return domain.SubmitResult{}, false, nil
		case "complete":
			if ev.Data == nil {
				return domain.SubmitResult{}, true, fmt.Errorf("%w: complete event without data", domain.ErrMalformedResult)
			}
			res, err := ev.Data.toResult()
			return res, true, err
		case "error":
			msg := ev.Message
			if msg == "" {
				msg = "assistant reported an error"
			}
			return domain.SubmitResult{}, true, &CallError{Op: "assist", Status: "stream error", Message: msg}
		default:
			return domain.SubmitResult{}, false, nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if res, done, err := dispatch(); done {
				return res, err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("read assist stream: %w", err)
	}
	if res, done, err := dispatch(); done {
		return res, err
	}
	return domain.SubmitResult{}, errStreamIncomplete
}
