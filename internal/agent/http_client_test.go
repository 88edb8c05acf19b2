package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func newTestHTTPClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL + "/", APIKey: "secret"}, nil)
}

func TestHTTPExecuteJSON(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != assistPath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(apiKeyHeader) != "secret" {
			t.Errorf("missing api key header")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["input_value"] != "make a button" || body["session_id"] != "flow-1" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"Try again","validated":false,"validation_error":"SyntaxError","validation_attempts":3}`))
	})

	res, err := client.Execute(context.Background(), PromptRequest{Prompt: "make a button", SessionID: "flow-1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := domain.SubmitResult{
		Content:            "Try again",
		Validated:          domain.Bool(false),
		ValidationError:    "SyntaxError",
		ValidationAttempts: 3,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPExecuteStreamReportsProgress(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, "data: {\"event\":\"progress\",\"step\":\"generating\"}\n\n")
		fmt.Fprint(w, ": comment\n")
		fmt.Fprint(w, "data: {\"event\":\"progress\",\"step\":\"validating\",\"attempt\":1,\"max_attempts\":3}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"complete\",\n")
		fmt.Fprint(w, "data: \"data\":{\"result\":\"Built it\",\"validated\":true,\"class_name\":\"Btn\",\"component_code\":\"code\"}}\n\n")
	})

	var steps []domain.Progress
	res, err := client.Execute(context.Background(), PromptRequest{
		Prompt:     "make a button",
		OnProgress: func(p domain.Progress) { steps = append(steps, p) },
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome() != domain.OutcomeValidated || res.Content != "Built it" || res.ClassName != "Btn" {
		t.Fatalf("unexpected result: %+v", res)
	}
	wantSteps := []domain.Progress{
		{Step: "generating"},
		{Step: "validating", Attempt: 1, MaxAttempts: 3},
	}
	if diff := cmp.Diff(wantSteps, steps); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPExecuteStreamError(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"error\",\"message\":\"model overloaded\"}\n\n")
	})

	_, err := client.Execute(context.Background(), PromptRequest{Prompt: "x"})
	if err == nil || err.Error() != "model overloaded" {
		t.Fatalf("expected stream error message, got %v", err)
	}
}

func TestHTTPExecuteStreamWithoutResult(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"progress\",\"step\":\"generating\"}\n\n")
	})

	_, err := client.Execute(context.Background(), PromptRequest{Prompt: "x"})
	if !errors.Is(err, errStreamIncomplete) {
		t.Fatalf("expected errStreamIncomplete, got %v", err)
	}
}

func TestHTTPExecuteErrorStatus(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"No model provider configured"}`))
	})

	_, err := client.Execute(context.Background(), PromptRequest{Prompt: "x"})
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if err.Error() != "No model provider configured" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestHTTPExecuteMalformedJSON(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":`))
	})

	_, err := client.Execute(context.Background(), PromptRequest{Prompt: "x"})
	if !errors.Is(err, domain.ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestHTTPValidate(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != validatePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "class Btn: ..." {
			t.Errorf("unexpected code %q", body["code"])
		}
		_, _ = w.Write([]byte(`{"data":{"template":{"code":{}}},"type":"Btn"}`))
	})

	artifact, err := client.Validate(context.Background(), "class Btn: ...")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if artifact.Kind != "Btn" || !strings.Contains(string(artifact.Node), "template") {
		t.Fatalf("unexpected artifact: %+v", artifact)
	}
}

func TestHTTPValidateRejectsEmptyNode(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"Btn"}`))
	})

	if _, err := client.Validate(context.Background(), "x"); !errors.Is(err, errEmptyArtifact) {
		t.Fatalf("expected errEmptyArtifact, got %v", err)
	}
}

func TestHTTPSave(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != flowsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Name        string `json:"name"`
			IsComponent bool   `json:"is_component"`
			Data        struct {
				Nodes []json.RawMessage `json:"nodes"`
			} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Name != "My Button" || !body.IsComponent || len(body.Data.Nodes) != 1 {
			t.Errorf("unexpected body: %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	})

	artifact := domain.ArtifactDescriptor{Kind: "Btn", Node: json.RawMessage(`{"template":{}}`)}
	if err := client.Save(context.Background(), artifact, "My Button"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func TestHTTPSaveErrorDetailObject(t *testing.T) {
	t.Parallel()
	client := newTestHTTPClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":{"message":"name already exists"}}`))
	})

	err := client.Save(context.Background(), domain.ArtifactDescriptor{Kind: "Btn"}, "dup")
	if err == nil || err.Error() != "name already exists" {
		t.Fatalf("expected detail message, got %v", err)
	}
}
