package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/notify"
)

// Notice is one toast shown in the status line.
type Notice struct {
	Title   string
	Details []string
	Error   bool
}

// Notices delivers notifications to the status line. Sends never block;
// when the buffer is full the notice is dropped.
type Notices struct {
	c chan Notice
}

var _ notify.Notifier = (*Notices)(nil)

// NewNotices creates a notifier with room for buffer pending notices.
func NewNotices(buffer int) *Notices {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notices{c: make(chan Notice, buffer)}
}

// NotifyError queues an error notice.
func (n *Notices) NotifyError(title string, details []string) {
	n.send(Notice{Title: title, Details: details, Error: true})
}

// NotifySuccess queues a success notice.
func (n *Notices) NotifySuccess(title string) {
	n.send(Notice{Title: title})
}

func (n *Notices) send(notice Notice) {
	select {
	case n.c <- notice:
	default:
	}
}

// C is the receiving end read by the model.
func (n *Notices) C() <-chan Notice {
	return n.c
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// DirWorkspace inserts artifacts by writing them as JSON node files into a
// directory that the canvas importer watches.
type DirWorkspace struct {
	dir string
	now func() time.Time
}

var _ agent.Workspace = (*DirWorkspace)(nil)

// NewDirWorkspace creates dir if needed.
func NewDirWorkspace(dir string) (*DirWorkspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &DirWorkspace{dir: dir, now: time.Now}, nil
}

// Insert writes the artifact to <kind>-<unix millis>.json.
func (w *DirWorkspace) Insert(ctx context.Context, artifact domain.ArtifactDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	kind := unsafeName.ReplaceAllString(artifact.Kind, "_")
	if kind == "" {
		kind = "component"
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%d.json", kind, w.now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}
