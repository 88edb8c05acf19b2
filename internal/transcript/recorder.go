package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RecorderConfig controls NDJSON transcript recording.
type RecorderConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Record is one NDJSON line.
type Record struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	EventType  string         `json:"event_type"`
	Kind       string         `json:"kind,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`

	// detach asks the writer to close the session's file instead of writing.
	detach bool
}

// Recorder appends transcript events to one NDJSON file per user session.
// Writes happen on a single goroutine; when the queue is full records are dropped.
type Recorder struct {
	cfg    RecorderConfig
	logger *slog.Logger
	queue  chan Record
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	files  map[string]*os.File
}

// NewRecorder starts a recorder. A disabled config yields a recorder whose
// Attach is a no-op.
func NewRecorder(cfg RecorderConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	r := &Recorder{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Record, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	if !cfg.Enabled {
		return r, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript log dir: %w", err)
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r, nil
}

// Attach records every change of log for the given session until the
// subscription ends or the recorder closes. When the subscription ends the
// session's file is closed.
func (r *Recorder) Attach(userID, sessionID string, log *Log) {
	if r == nil || !r.cfg.Enabled {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	sub, _ := log.Subscribe(256)
	go func() {
		defer r.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-sub.C:
				if !ok {
					r.detach(userID, sessionID)
					return
				}
				r.enqueue(recordFor(userID, sessionID, ev))
			}
		}
	}()
}

func recordFor(userID, sessionID string, ev Event) Record {
	rec := Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: sessionID,
		EventType: string(ev.Type),
		Meta:      map[string]any{"epoch": ev.Epoch},
	}
	if ev.Message != nil {
		rec.Kind = string(ev.Message.Kind)
		rec.MessageID = ev.Message.ID
		rec.ContentRaw = ev.Message.Content
		rec.Content = cleanForReadability(ev.Message.Content)
		if md := ev.Message.Metadata; md != nil {
			rec.Meta["class_name"] = md.ClassName
			rec.Meta["validation_attempts"] = md.ValidationAttempts
			if md.Validated != nil {
				rec.Meta["validated"] = *md.Validated
			}
		}
	}
	return rec
}

func (r *Recorder) enqueue(rec Record) {
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("transcript recorder queue full, dropping record",
			"user_id", rec.UserID, "session_id", rec.SessionID)
	}
}

// detach queues the file close behind the session's pending records.
func (r *Recorder) detach(userID, sessionID string) {
	select {
	case r.queue <- Record{UserID: userID, SessionID: sessionID, detach: true}:
	case <-r.done:
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec Record) {
	if rec.detach {
		r.closeFile(rec.UserID, rec.SessionID)
		return
	}
	f, err := r.fileFor(rec.UserID, rec.SessionID)
	if err != nil {
		r.logger.Warn("failed to open transcript log", "error", err, "user_id", rec.UserID)
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("failed to encode transcript record", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		r.logger.Warn("failed to write transcript record", "error", err, "user_id", rec.UserID)
	}
}

func (r *Recorder) fileFor(userID, sessionID string) (*os.File, error) {
	key := userID + "/" + sessionID
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[key]; ok {
		return f, nil
	}
	dir := filepath.Join(r.cfg.Dir, safePathPart(userID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create user dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, safePathPart(sessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	r.files[key] = f
	return f, nil
}

func (r *Recorder) closeFile(userID, sessionID string) {
	key := userID + "/" + sessionID
	r.mu.Lock()
	f, ok := r.files[key]
	delete(r.files, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := f.Close(); err != nil {
		r.logger.Warn("failed to close transcript log", "error", err, "user_id", userID, "session_id", sessionID)
	}
}

// Close flushes queued records and closes open files.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close transcript file %s: %w", key, err)
		}
		delete(r.files, key)
	}
	return firstErr
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

func safePathPart(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
