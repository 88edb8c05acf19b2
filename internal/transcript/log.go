// Package transcript holds the ordered, append-only record of a forge terminal session.
package transcript

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/google/uuid"
)

const (
	// WelcomeMessage opens every transcript.
	WelcomeMessage = "Component Forge ready. Describe the component you want to build and press Enter."
	// ClearedMessage replaces the transcript on Clear.
	ClearedMessage = "Terminal cleared."
)

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithIDs overrides the message id source.
func WithIDs(next func() string) Option {
	return func(l *Log) { l.newID = next }
}

// Log is the session transcript. Messages are never edited or removed
// individually; Clear replaces the whole log.
type Log struct {
	mu       sync.RWMutex
	messages []domain.Message
	epoch    uint64
	subs     map[*subscriber]struct{}
	now      func() time.Time
	newID    func() string
}

// New creates a transcript holding the welcome message.
func New(opts ...Option) *Log {
	l := &Log{
		subs:  make(map[*subscriber]struct{}),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.messages = []domain.Message{l.newMessage(domain.MessageSystem, WelcomeMessage, nil)}
	return l
}

func (l *Log) newMessage(kind domain.MessageKind, content string, meta *domain.MessageMetadata) domain.Message {
	return domain.Message{
		ID:        l.newID(),
		Kind:      kind,
		Content:   content,
		Timestamp: l.now(),
		Metadata:  meta,
	}
}

// Append adds a new message to the end of the transcript.
func (l *Log) Append(kind domain.MessageKind, content string, meta *domain.MessageMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(kind, content, meta)
}

// AppendAt appends only while the transcript is still at epoch. It reports
// whether the message was appended.
func (l *Log) AppendAt(epoch uint64, kind domain.MessageKind, content string, meta *domain.MessageMetadata) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch != epoch {
		return false
	}
	l.appendLocked(kind, content, meta)
	return true
}

func (l *Log) appendLocked(kind domain.MessageKind, content string, meta *domain.MessageMetadata) {
	msg := l.newMessage(kind, content, meta)
	l.messages = append(l.messages, msg)
	l.publishLocked(Event{Type: EventAppend, Epoch: l.epoch, Message: &msg})
}

// Clear replaces the transcript with a single reset notice.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.epoch++
	l.messages = []domain.Message{l.newMessage(domain.MessageSystem, ClearedMessage, nil)}
	l.publishLocked(Event{Type: EventReset, Epoch: l.epoch, Messages: l.snapshotLocked()})
}

// Snapshot returns a copy of the ordered transcript.
func (l *Log) Snapshot() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Log) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Epoch returns the number of times the transcript has been cleared.
func (l *Log) Epoch() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// Subscribe registers an observer and returns it together with the transcript
// as of registration. Later changes arrive on C in order. A subscriber whose
// buffer fills is closed.
func (l *Log) Subscribe(buffer int) (*Subscription, []domain.Message) {
	if buffer <= 0 {
		buffer = 64
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &subscriber{c: make(chan Event, buffer)}
	l.subs[sub] = struct{}{}
	return &Subscription{C: sub.c, log: l, sub: sub}, l.snapshotLocked()
}

func (l *Log) publishLocked(ev Event) {
	for sub := range l.subs {
		select {
		case sub.c <- ev:
		default:
			slog.Warn("transcript subscriber too slow, dropping", "epoch", ev.Epoch)
			delete(l.subs, sub)
			close(sub.c)
		}
	}
}

func (l *Log) unsubscribe(sub *subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub]; ok {
		delete(l.subs, sub)
		close(sub.c)
	}
}

// CloseSubscribers ends every active subscription.
func (l *Log) CloseSubscribers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		delete(l.subs, sub)
		close(sub.c)
	}
}
