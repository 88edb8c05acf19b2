package forge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Factory builds the controller of a new session.
type Factory func(userID, sessionID string) (*Controller, error)

// CloseFunc is called after a session has been removed from the registry.
type CloseFunc func(userID, sessionID string)

type entry struct {
	userID     string
	sessionID  string
	controller *Controller
	lastSeen   time.Time
}

// Manager keeps one controller per browser tab, keyed by user and session id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	factory  Factory
	onClose  CloseFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates an empty registry.
func NewManager(factory Factory, onClose CloseFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		factory:  factory,
		onClose:  onClose,
		now:      time.Now,
		logger:   logger,
	}
}

// SessionKey returns the registry key of a session.
func SessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the controller of an existing session and marks it as seen.
func (m *Manager) Get(userID, sessionID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[SessionKey(userID, sessionID)]
	if !ok {
		return nil, false
	}
	e.lastSeen = m.now()
	return e.controller, true
}

// Touch marks a session as seen without returning it. It reports whether the
// session exists.
func (m *Manager) Touch(userID, sessionID string) bool {
	_, ok := m.Get(userID, sessionID)
	return ok
}

// GetOrCreate returns the session controller, creating it on first use.
func (m *Manager) GetOrCreate(userID, sessionID string) (*Controller, error) {
	key := SessionKey(userID, sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[key]; ok {
		e.lastSeen = m.now()
		return e.controller, nil
	}

	ctrl, err := m.factory(userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("create forge session: %w", err)
	}
	m.sessions[key] = &entry{
		userID:     userID,
		sessionID:  sessionID,
		controller: ctrl,
		lastSeen:   m.now(),
	}
	m.logger.Info("Forge session created", "user_id", userID, "session_id", sessionID)
	return ctrl, nil
}

// Close removes a session and ends its transcript subscriptions.
func (m *Manager) Close(userID, sessionID string) {
	m.mu.Lock()
	e, ok := m.sessions[SessionKey(userID, sessionID)]
	if ok {
		delete(m.sessions, SessionKey(userID, sessionID))
	}
	m.mu.Unlock()
	if ok {
		m.release(e)
	}
}

// ExpireIdle removes sessions not seen within ttl and returns how many were
// removed. Sessions with a submission in flight are kept.
func (m *Manager) ExpireIdle(ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	var expired []*entry
	for key, e := range m.sessions {
		if e.lastSeen.Before(cutoff) && !e.controller.Busy() {
			expired = append(expired, e)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.release(e)
	}
	return len(expired)
}

// CloseAll removes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.sessions))
	for key, e := range m.sessions {
		all = append(all, e)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for _, e := range all {
		m.release(e)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) release(e *entry) {
	e.controller.Transcript().CloseSubscribers()
	if m.onClose != nil {
		m.onClose(e.userID, e.sessionID)
	}
	m.logger.Info("Forge session closed", "user_id", e.userID, "session_id", e.sessionID)
}
