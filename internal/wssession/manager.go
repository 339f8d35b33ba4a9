package wssession

import (
	"sync"

	"github.com/vibestack/syncd/internal/protocol"
)

// Manager tracks the one live Session per clientId so a reconnect can
// supersede the prior connection instead of running two sessions for
// the same client concurrently (spec.md §4.9).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty session Manager.
func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}}
}

// Register installs sess as the active session for its clientId,
// closing and returning whatever session previously held that slot.
func (m *Manager) Register(sess *Session) (previous *Session) {
	m.mu.Lock()
	previous = m.sessions[sess.ID()]
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	if previous != nil {
		previous.Close(protocol.CloseSuperseded, "superseded by new connection")
	}
	return previous
}

// Unregister removes sess if it is still the active session for its
// clientId (a superseded session must not evict its successor).
func (m *Manager) Unregister(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[sess.ID()]; ok && cur == sess {
		delete(m.sessions, sess.ID())
	}
}

// Count reports the number of active sessions, used by serve's shutdown
// drain wait.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
