package server

import (
	"sync"

	"evcharge/internal"
)

// SessionManager is the single authority on whether this process can send a
// command to a charge point right now. The distributed registry is an
// advisory cross-process signal and plays no part in admission.
type SessionManager struct {
	mux      sync.Mutex
	sessions map[string]*Session
	logger   internal.LogHandler
}

func NewSessionManager(logger internal.LogHandler) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Admit atomically checks for an existing active session and inserts the
// new one, so two near-simultaneous connections for the same id cannot both
// win.
func (m *SessionManager) Admit(session *Session) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.sessions[session.ChargePointId()]; ok {
		return ErrAlreadyConnected
	}
	m.sessions[session.ChargePointId()] = session
	session.activate()
	return nil
}

// Remove is idempotent and only evicts the given session, so a slow cleanup
// of a dead connection cannot knock out its successor.
func (m *SessionManager) Remove(session *Session) {
	m.mux.Lock()
	defer m.mux.Unlock()
	current, ok := m.sessions[session.ChargePointId()]
	if ok && current == session {
		delete(m.sessions, session.ChargePointId())
	}
}

func (m *SessionManager) Get(chargePointId string) (*Session, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	session, ok := m.sessions[chargePointId]
	return session, ok
}

func (m *SessionManager) IsConnected(chargePointId string) bool {
	_, ok := m.Get(chargePointId)
	return ok
}

func (m *SessionManager) Count() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.sessions)
}

// SendCommand composes lookup and call so that callers see one failure
// taxonomy: ErrNotConnected, ErrCommandTimeout or CommandRejectedError.
func (m *SessionManager) SendCommand(chargePointId string, action string, payload interface{}) (interface{}, error) {
	session, ok := m.Get(chargePointId)
	if !ok {
		return nil, ErrNotConnected
	}
	return session.Call(action, payload)
}
