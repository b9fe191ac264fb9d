package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"evcharge/internal"
	"evcharge/utility"
)

type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionClosing
	SessionClosed
)

// Conn is the part of the websocket connection a session needs. Declared
// here so tests can drive a session without a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type callOutcome struct {
	payload interface{}
	err     error
}

// Session owns one charge point connection. Inbound frames are handled one
// at a time by the server read loop; outbound calls may be issued
// concurrently from api handlers, each waiting on its own correlation id.
type Session struct {
	conn          Conn
	chargePointId string
	logger        internal.LogHandler
	callTimeout   time.Duration

	mux     sync.Mutex
	state   SessionState
	pending map[string]chan callOutcome

	writeMux sync.Mutex
}

func NewSession(chargePointId string, conn Conn, logger internal.LogHandler, callTimeout time.Duration) *Session {
	return &Session{
		conn:          conn,
		chargePointId: chargePointId,
		logger:        logger,
		callTimeout:   callTimeout,
		state:         SessionConnecting,
		pending:       make(map[string]chan callOutcome),
	}
}

func (s *Session) ChargePointId() string {
	return s.chargePointId
}

func (s *Session) State() SessionState {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.state
}

func (s *Session) activate() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.state == SessionConnecting {
		s.state = SessionActive
	}
}

// beginClose moves the session out of Active; new calls are refused but
// frames already in flight may still resolve waiters.
func (s *Session) beginClose() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosing
}

// markClosed finishes the shutdown and fails every pending waiter so callers
// do not sit out their full timeout against a dead socket.
func (s *Session) markClosed() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.state = SessionClosed
	for id, waiter := range s.pending {
		waiter <- callOutcome{err: ErrNotConnected}
		delete(s.pending, id)
	}
}

// Call sends a server-initiated request and waits for the matching
// CallResult or CallError. Each invocation gets its own correlation id, so
// concurrent calls on one session do not queue behind each other.
func (s *Session) Call(action string, payload interface{}) (interface{}, error) {
	uniqueId := utility.NewUUID()
	call := &Call{UniqueId: uniqueId, Action: action, Payload: payload}
	data, err := call.MarshalJSON()
	if err != nil {
		return nil, err
	}

	waiter := make(chan callOutcome, 1)
	s.mux.Lock()
	if s.state != SessionActive {
		s.mux.Unlock()
		return nil, ErrNotConnected
	}
	s.pending[uniqueId] = waiter
	s.mux.Unlock()

	if err = s.Send(data); err != nil {
		s.removeWaiter(uniqueId)
		return nil, err
	}
	s.logger.RawDataEvent("OUT", s.chargePointId, uniqueId, string(data))

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()
	select {
	case outcome := <-waiter:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.payload, nil
	case <-timer.C:
		s.removeWaiter(uniqueId)
		s.logger.Warn(fmt.Sprintf("[%s] %s call %s timed out", s.chargePointId, action, uniqueId))
		return nil, ErrCommandTimeout
	}
}

// resolveResult hands a CallResult payload to the waiter registered for its
// correlation id. Returns false for unknown or already timed-out ids; such
// late results are dropped by the caller.
func (s *Session) resolveResult(uniqueId string, payload interface{}) bool {
	waiter, ok := s.takeWaiter(uniqueId)
	if !ok {
		return false
	}
	waiter <- callOutcome{payload: payload}
	return true
}

func (s *Session) resolveError(callError *CallError) bool {
	waiter, ok := s.takeWaiter(callError.UniqueId)
	if !ok {
		return false
	}
	waiter <- callOutcome{err: &CommandRejectedError{
		Code:        callError.ErrorCode,
		Description: callError.ErrorDescription,
	}}
	return true
}

func (s *Session) takeWaiter(uniqueId string) (chan callOutcome, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	waiter, ok := s.pending[uniqueId]
	if ok {
		delete(s.pending, uniqueId)
	}
	return waiter, ok
}

func (s *Session) removeWaiter(uniqueId string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.pending, uniqueId)
}

// Send writes one frame; the write mutex keeps the single-writer discipline
// the websocket transport requires.
func (s *Session) Send(data []byte) error {
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) Close() error {
	s.beginClose()
	return s.conn.Close()
}

// Reject closes a connection that never reached Active, telling the charge
// point why.
func (s *Session) Reject(reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	s.writeMux.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, message)
	s.writeMux.Unlock()
	_ = s.conn.Close()
	s.mux.Lock()
	s.state = SessionClosed
	s.mux.Unlock()
}
