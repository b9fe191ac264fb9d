package server

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"evcharge/internal"
	"evcharge/internal/config"
	"evcharge/metrics/counters"
	"evcharge/registry"
	"evcharge/utility"
)

const (
	wsEndpoint = "/ocpp/:id"
)

// Server accepts charge point websocket connections and walks each one
// through admission: upgrade, identity check, single-session check, then
// registry publication. Frames are handed to the message handler installed
// by the central system.
type Server struct {
	conf           *config.Config
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessions       *SessionManager
	registry       registry.ConnectionRegistry
	messageHandler func(session *Session, data []byte) error
	admissionCheck func(chargePointId string) bool
	logger         internal.LogHandler
}

func NewServer(conf *config.Config, sessions *SessionManager) *Server {
	server := Server{
		conf:     conf,
		sessions: sessions,
		upgrader: websocket.Upgrader{Subprotocols: []string{}},
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return &server
}

func (s *Server) AddSupportedSubProtocol(proto string) {
	for _, sub := range s.upgrader.Subprotocols {
		if sub == proto {
			return
		}
	}
	s.upgrader.Subprotocols = append(s.upgrader.Subprotocols, proto)
}

func (s *Server) SetMessageHandler(handler func(session *Session, data []byte) error) {
	s.messageHandler = handler
}

// SetAdmissionCheck installs the identity check run before a session may go
// active. Unknown ids are rejected with a close frame, not silently dropped.
func (s *Server) SetAdmissionCheck(check func(chargePointId string) bool) {
	s.admissionCheck = check
}

func (s *Server) SetRegistry(reg registry.ConnectionRegistry) {
	s.registry = reg
}

func (s *Server) SetLogger(logger internal.LogHandler) {
	s.logger = logger
}

func (s *Server) Register(router *httprouter.Router) {
	router.GET(wsEndpoint, s.handleWsRequest)
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	s.logger.Debug(fmt.Sprintf("connection initiated from remote %s", r.RemoteAddr))

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	clientSubProto := websocket.Subprotocols(r)
	requestedProto := ""
	for _, proto := range clientSubProto {
		if len(s.upgrader.Subprotocols) == 0 {
			requestedProto = proto
			break
		}
		if utility.Contains(s.upgrader.Subprotocols, proto) {
			requestedProto = proto
			break
		}
	}
	responseHeader := http.Header{}
	if requestedProto != "" {
		responseHeader.Add("Sec-WebSocket-Protocol", requestedProto)
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("upgrade failed: ", err)
		return
	}

	callTimeout := time.Duration(s.conf.Session.CommandTimeoutSec) * time.Second
	session := NewSession(id, conn, s.logger, callTimeout)

	if s.admissionCheck != nil && !s.admissionCheck(id) {
		s.logger.Warn(fmt.Sprintf("rejected connection from unknown charge point %s", id))
		session.Reject("unknown charge point")
		return
	}
	if err = s.sessions.Admit(session); err != nil {
		s.logger.Warn(fmt.Sprintf("rejected connection for %s: %s", id, err))
		session.Reject("already connected")
		return
	}

	if s.registry != nil {
		s.registry.Register(id, time.Now())
	}
	counters.ObserveConnections(s.conf.Location, s.sessions.Count())
	s.logger.Debug(fmt.Sprintf("upgraded socket for %s and ready to receive data", id))

	go s.messageReader(session)
}

func (s *Server) messageReader(session *Session) {
	defer s.cleanupSession(session)
	for {
		_, message, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, 3001) {
				s.logger.Debug(fmt.Sprintf("id %s leaving session", session.ChargePointId()))
			} else {
				s.logger.Debug(fmt.Sprintf("id %s is closing session %s", session.ChargePointId(), err))
			}
			return
		}
		if s.messageHandler != nil {
			err = s.messageHandler(session, message)
			if err != nil {
				s.logger.Error(fmt.Sprintf("handling message from %s", session.ChargePointId()), err)
				continue
			}
		}
	}
}

// cleanupSession tears everything down in the order that keeps the registry
// honest: local eviction first, registry record last.
func (s *Server) cleanupSession(session *Session) {
	session.beginClose()
	_ = session.conn.Close()
	s.sessions.Remove(session)
	session.markClosed()
	if s.registry != nil {
		s.registry.Unregister(session.ChargePointId())
	}
	counters.ObserveConnections(s.conf.Location, s.sessions.Count())
}

func (s *Server) Start() error {
	if s.conf == nil {
		return utility.Err("configuration not loaded")
	}
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.logger.Debug(fmt.Sprintf("starting server on %s", serverAddress))
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}
	if s.conf.Listen.TLS {
		s.logger.Debug("starting https TLS server")
		err = s.httpServer.ServeTLS(listener, s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		s.logger.Debug("starting http server")
		err = s.httpServer.Serve(listener)
	}
	return err
}

func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

func (s *Server) SendResponse(session *Session, uniqueId string, payload interface{}) error {
	callResult := &CallResult{UniqueId: uniqueId, Payload: payload}
	data, err := callResult.MarshalJSON()
	if err != nil {
		s.logger.Error("error encoding response", err)
		return err
	}
	s.logger.RawDataEvent("OUT", session.ChargePointId(), uniqueId, string(data))
	if err = session.Send(data); err != nil {
		s.logger.Error("error sending response", err)
	}
	return err
}

func (s *Server) SendError(session *Session, uniqueId string, errorCode string, description string) error {
	callError := &CallError{UniqueId: uniqueId, ErrorCode: errorCode, ErrorDescription: description}
	data, err := callError.MarshalJSON()
	if err != nil {
		s.logger.Error("error encoding call error", err)
		return err
	}
	s.logger.RawDataEvent("OUT", session.ChargePointId(), uniqueId, string(data))
	if err = session.Send(data); err != nil {
		s.logger.Error("error sending call error", err)
	}
	return err
}
