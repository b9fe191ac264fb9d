package server

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"evcharge/internal"
	"evcharge/internal/config"
	"evcharge/ocpp"
)

const (
	commandEndpoint = "/api/command"
	statusEndpoint  = "/api/status"
	logEndpoint     = "/api/log"
)

type Api struct {
	conf           *config.Config
	httpServer     *http.Server
	commandHandler func(command *CentralSystemCommand) (ocpp.Response, error)
	statusHandler  func() ([]ChargePointStatus, error)
	logHandler     func() (interface{}, error)
	logger         internal.LogHandler
}

func NewServerApi(conf *config.Config, logger internal.LogHandler) *Api {
	server := Api{
		conf:   conf,
		logger: logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(commandEndpoint, server.handleCommand)
	mux.HandleFunc(statusEndpoint, server.handleStatus)
	mux.HandleFunc(logEndpoint, server.handleLog)
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", conf.Api.BindIP, conf.Api.Port),
		Handler: mux,
	}
	return &server
}

func (s *Api) Start() error {
	var err error
	if s.conf.Api.TLS {
		cert, err := tls.LoadX509KeyPair(s.conf.Api.CertFile, s.conf.Api.KeyFile)
		if err != nil {
			return fmt.Errorf("api: failed to load certificate: %v", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		err = s.httpServer.ListenAndServeTLS("", "")
		return err
	}
	err = s.httpServer.ListenAndServe()
	return err
}

func (s *Api) Shutdown() error {
	return s.httpServer.Close()
}

func (s *Api) SetCommandHandler(handler func(command *CentralSystemCommand) (ocpp.Response, error)) {
	s.commandHandler = handler
}

func (s *Api) SetStatusHandler(handler func() ([]ChargePointStatus, error)) {
	s.statusHandler = handler
}

func (s *Api) SetLogHandler(handler func() (interface{}, error)) {
	s.logHandler = handler
}

func (s *Api) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn(fmt.Sprintf("api: invalid method %s from %s", r.Method, r.RemoteAddr))
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("api: error reading body from %s: %s", r.RemoteAddr, err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var cmd CentralSystemCommand
	err = json.Unmarshal(body, &cmd)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("api: error parsing command from %s: %s", r.RemoteAddr, err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if cmd.FeatureName == "" || cmd.ChargePointId == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	response, err := s.commandHandler(&cmd)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("api: command %s to %s failed: %s", cmd.FeatureName, cmd.ChargePointId, err))
		w.WriteHeader(commandStatusCode(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if response == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJson(w, response)
}

// commandStatusCode maps each command failure to a distinct status so api
// clients can tell "no such charger" from "charger is offline" from
// "charger said no".
func commandStatusCode(err error) int {
	var rejected *CommandRejectedError
	switch {
	case errors.Is(err, ErrUnknownChargePoint):
		return http.StatusNotFound
	case errors.Is(err, ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &rejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Api) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status, err := s.statusHandler()
	if err != nil {
		s.logger.Error("api: reading connection status", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJson(w, status)
}

func (s *Api) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logData, err := s.logHandler()
	if err != nil {
		s.logger.Error("api: reading log", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJson(w, logData)
}

func (s *Api) writeJson(w http.ResponseWriter, data interface{}) {
	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("api: encoding response", err)
	}
}
