package server

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"time"

	"evcharge/billing"
	"evcharge/internal"
	"evcharge/internal/config"
	"evcharge/metrics"
	"evcharge/metrics/counters"
	"evcharge/ocpp"
	"evcharge/ocpp/core"
	"evcharge/ocpp/firmware"
	"evcharge/pusher"
	"evcharge/registry"
	"evcharge/telegram"
	"evcharge/types"
	"evcharge/utility"
)

type dispatchFunc func(chargePointId string, request ocpp.Request) (ocpp.Response, error)

type CentralSystem struct {
	conf           *config.Config
	server         *Server
	api            *Api
	logger         internal.LogHandler
	database       internal.Database
	handler        *SystemHandler
	sessions       *SessionManager
	statusResolver *StatusResolver
	billingSweep   *billing.Sweep
	location       *time.Location
	dispatch       map[string]dispatchFunc
	done           chan struct{}
}

type CentralSystemCommand struct {
	ChargePointId string `json:"charge_point_id"`
	ConnectorId   int    `json:"connector_id"`
	FeatureName   string `json:"feature_name"`
	Payload       string `json:"payload"`
}

type ChargePointStatus struct {
	ChargePointId string     `json:"charge_point_id"`
	IsOnline      bool       `json:"is_online"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// buildDispatchTable binds every charger-initiated action to its handler.
// The table is assembled once at startup so the set of supported actions is
// visible in one place.
func (cs *CentralSystem) buildDispatchTable() {
	h := cs.handler
	cs.dispatch = map[string]dispatchFunc{
		core.BootNotificationFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnBootNotification(id, request.(*core.BootNotificationRequest))
		},
		core.AuthorizeFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnAuthorize(id, request.(*core.AuthorizeRequest))
		},
		core.HeartbeatFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnHeartbeat(id, request.(*core.HeartbeatRequest))
		},
		core.StartTransactionFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnStartTransaction(id, request.(*core.StartTransactionRequest))
		},
		core.StopTransactionFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnStopTransaction(id, request.(*core.StopTransactionRequest))
		},
		core.MeterValuesFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnMeterValues(id, request.(*core.MeterValuesRequest))
		},
		core.StatusNotificationFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnStatusNotification(id, request.(*core.StatusNotificationRequest))
		},
		core.DataTransferFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnDataTransfer(id, request.(*core.DataTransferRequest))
		},
		firmware.StatusNotificationFeatureName: func(id string, request ocpp.Request) (ocpp.Response, error) {
			return h.OnFirmwareStatusNotification(id, request.(*firmware.StatusNotificationRequest))
		},
	}
}

// handleIncomingMessage is the single entry point for every frame a charge
// point sends. A malformed frame is logged and dropped; the connection stays
// open because one bad frame does not mean the session is unusable.
func (cs *CentralSystem) handleIncomingMessage(session *Session, data []byte) error {
	chargePointId := session.ChargePointId()
	message, err := ParseMessage(data)
	if err != nil {
		var malformed *MalformedFrameError
		if errors.As(err, &malformed) {
			cs.logger.RawDataEvent("IN", chargePointId, "", string(data))
			cs.logger.Warn(fmt.Sprintf("malformed frame from %s: %s", chargePointId, malformed.Reason))
			counters.CountMalformedFrame(cs.conf.Location, chargePointId)
			return nil
		}
		return err
	}

	switch frame := message.(type) {
	case *Call:
		cs.logger.RawDataEvent("IN", chargePointId, frame.UniqueId, string(data))
		return cs.handleCall(session, frame)
	case *CallResult:
		cs.logger.RawDataEvent("IN", chargePointId, frame.UniqueId, string(data))
		if !session.resolveResult(frame.UniqueId, frame.Payload) {
			cs.logger.Warn(fmt.Sprintf("unmatched call result from %s, id %s", chargePointId, frame.UniqueId))
		}
		return nil
	case *CallError:
		cs.logger.RawDataEvent("IN", chargePointId, frame.UniqueId, string(data))
		if !session.resolveError(frame) {
			cs.logger.Warn(fmt.Sprintf("unmatched call error from %s, id %s: %s", chargePointId, frame.UniqueId, frame.ErrorCode))
		}
		return nil
	default:
		return nil
	}
}

func (cs *CentralSystem) handleCall(session *Session, call *Call) error {
	chargePointId := session.ChargePointId()

	requestType, ok := getRequestType(call.Action)
	if !ok {
		cs.logger.Warn(fmt.Sprintf("unsupported action %s from %s", call.Action, chargePointId))
		return cs.server.SendResponse(session, call.UniqueId, struct{}{})
	}
	request, err := ocpp.ParseRawJsonRequest(call.Payload, requestType)
	if err != nil {
		cs.logger.Error(fmt.Sprintf("decoding %s payload from %s", call.Action, chargePointId), err)
		return cs.server.SendError(session, call.UniqueId, "FormationViolation", err.Error())
	}

	handle := cs.dispatch[call.Action]
	confirmation, err := handle(chargePointId, request)
	if err != nil {
		cs.logger.Error(fmt.Sprintf("handling %s from %s", call.Action, chargePointId), err)
		return cs.server.SendError(session, call.UniqueId, "InternalError", err.Error())
	}
	return cs.server.SendResponse(session, call.UniqueId, confirmation)
}

// SendCommand builds a server-initiated request, sends it over the charge
// point's session and decodes the typed response. A Rejected status comes
// back as CommandRejectedError so api callers see one failure taxonomy.
func (cs *CentralSystem) SendCommand(command *CentralSystemCommand) (ocpp.Response, error) {
	switch command.FeatureName {
	case core.RemoteStartTransactionFeatureName:
		return cs.remoteStart(command)
	case core.RemoteStopTransactionFeatureName:
		return cs.remoteStop(command)
	case core.ChangeAvailabilityFeatureName:
		request, err := cs.handler.OnChangeAvailability(command.ChargePointId, command.ConnectorId, command.Payload)
		if err != nil {
			return nil, err
		}
		response, err := cs.call(command.ChargePointId, core.ChangeAvailabilityFeatureName, request, core.ChangeAvailabilityResponse{})
		if err != nil {
			return nil, err
		}
		confirmation := response.(*core.ChangeAvailabilityResponse)
		if confirmation.Status == core.AvailabilityStatusRejected {
			return nil, &CommandRejectedError{Code: string(confirmation.Status), Description: "availability change rejected"}
		}
		return confirmation, nil
	case core.ResetFeatureName:
		request, err := cs.handler.OnReset(command.ChargePointId, command.Payload)
		if err != nil {
			return nil, err
		}
		response, err := cs.call(command.ChargePointId, core.ResetFeatureName, request, core.ResetResponse{})
		if err != nil {
			return nil, err
		}
		confirmation := response.(*core.ResetResponse)
		if confirmation.Status != core.ResetStatusAccepted {
			return nil, &CommandRejectedError{Code: string(confirmation.Status), Description: "reset rejected"}
		}
		return confirmation, nil
	case firmware.UpdateFirmwareFeatureName:
		request, err := cs.handler.OnUpdateFirmware(command.ChargePointId, command.Payload)
		if err != nil {
			return nil, err
		}
		return cs.call(command.ChargePointId, firmware.UpdateFirmwareFeatureName, request, firmware.UpdateFirmwareResponse{})
	default:
		return nil, utility.Err(fmt.Sprintf("feature not supported: %s", command.FeatureName))
	}
}

func (cs *CentralSystem) remoteStart(command *CentralSystemCommand) (ocpp.Response, error) {
	request, transaction, err := cs.handler.OnRemoteStartTransaction(command.ChargePointId, command.ConnectorId, command.Payload)
	if err != nil {
		return nil, err
	}
	response, err := cs.call(command.ChargePointId, core.RemoteStartTransactionFeatureName, request, core.RemoteStartTransactionResponse{})
	if err != nil {
		// the record created for this start will never be confirmed
		cs.handler.CancelPendingTransaction(transaction.Id)
		return nil, err
	}
	confirmation := response.(*core.RemoteStartTransactionResponse)
	if confirmation.Status != types.RemoteStartStopStatusAccepted {
		cs.handler.CancelPendingTransaction(transaction.Id)
		return nil, &CommandRejectedError{Code: string(confirmation.Status), Description: "remote start rejected"}
	}
	counters.CountTransaction(cs.conf.Location, command.ChargePointId)
	return confirmation, nil
}

func (cs *CentralSystem) remoteStop(command *CentralSystemCommand) (ocpp.Response, error) {
	transactionId := utility.ToInt(command.Payload)
	request, err := cs.handler.OnRemoteStopTransaction(command.ChargePointId, transactionId)
	if err != nil {
		return nil, err
	}
	response, err := cs.call(command.ChargePointId, core.RemoteStopTransactionFeatureName, request, core.RemoteStopTransactionResponse{})
	if err != nil {
		return nil, err
	}
	confirmation := response.(*core.RemoteStopTransactionResponse)
	if confirmation.Status != types.RemoteStartStopStatusAccepted {
		return nil, &CommandRejectedError{Code: string(confirmation.Status), Description: "remote stop rejected"}
	}
	return confirmation, nil
}

func (cs *CentralSystem) call(chargePointId string, action string, request ocpp.Request, responseModel ocpp.Response) (ocpp.Response, error) {
	raw, err := cs.sessions.SendCommand(chargePointId, action, request)
	if err != nil {
		if errors.Is(err, ErrCommandTimeout) {
			counters.CountCommandTimeout(cs.conf.Location, chargePointId)
		}
		return nil, err
	}
	return parseResponse(raw, reflect.TypeOf(responseModel))
}

// ConnectionStatus reports reachability for every known charge point from a
// single registry snapshot.
func (cs *CentralSystem) ConnectionStatus() ([]ChargePointStatus, error) {
	if cs.database == nil {
		return nil, utility.Err("database is disabled")
	}
	chargers, err := cs.database.GetChargers()
	if err != nil {
		return nil, err
	}
	online := cs.statusResolver.BulkConnectionStatus(chargers)
	result := make([]ChargePointStatus, 0, len(chargers))
	for _, charger := range chargers {
		result = append(result, ChargePointStatus{
			ChargePointId: charger.Id,
			IsOnline:      online[charger.Id],
			Status:        charger.Status,
			LastHeartbeat: charger.LastHeartbeat,
		})
	}
	return result, nil
}

// IsConnected answers for this process only: the local session map is the
// authority on whether a command can be sent right now. The registry and
// heartbeat feed the fleet-wide ConnectionStatus view, not this check.
func (cs *CentralSystem) IsConnected(chargePointId string) (bool, error) {
	if cs.database != nil {
		charger, err := cs.database.GetCharger(chargePointId)
		if err != nil {
			return false, err
		}
		if charger == nil {
			return false, ErrUnknownChargePoint
		}
	}
	return cs.sessions.IsConnected(chargePointId), nil
}

func (cs *CentralSystem) ReadLog() (interface{}, error) {
	if cs.database == nil {
		return nil, utility.Err("database is disabled")
	}
	return cs.database.ReadLog()
}

func (cs *CentralSystem) Start() {
	go func() {
		if err := cs.server.Start(); err != nil {
			cs.logger.Error("websocket server failed", err)
		}
	}()

	go func() {
		if err := cs.api.Start(); err != nil {
			cs.logger.Error("api server failed", err)
		}
	}()

	go func() {
		if err := metrics.Listen(cs.conf); err != nil {
			cs.logger.Error("metrics server failed", err)
		}
	}()

	if cs.billingSweep != nil {
		cs.billingSweep.Start()
	}

	<-cs.done
}

func (cs *CentralSystem) Stop() {
	if cs.billingSweep != nil {
		cs.billingSweep.Stop()
	}
	if err := cs.server.Shutdown(); err != nil {
		cs.logger.Error("websocket server shutdown", err)
	}
	if err := cs.api.Shutdown(); err != nil {
		cs.logger.Error("api server shutdown", err)
	}
	close(cs.done)
}

func NewCentralSystem(conf *config.Config) (*CentralSystem, error) {
	cs := &CentralSystem{
		conf: conf,
		done: make(chan struct{}),
	}

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}
	cs.location = location

	var database internal.Database
	if conf.Mongo.Enabled {
		database, err = internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		log.Println("mongodb is configured and enabled")
	} else {
		log.Println("database is disabled")
	}
	cs.database = database

	var messageService internal.MessageService
	if conf.Pusher.Enabled {
		messageService, err = pusher.NewPusher(conf)
		if err != nil {
			return nil, fmt.Errorf("pusher setup failed: %s", err)
		}
		log.Println("pusher service is configured and enabled")
	} else {
		log.Println("message pushing service is disabled")
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)
	logService.SetMessageService(messageService)
	cs.logger = logService

	var connectionRegistry registry.ConnectionRegistry
	if redisRegistry := registry.NewRedisRegistry(conf, logService); redisRegistry != nil {
		connectionRegistry = redisRegistry
		log.Println("redis connection registry is configured and enabled")
	} else {
		log.Println("connection registry is disabled, status is local only")
	}

	billingService := billing.NewService(conf.Location)
	billingService.SetDatabase(database)
	billingService.SetLogger(logService)

	systemHandler := NewSystemHandler(location)
	systemHandler.SetDatabase(database)
	systemHandler.SetBillingService(billingService)
	systemHandler.SetLogger(logService)
	systemHandler.SetParameters(conf.IsDebug, conf.AcceptUnknownTag, conf.AcceptUnknownChp, conf.Session.HeartbeatIntervalSec)
	cs.handler = systemHandler

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetDatabase(database)
		telegramBot.Start()
		systemHandler.SetEventHandler(telegramBot)
		billingService.SetEventHandler(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}

	if database != nil {
		sweep := billing.NewSweep(billingService, database, logService)
		sweep.SetSchedule(
			time.Duration(conf.Billing.SweepIntervalMin)*time.Minute,
			time.Duration(conf.Billing.RetryWindowHours)*time.Hour,
			time.Duration(conf.Billing.RetryItemDelaySec)*time.Second,
		)
		cs.billingSweep = sweep
	}

	sessions := NewSessionManager(logService)
	cs.sessions = sessions
	cs.statusResolver = NewStatusResolver(connectionRegistry, time.Duration(conf.Session.StalenessSec)*time.Second)

	wsServer := NewServer(conf, sessions)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.SetLogger(logService)
	wsServer.SetRegistry(connectionRegistry)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	wsServer.SetAdmissionCheck(systemHandler.ChargePointExists)
	cs.server = wsServer

	if err = systemHandler.OnStart(); err != nil {
		return nil, err
	}
	cs.buildDispatchTable()

	apiServer := NewServerApi(conf, logService)
	apiServer.SetCommandHandler(cs.SendCommand)
	apiServer.SetStatusHandler(cs.ConnectionStatus)
	apiServer.SetLogHandler(cs.ReadLog)
	cs.api = apiServer

	return cs, nil
}
