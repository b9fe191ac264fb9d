package server

import (
	"fmt"
	"sync"
	"time"

	"evcharge/internal"
	"evcharge/models"
	"evcharge/ocpp/core"
	"evcharge/ocpp/firmware"
	"evcharge/types"
	"evcharge/utility"
)

type ChargePointState struct {
	status         core.ChargePointStatus
	firmwareStatus firmware.Status
	connectors     map[int]*models.Connector // No assumptions about the # of connectors
	errorCode      core.ChargePointErrorCode
	model          models.Charger
}

type SystemHandler struct {
	chargePoints      map[string]*ChargePointState
	database          internal.Database
	billing           internal.BillingService
	logger            internal.LogHandler
	eventHandler      internal.EventHandler
	location          *time.Location
	debug             bool
	acceptUnknownTag  bool
	acceptUnknownChp  bool
	heartbeatInterval int
	mux               sync.Mutex
	lastTransactionId int
}

func NewSystemHandler(location *time.Location) *SystemHandler {
	handler := SystemHandler{
		chargePoints:      make(map[string]*ChargePointState),
		location:          location,
		heartbeatInterval: 300,
	}
	return &handler
}

func (h *SystemHandler) SetDatabase(database internal.Database) {
	h.database = database
}

func (h *SystemHandler) SetBillingService(billing internal.BillingService) {
	h.billing = billing
}

func (h *SystemHandler) SetLogger(logger internal.LogHandler) {
	h.logger = logger
}

func (h *SystemHandler) SetEventHandler(eventHandler internal.EventHandler) {
	h.eventHandler = eventHandler
}

func (h *SystemHandler) SetParameters(debug, acceptUnknownTag, acceptUnknownChp bool, heartbeatInterval int) {
	h.debug = debug
	h.acceptUnknownTag = acceptUnknownTag
	h.acceptUnknownChp = acceptUnknownChp
	if heartbeatInterval > 0 {
		h.heartbeatInterval = heartbeatInterval
	}
}

func (h *SystemHandler) OnStart() error {
	if h.database == nil {
		return nil
	}

	chargers, err := h.database.GetChargers()
	if err != nil {
		return fmt.Errorf("failed to load charge points from database: %s", err)
	}
	connectors, err := h.database.GetConnectors()
	if err != nil {
		return fmt.Errorf("failed to load connectors from database: %s", err)
	}

	for _, cp := range chargers {
		state := &ChargePointState{
			connectors: make(map[int]*models.Connector),
			model:      cp,
		}
		state.status = core.GetStatus(cp.Status)
		state.errorCode = core.GetErrorCode(cp.ErrorCode)
		if !cp.IsEnabled {
			state.status = core.ChargePointStatusUnavailable
		}
		for _, c := range connectors {
			if c.ChargePointId == cp.Id {
				state.connectors[c.Id] = c
			}
		}
		h.chargePoints[cp.Id] = state
	}
	h.logger.Debug(fmt.Sprintf("loaded %d charge points, %d connectors from database", len(chargers), len(connectors)))

	transaction, err := h.database.GetLastTransaction()
	if err != nil {
		h.logger.Error("failed to load last transaction from database", err)
	}
	if transaction != nil {
		h.lastTransactionId = transaction.Id
	}
	return nil
}

// ChargePointExists is the admission check used before a session may go
// Active.
func (h *SystemHandler) ChargePointExists(chargePointId string) bool {
	h.mux.Lock()
	defer h.mux.Unlock()
	_, ok := h.chargePoints[chargePointId]
	if !ok && h.acceptUnknownChp {
		h.addChargePoint(chargePointId)
		_, ok = h.chargePoints[chargePointId]
	}
	return ok
}

func (h *SystemHandler) addChargePoint(chargePointId string) {
	cp := models.Charger{
		Id:        chargePointId,
		IsEnabled: true,
		Status:    string(core.ChargePointStatusAvailable),
		ErrorCode: string(core.NoError),
	}
	if h.database != nil {
		err := h.database.AddCharger(&cp)
		if err != nil {
			h.logger.Error("failed to add charge point to database", err)
		}
	}
	h.chargePoints[chargePointId] = &ChargePointState{
		connectors: make(map[int]*models.Connector),
		model:      cp,
	}
}

func (h *SystemHandler) getChargePoint(chargePointId string) (*ChargePointState, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	state, ok := h.chargePoints[chargePointId]
	if !ok {
		h.logger.Warn(fmt.Sprintf("unknown charging point: %s", chargePointId))
		if h.acceptUnknownChp {
			h.logger.Debug("registering new charge point")
			h.addChargePoint(chargePointId)
			state, ok = h.chargePoints[chargePointId]
		}
	}
	return state, ok
}

func (h *SystemHandler) getConnector(cps *ChargePointState, id int) *models.Connector {
	connector, ok := cps.connectors[id]
	if !ok {
		connector = models.NewConnector(id, cps.model.Id)
		cps.connectors[id] = connector
		if h.database != nil {
			err := h.database.AddConnector(connector)
			if err != nil {
				h.logger.Error("failed to add connector to database", err)
			}
		}
	}
	return connector
}

func (h *SystemHandler) nextTransactionId() int {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.lastTransactionId++
	return h.lastTransactionId
}

// touchHeartbeat refreshes the liveness timestamp; it backs the staleness
// check that bounds how long a stale registry record may report a charger
// online.
func (h *SystemHandler) touchHeartbeat(state *ChargePointState) {
	now := time.Now().UTC()
	state.model.LastHeartbeat = &now
	if h.database != nil {
		if err := h.database.UpdateCharger(&state.model); err != nil {
			h.logger.Error("update charge point heartbeat", err)
		}
	}
}

func (h *SystemHandler) OnBootNotification(chargePointId string, request *core.BootNotificationRequest) (*core.BootNotificationResponse, error) {
	regStatus := types.RegistrationStatusAccepted
	state, ok := h.getChargePoint(chargePointId)
	if ok {
		state.model.SerialNumber = request.ChargePointSerialNumber
		state.model.FirmwareVersion = request.FirmwareVersion
		state.model.Model = request.ChargePointModel
		state.model.Vendor = request.ChargePointVendor
		state.model.Status = string(core.ChargePointStatusAvailable)
		state.status = core.ChargePointStatusAvailable
		h.touchHeartbeat(state)
	} else {
		regStatus = types.RegistrationStatusRejected
		h.logger.Debug(fmt.Sprintf("charge point %s not registered", chargePointId))
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, string(regStatus))
	return core.NewBootNotificationResponse(types.NewDateTime(time.Now()), h.heartbeatInterval, regStatus), nil
}

func (h *SystemHandler) OnAuthorize(chargePointId string, request *core.AuthorizeRequest) (*core.AuthorizeResponse, error) {
	authStatus := types.AuthorizationStatusAccepted
	state, ok := h.getChargePoint(chargePointId)
	if !ok || !state.model.IsEnabled {
		authStatus = types.AuthorizationStatusBlocked
	}
	username := ""
	id := request.IdTag
	if id == "" {
		authStatus = types.AuthorizationStatusInvalid
	} else if h.database != nil && authStatus == types.AuthorizationStatusAccepted {
		// status will be changed if user tag is found and enabled
		authStatus = types.AuthorizationStatusBlocked
		userTag, err := h.database.GetUserTag(id)
		if err != nil {
			h.logger.Error("failed to get user tag from database", err)
		}
		if userTag == nil {
			userTag = &models.UserTag{
				IdTag:          id,
				IsEnabled:      h.acceptUnknownTag,
				DateRegistered: time.Now().UTC(),
			}
			err = h.database.AddUserTag(userTag)
			if err != nil {
				h.logger.Error("failed to add user tag to database", err)
			}
		}
		if userTag.IsEnabled {
			authStatus = types.AuthorizationStatusAccepted
		}
		username = userTag.Username
	}

	if h.eventHandler != nil {
		h.eventHandler.OnAuthorize(&internal.EventMessage{
			ChargePointId: chargePointId,
			Time:          time.Now(),
			Username:      username,
			IdTag:         id,
			Status:        string(authStatus),
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("id tag: %s; authorization status: %s", id, authStatus))
	return core.NewAuthorizationResponse(types.NewIdTagInfo(authStatus)), nil
}

func (h *SystemHandler) OnHeartbeat(chargePointId string, request *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	state, ok := h.getChargePoint(chargePointId)
	if ok {
		h.touchHeartbeat(state)
	}
	return core.NewHeartbeatResponse(types.NewDateTime(time.Now())), nil
}

func (h *SystemHandler) OnStatusNotification(chargePointId string, request *core.StatusNotificationRequest) (*core.StatusNotificationResponse, error) {
	state, ok := h.getChargePoint(chargePointId)
	if !ok {
		return nil, fmt.Errorf("[%s] unknown charging point", chargePointId)
	}
	state.errorCode = request.ErrorCode
	state.model.ErrorCode = string(request.ErrorCode)
	if request.ConnectorId > 0 {
		connector := h.getConnector(state, request.ConnectorId)
		connector.Status = string(request.Status)
		connector.Info = request.Info
		if h.database != nil {
			if err := h.database.UpdateConnector(connector); err != nil {
				h.logger.Error("update connector", err)
			}
		}
	} else {
		state.status = request.Status
		state.model.Status = string(request.Status)
		if h.database != nil {
			if err := h.database.UpdateCharger(&state.model); err != nil {
				h.logger.Error("update charge point", err)
			}
		}
	}

	if h.eventHandler != nil {
		h.eventHandler.OnStatusNotification(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   request.ConnectorId,
			Time:          time.Now(),
			Status:        string(request.Status),
			Info:          request.Info,
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("connector %d: %s", request.ConnectorId, request.Status))
	return core.NewStatusNotificationResponse(), nil
}

func (h *SystemHandler) OnStartTransaction(chargePointId string, request *core.StartTransactionRequest) (*core.StartTransactionResponse, error) {
	state, ok := h.getChargePoint(chargePointId)
	if !ok {
		return nil, fmt.Errorf("[%s] unknown charging point", chargePointId)
	}

	var userId, username string
	if h.database != nil {
		userTag, err := h.database.GetUserTag(request.IdTag)
		if err != nil {
			h.logger.Error("failed to get user tag from database", err)
		}
		if userTag != nil {
			userId = userTag.UserId
			username = userTag.Username
		}
	}

	var active *models.Transaction
	if h.database != nil {
		var err error
		active, err = h.database.GetActiveTransaction(chargePointId)
		if err != nil {
			h.logger.Error("failed to get active transaction from database", err)
		}
	}

	var transaction *models.Transaction
	switch {
	case active != nil && active.Status == models.TransactionStatusPendingStart:
		// remote start created this record; the charger is now confirming it
		transaction = active
		transaction.ConnectorId = request.ConnectorId
		transaction.MeterStart = request.MeterStart
		transaction.Status = models.TransactionStatusRunning
		if request.Timestamp != nil {
			transaction.TimeStart = request.Timestamp.Time
		} else {
			transaction.TimeStart = time.Now().UTC()
		}
		if userId != "" {
			transaction.UserId = userId
		}
		if h.database != nil {
			if err := h.database.UpdateTransaction(transaction); err != nil {
				h.logger.Error("update transaction", err)
			}
		}
	case active != nil:
		// at most one transaction may occupy a charger
		h.logger.Warn(fmt.Sprintf("[%s] transaction %d is still active, rejecting start for tag %s", chargePointId, active.Id, request.IdTag))
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusConcurrentTx), active.Id), nil
	default:
		transaction = &models.Transaction{
			Id:            h.nextTransactionId(),
			UserId:        userId,
			ChargePointId: chargePointId,
			ConnectorId:   request.ConnectorId,
			IdTag:         request.IdTag,
			MeterStart:    request.MeterStart,
			TimeStart:     time.Now().UTC(),
			Status:        models.TransactionStatusStarted,
			UpdatedAt:     time.Now().UTC(),
		}
		if request.Timestamp != nil {
			transaction.TimeStart = request.Timestamp.Time
		}
		if h.database != nil {
			if err := h.database.AddTransaction(transaction); err != nil {
				h.logger.Error("add transaction", err)
			}
		}
		transaction.Status = models.TransactionStatusRunning
		if h.database != nil {
			if err := h.database.UpdateTransaction(transaction); err != nil {
				h.logger.Error("update transaction", err)
			}
		}
	}

	connector := h.getConnector(state, request.ConnectorId)
	connector.CurrentTransactionId = transaction.Id
	if h.database != nil {
		if err := h.database.UpdateConnector(connector); err != nil {
			h.logger.Error("update connector", err)
		}
	}

	if h.eventHandler != nil {
		h.eventHandler.OnTransactionStart(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   request.ConnectorId,
			Time:          time.Now(),
			Username:      username,
			IdTag:         request.IdTag,
			TransactionId: transaction.Id,
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("started transaction #%d for connector %d", transaction.Id, request.ConnectorId))
	return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transaction.Id), nil
}

func (h *SystemHandler) OnStopTransaction(chargePointId string, request *core.StopTransactionRequest) (*core.StopTransactionResponse, error) {
	state, ok := h.getChargePoint(chargePointId)
	if !ok {
		return nil, fmt.Errorf("[%s] unknown charging point", chargePointId)
	}

	var transaction *models.Transaction
	if h.database != nil {
		var err error
		transaction, err = h.database.GetTransaction(request.TransactionId)
		if err != nil {
			h.logger.Error("failed to get transaction from database", err)
		}
	}
	if transaction == nil {
		h.logger.Warn(fmt.Sprintf("[%s] stop request for unknown transaction %d", chargePointId, request.TransactionId))
		return core.NewStopTransactionResponse(), nil
	}

	stopTime := time.Now().UTC()
	if request.Timestamp != nil {
		stopTime = request.Timestamp.Time
	}
	transaction.MeterStop = request.MeterStop
	transaction.TimeStop = &stopTime
	transaction.Reason = string(request.Reason)
	energy := float64(request.MeterStop-transaction.MeterStart) / 1000.0
	if energy < 0 {
		h.logger.Warn(fmt.Sprintf("[%s] transaction %d meter ran backwards: %d -> %d", chargePointId, transaction.Id, transaction.MeterStart, request.MeterStop))
		energy = 0
	}
	transaction.EnergyConsumedKwh = &energy
	transaction.Status = models.TransactionStatusPendingStop
	if h.database != nil {
		if err := h.database.UpdateTransaction(transaction); err != nil {
			h.logger.Error("update transaction", err)
		}
	}
	transaction.Status = models.TransactionStatusStopped
	if h.database != nil {
		if err := h.database.UpdateTransaction(transaction); err != nil {
			h.logger.Error("update transaction", err)
		}
	}

	connector := h.getConnector(state, transaction.ConnectorId)
	connector.CurrentTransactionId = -1
	if h.database != nil {
		if err := h.database.UpdateConnector(connector); err != nil {
			h.logger.Error("update connector", err)
		}
	}

	// billing runs after the protocol exchange; a billing failure must never
	// surface as a stop-transaction error to the charger
	if h.billing != nil {
		transactionId := transaction.Id
		go func() {
			if err := h.billing.ProcessTransactionBilling(transactionId); err != nil {
				h.logger.Error(fmt.Sprintf("billing transaction %d", transactionId), err)
			}
		}()
	}

	if h.eventHandler != nil {
		h.eventHandler.OnTransactionStop(&internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   transaction.ConnectorId,
			Time:          time.Now(),
			IdTag:         transaction.IdTag,
			TransactionId: transaction.Id,
			Status:        string(transaction.Status),
			Info:          transaction.Reason,
			Payload:       request,
		})
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("stopped transaction #%d, consumed %.3f kWh, reason: %s", transaction.Id, energy, request.Reason))
	return core.NewStopTransactionResponse(), nil
}

func (h *SystemHandler) OnMeterValues(chargePointId string, request *core.MeterValuesRequest) (*core.MeterValuesResponse, error) {
	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("received %d meter values for connector %d", len(request.MeterValue), request.ConnectorId))
	return core.NewMeterValuesResponse(), nil
}

func (h *SystemHandler) OnDataTransfer(chargePointId string, request *core.DataTransferRequest) (*core.DataTransferResponse, error) {
	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, fmt.Sprintf("vendor %s, message %s", request.VendorId, request.MessageId))
	return core.NewDataTransferResponse(core.DataTransferStatusAccepted), nil
}

func (h *SystemHandler) OnFirmwareStatusNotification(chargePointId string, request *firmware.StatusNotificationRequest) (*firmware.StatusNotificationResponse, error) {
	state, ok := h.getChargePoint(chargePointId)
	if !ok {
		return nil, fmt.Errorf("[%s] unknown charging point", chargePointId)
	}
	state.firmwareStatus = request.Status

	if h.database != nil && request.Status != firmware.StatusIdle {
		update, err := h.database.GetFirmwareUpdate(chargePointId)
		if err != nil {
			h.logger.Error("failed to get firmware update from database", err)
		}
		if update == nil {
			update = &models.FirmwareUpdate{ChargePointId: chargePointId}
		}
		update.Status = firmwareUpdateStatus(request.Status)
		if err := h.database.SaveFirmwareUpdate(update); err != nil {
			h.logger.Error("save firmware update", err)
		}
	}

	h.logger.FeatureEvent(request.GetFeatureName(), chargePointId, string(request.Status))
	return firmware.NewStatusNotificationResponse(), nil
}

func firmwareUpdateStatus(status firmware.Status) models.FirmwareUpdateStatus {
	switch status {
	case firmware.StatusDownloading:
		return models.FirmwareUpdateDownloading
	case firmware.StatusDownloaded:
		return models.FirmwareUpdateDownloaded
	case firmware.StatusInstalling:
		return models.FirmwareUpdateInstalling
	case firmware.StatusInstalled:
		return models.FirmwareUpdateInstalled
	case firmware.StatusDownloadFailed:
		return models.FirmwareUpdateDownloadFailed
	case firmware.StatusInstallationFailed:
		return models.FirmwareUpdateInstallationFailed
	default:
		return models.FirmwareUpdatePending
	}
}

// Server-initiated request builders, invoked from the api layer.

func (h *SystemHandler) OnRemoteStartTransaction(chargePointId string, connectorId int, idTag string) (*core.RemoteStartTransactionRequest, *models.Transaction, error) {
	if idTag == "" {
		return nil, nil, utility.Err("id tag is required")
	}
	if _, ok := h.getChargePoint(chargePointId); !ok {
		return nil, nil, ErrUnknownChargePoint
	}
	if h.database != nil {
		active, err := h.database.GetActiveTransaction(chargePointId)
		if err != nil {
			h.logger.Error("failed to get active transaction from database", err)
		}
		if active != nil {
			return nil, nil, utility.Err(fmt.Sprintf("transaction %d is already active on %s", active.Id, chargePointId))
		}
	}

	transaction := &models.Transaction{
		Id:            h.nextTransactionId(),
		ChargePointId: chargePointId,
		ConnectorId:   connectorId,
		IdTag:         idTag,
		TimeStart:     time.Now().UTC(),
		Status:        models.TransactionStatusPendingStart,
		UpdatedAt:     time.Now().UTC(),
	}
	if h.database != nil {
		userTag, err := h.database.GetUserTag(idTag)
		if err != nil {
			h.logger.Error("failed to get user tag from database", err)
		}
		if userTag != nil {
			transaction.UserId = userTag.UserId
		}
		if err := h.database.AddTransaction(transaction); err != nil {
			return nil, nil, err
		}
	}
	return core.NewRemoteStartTransactionRequest(connectorId, idTag), transaction, nil
}

func (h *SystemHandler) OnRemoteStopTransaction(chargePointId string, transactionId int) (*core.RemoteStopTransactionRequest, error) {
	if _, ok := h.getChargePoint(chargePointId); !ok {
		return nil, ErrUnknownChargePoint
	}
	if h.database != nil {
		transaction, err := h.database.GetTransaction(transactionId)
		if err != nil {
			return nil, err
		}
		if transaction == nil {
			return nil, utility.Err(fmt.Sprintf("unknown transaction %d", transactionId))
		}
		if !transaction.Status.Active() {
			return nil, utility.Err(fmt.Sprintf("transaction %d is not active", transactionId))
		}
	}
	return core.NewRemoteStopTransactionRequest(transactionId), nil
}

// CancelPendingTransaction rolls back the record created for a remote start
// the charge point rejected or never confirmed.
func (h *SystemHandler) CancelPendingTransaction(transactionId int) {
	if h.database == nil {
		return
	}
	transaction, err := h.database.GetTransaction(transactionId)
	if err != nil || transaction == nil {
		return
	}
	if transaction.Status == models.TransactionStatusPendingStart {
		if err := h.database.SetTransactionStatus(transactionId, models.TransactionStatusCancelled); err != nil {
			h.logger.Error("cancel pending transaction", err)
		}
	}
}

func (h *SystemHandler) OnChangeAvailability(chargePointId string, connectorId int, availabilityType string) (*core.ChangeAvailabilityRequest, error) {
	if _, ok := h.getChargePoint(chargePointId); !ok {
		return nil, ErrUnknownChargePoint
	}
	switch types.AvailabilityType(availabilityType) {
	case types.AvailabilityTypeOperative, types.AvailabilityTypeInoperative:
	default:
		return nil, utility.Err(fmt.Sprintf("invalid availability type: %s", availabilityType))
	}
	return core.NewChangeAvailabilityRequest(connectorId, types.AvailabilityType(availabilityType)), nil
}

func (h *SystemHandler) OnReset(chargePointId string, resetType string) (*core.ResetRequest, error) {
	if _, ok := h.getChargePoint(chargePointId); !ok {
		return nil, ErrUnknownChargePoint
	}
	switch core.ResetType(resetType) {
	case core.ResetTypeHard, core.ResetTypeSoft:
	default:
		return nil, utility.Err(fmt.Sprintf("invalid reset type: %s", resetType))
	}
	return core.NewResetRequest(core.ResetType(resetType)), nil
}

func (h *SystemHandler) OnUpdateFirmware(chargePointId string, location string) (*firmware.UpdateFirmwareRequest, error) {
	if _, ok := h.getChargePoint(chargePointId); !ok {
		return nil, ErrUnknownChargePoint
	}
	if location == "" {
		return nil, utility.Err("firmware location is required")
	}
	if h.database != nil {
		update := &models.FirmwareUpdate{
			ChargePointId: chargePointId,
			Location:      location,
			Status:        models.FirmwareUpdatePending,
		}
		if err := h.database.SaveFirmwareUpdate(update); err != nil {
			return nil, err
		}
	}
	return firmware.NewUpdateFirmwareRequest(location, types.NewDateTime(time.Now())), nil
}
