package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcharge/internal"
	"evcharge/models"
	"evcharge/ocpp/core"
	"evcharge/types"
)

// fakeDatabase keeps charge point state in maps, enough to drive the
// protocol handlers without mongo.
type fakeDatabase struct {
	chargers     map[string]*models.Charger
	connectors   map[string]*models.Connector
	userTags     map[string]*models.UserTag
	transactions map[int]*models.Transaction
}

func newHandlerDatabase() *fakeDatabase {
	return &fakeDatabase{
		chargers:     make(map[string]*models.Charger),
		connectors:   make(map[string]*models.Connector),
		userTags:     make(map[string]*models.UserTag),
		transactions: make(map[int]*models.Transaction),
	}
}

func connectorKey(chargePointId string, id int) string {
	return fmt.Sprintf("%s/%d", chargePointId, id)
}

func (db *fakeDatabase) GetChargers() ([]models.Charger, error) {
	var result []models.Charger
	for _, charger := range db.chargers {
		result = append(result, *charger)
	}
	return result, nil
}

func (db *fakeDatabase) GetCharger(id string) (*models.Charger, error) {
	return db.chargers[id], nil
}

func (db *fakeDatabase) AddCharger(charger *models.Charger) error {
	db.chargers[charger.Id] = charger
	return nil
}

func (db *fakeDatabase) UpdateCharger(charger *models.Charger) error {
	copied := *charger
	db.chargers[charger.Id] = &copied
	return nil
}

func (db *fakeDatabase) GetConnectors() ([]*models.Connector, error) {
	var result []*models.Connector
	for _, connector := range db.connectors {
		result = append(result, connector)
	}
	return result, nil
}

func (db *fakeDatabase) AddConnector(connector *models.Connector) error {
	db.connectors[connectorKey(connector.ChargePointId, connector.Id)] = connector
	return nil
}

func (db *fakeDatabase) UpdateConnector(connector *models.Connector) error {
	db.connectors[connectorKey(connector.ChargePointId, connector.Id)] = connector
	return nil
}

func (db *fakeDatabase) GetUserTag(id string) (*models.UserTag, error) {
	return db.userTags[id], nil
}

func (db *fakeDatabase) AddUserTag(userTag *models.UserTag) error {
	db.userTags[userTag.IdTag] = userTag
	return nil
}

func (db *fakeDatabase) GetLastTransaction() (*models.Transaction, error) {
	var last *models.Transaction
	for _, transaction := range db.transactions {
		if last == nil || transaction.Id > last.Id {
			last = transaction
		}
	}
	return last, nil
}

func (db *fakeDatabase) GetTransaction(id int) (*models.Transaction, error) {
	return db.transactions[id], nil
}

func (db *fakeDatabase) GetActiveTransaction(chargePointId string) (*models.Transaction, error) {
	for _, transaction := range db.transactions {
		if transaction.ChargePointId == chargePointId && transaction.Status.Active() {
			return transaction, nil
		}
	}
	return nil, nil
}

func (db *fakeDatabase) AddTransaction(transaction *models.Transaction) error {
	db.transactions[transaction.Id] = transaction
	return nil
}

func (db *fakeDatabase) UpdateTransaction(transaction *models.Transaction) error {
	db.transactions[transaction.Id] = transaction
	return nil
}

func (db *fakeDatabase) SetTransactionStatus(id int, status models.TransactionStatus) error {
	transaction, ok := db.transactions[id]
	if !ok {
		return fmt.Errorf("unknown transaction %d", id)
	}
	transaction.Status = status
	return nil
}

func (db *fakeDatabase) GetBillingFailedTransactions(since time.Time) ([]*models.Transaction, error) {
	return nil, nil
}

func (db *fakeDatabase) WriteLogMessage(data internal.Data) error           { return nil }
func (db *fakeDatabase) WriteRawMessage(message *internal.RawMessage) error { return nil }
func (db *fakeDatabase) ReadLog() (interface{}, error)                      { return nil, nil }

func (db *fakeDatabase) GetChargerTariff(chargePointId string) (*models.Tariff, error) {
	return nil, nil
}
func (db *fakeDatabase) GetDefaultTariff() (*models.Tariff, error) { return nil, nil }

func (db *fakeDatabase) GetChargeDeduction(transactionId int) (*models.WalletTransaction, error) {
	return nil, nil
}
func (db *fakeDatabase) ApplyChargeDeduction(userId string, transactionId int, amount float64) error {
	return nil
}

func (db *fakeDatabase) GetFirmwareUpdate(chargePointId string) (*models.FirmwareUpdate, error) {
	return nil, nil
}
func (db *fakeDatabase) SaveFirmwareUpdate(update *models.FirmwareUpdate) error { return nil }

func (db *fakeDatabase) GetSubscriptions() ([]models.UserSubscription, error)        { return nil, nil }
func (db *fakeDatabase) AddSubscription(subscription *models.UserSubscription) error { return nil }
func (db *fakeDatabase) DeleteSubscription(subscription *models.UserSubscription) error {
	return nil
}

func newTestHandler(t *testing.T, db *fakeDatabase) *SystemHandler {
	t.Helper()
	handler := NewSystemHandler(time.UTC)
	handler.SetDatabase(db)
	handler.SetLogger(&testLogger{})
	handler.SetParameters(false, false, false, 300)
	require.NoError(t, handler.OnStart())
	return handler
}

func registeredCharger(id string) *models.Charger {
	return &models.Charger{
		Id:        id,
		IsEnabled: true,
		Status:    string(core.ChargePointStatusAvailable),
		ErrorCode: string(core.NoError),
	}
}

func TestBootNotificationThenCommand(t *testing.T) {
	db := newHandlerDatabase()
	require.NoError(t, db.AddCharger(registeredCharger("cp001")))
	handler := newTestHandler(t, db)

	response, err := handler.OnBootNotification("cp001", &core.BootNotificationRequest{
		ChargePointVendor: "VendorX",
		ChargePointModel:  "SingleSocketCharger",
		FirmwareVersion:   "1.2.3",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RegistrationStatusAccepted, response.Status)
	assert.Equal(t, 300, response.Interval)

	stored := db.chargers["cp001"]
	assert.Equal(t, "VendorX", stored.Vendor)
	assert.Equal(t, string(core.ChargePointStatusAvailable), stored.Status)
	require.NotNil(t, stored.LastHeartbeat)
	assert.WithinDuration(t, time.Now(), *stored.LastHeartbeat, time.Minute)

	// the booted charger can now be commanded
	request, transaction, err := handler.OnRemoteStartTransaction("cp001", 1, "TAG01")
	require.NoError(t, err)
	assert.Equal(t, "TAG01", request.IdTag)
	assert.Equal(t, models.TransactionStatusPendingStart, transaction.Status)
}

func TestBootNotificationRejectsUnknownChargePoint(t *testing.T) {
	db := newHandlerDatabase()
	handler := newTestHandler(t, db)

	response, err := handler.OnBootNotification("ghost", &core.BootNotificationRequest{
		ChargePointVendor: "VendorX",
		ChargePointModel:  "M1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RegistrationStatusRejected, response.Status)
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	db := newHandlerDatabase()
	stale := time.Now().Add(-time.Hour)
	charger := registeredCharger("cp001")
	charger.LastHeartbeat = &stale
	require.NoError(t, db.AddCharger(charger))
	handler := newTestHandler(t, db)

	response, err := handler.OnHeartbeat("cp001", &core.HeartbeatRequest{})
	require.NoError(t, err)
	require.NotNil(t, response.CurrentTime)

	stored := db.chargers["cp001"]
	require.NotNil(t, stored.LastHeartbeat)
	assert.WithinDuration(t, time.Now(), *stored.LastHeartbeat, time.Minute)
}

func TestStartTransactionRejectedWhileActive(t *testing.T) {
	db := newHandlerDatabase()
	require.NoError(t, db.AddCharger(registeredCharger("cp001")))
	require.NoError(t, db.AddTransaction(&models.Transaction{
		Id:            41,
		ChargePointId: "cp001",
		ConnectorId:   1,
		IdTag:         "TAG01",
		Status:        models.TransactionStatusRunning,
	}))
	handler := newTestHandler(t, db)

	response, err := handler.OnStartTransaction("cp001", &core.StartTransactionRequest{
		ConnectorId: 2,
		IdTag:       "TAG02",
		MeterStart:  0,
		Timestamp:   types.NewDateTime(time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusConcurrentTx, response.IdTagInfo.Status)
	assert.Equal(t, 41, response.TransactionId)
	// no second transaction may be created for the occupied charger
	assert.Len(t, db.transactions, 1)
}

func TestStartTransactionAdoptsPendingStart(t *testing.T) {
	db := newHandlerDatabase()
	require.NoError(t, db.AddCharger(registeredCharger("cp001")))
	require.NoError(t, db.AddTransaction(&models.Transaction{
		Id:            7,
		ChargePointId: "cp001",
		IdTag:         "TAG01",
		Status:        models.TransactionStatusPendingStart,
	}))
	handler := newTestHandler(t, db)

	response, err := handler.OnStartTransaction("cp001", &core.StartTransactionRequest{
		ConnectorId: 2,
		IdTag:       "TAG01",
		MeterStart:  1000,
		Timestamp:   types.NewDateTime(time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
	assert.Equal(t, 7, response.TransactionId)
	assert.Len(t, db.transactions, 1)

	adopted := db.transactions[7]
	assert.Equal(t, models.TransactionStatusRunning, adopted.Status)
	assert.Equal(t, 2, adopted.ConnectorId)
	assert.Equal(t, 1000, adopted.MeterStart)

	connector := db.connectors[connectorKey("cp001", 2)]
	require.NotNil(t, connector)
	assert.Equal(t, 7, connector.CurrentTransactionId)
}

func TestStopTransactionComputesEnergy(t *testing.T) {
	db := newHandlerDatabase()
	require.NoError(t, db.AddCharger(registeredCharger("cp001")))
	require.NoError(t, db.AddTransaction(&models.Transaction{
		Id:            9,
		ChargePointId: "cp001",
		ConnectorId:   1,
		IdTag:         "TAG01",
		MeterStart:    1000,
		Status:        models.TransactionStatusRunning,
	}))
	handler := newTestHandler(t, db)

	_, err := handler.OnStopTransaction("cp001", &core.StopTransactionRequest{
		TransactionId: 9,
		MeterStop:     13500,
		Timestamp:     types.NewDateTime(time.Now()),
		Reason:        core.ReasonLocal,
	})
	require.NoError(t, err)

	stopped := db.transactions[9]
	assert.Equal(t, models.TransactionStatusStopped, stopped.Status)
	require.NotNil(t, stopped.EnergyConsumedKwh)
	assert.InDelta(t, 12.5, *stopped.EnergyConsumedKwh, 1e-9)
	require.NotNil(t, stopped.TimeStop)

	connector := db.connectors[connectorKey("cp001", 1)]
	require.NotNil(t, connector)
	assert.Equal(t, -1, connector.CurrentTransactionId)
}

func TestStopTransactionClampsBackwardsMeter(t *testing.T) {
	db := newHandlerDatabase()
	require.NoError(t, db.AddCharger(registeredCharger("cp001")))
	require.NoError(t, db.AddTransaction(&models.Transaction{
		Id:            10,
		ChargePointId: "cp001",
		ConnectorId:   1,
		IdTag:         "TAG01",
		MeterStart:    1000,
		Status:        models.TransactionStatusRunning,
	}))
	handler := newTestHandler(t, db)

	_, err := handler.OnStopTransaction("cp001", &core.StopTransactionRequest{
		TransactionId: 10,
		MeterStop:     500,
		Timestamp:     types.NewDateTime(time.Now()),
		Reason:        core.ReasonPowerLoss,
	})
	require.NoError(t, err)

	stopped := db.transactions[10]
	require.NotNil(t, stopped.EnergyConsumedKwh)
	assert.Zero(t, *stopped.EnergyConsumedKwh)
	assert.Equal(t, models.TransactionStatusStopped, stopped.Status)
}
