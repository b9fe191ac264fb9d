package billing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcharge/internal"
	"evcharge/models"
)

type testLogger struct{}

func (l *testLogger) FeatureEvent(feature, id, text string)                        {}
func (l *testLogger) Debug(text string)                                           {}
func (l *testLogger) Warn(text string)                                            {}
func (l *testLogger) Error(text string, err error)                                {}
func (l *testLogger) RawDataEvent(direction, chargePointId, uniqueId, data string) {}

type capturedEvents struct {
	billingFailed []*internal.EventMessage
}

func (e *capturedEvents) OnStatusNotification(event *internal.EventMessage) {}
func (e *capturedEvents) OnTransactionStart(event *internal.EventMessage)   {}
func (e *capturedEvents) OnTransactionStop(event *internal.EventMessage)    {}
func (e *capturedEvents) OnAuthorize(event *internal.EventMessage)          {}
func (e *capturedEvents) OnBillingFailed(event *internal.EventMessage) {
	e.billingFailed = append(e.billingFailed, event)
}

// fakeDatabase keeps everything in maps and mimics the settlement semantics
// of the real store: applying a deduction also completes the transaction.
// Guarded by a mutex so sweep tests can poll while the sweep goroutine runs.
type fakeDatabase struct {
	mux          sync.Mutex
	transactions map[int]*models.Transaction
	deductions   map[int]*models.WalletTransaction
	tariffs      map[string]*models.Tariff
	applyCalls   int
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		transactions: make(map[int]*models.Transaction),
		deductions:   make(map[int]*models.WalletTransaction),
		tariffs:      make(map[string]*models.Tariff),
	}
}

func (db *fakeDatabase) GetTransaction(id int) (*models.Transaction, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	return db.transactions[id], nil
}

func (db *fakeDatabase) SetTransactionStatus(id int, status models.TransactionStatus) error {
	db.mux.Lock()
	defer db.mux.Unlock()
	return db.setStatusLocked(id, status)
}

func (db *fakeDatabase) setStatusLocked(id int, status models.TransactionStatus) error {
	transaction, ok := db.transactions[id]
	if !ok {
		return fmt.Errorf("unknown transaction %d", id)
	}
	transaction.Status = status
	return nil
}

func (db *fakeDatabase) GetChargeDeduction(transactionId int) (*models.WalletTransaction, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	return db.deductions[transactionId], nil
}

func (db *fakeDatabase) ApplyChargeDeduction(userId string, transactionId int, amount float64) error {
	db.mux.Lock()
	defer db.mux.Unlock()
	db.applyCalls++
	db.deductions[transactionId] = &models.WalletTransaction{
		UserId:        userId,
		Amount:        -amount,
		Type:          models.WalletTransactionChargeDeduct,
		TransactionId: &transactionId,
		Time:          time.Now(),
	}
	return db.setStatusLocked(transactionId, models.TransactionStatusCompleted)
}

func (db *fakeDatabase) GetChargerTariff(chargePointId string) (*models.Tariff, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	return db.tariffs[chargePointId], nil
}

func (db *fakeDatabase) GetDefaultTariff() (*models.Tariff, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	return db.tariffs[""], nil
}

func (db *fakeDatabase) GetBillingFailedTransactions(since time.Time) ([]*models.Transaction, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	var result []*models.Transaction
	for _, transaction := range db.transactions {
		if transaction.Status == models.TransactionStatusBillingFailed && transaction.UpdatedAt.After(since) {
			result = append(result, transaction)
		}
	}
	return result, nil
}

func (db *fakeDatabase) transactionStatus(id int) models.TransactionStatus {
	db.mux.Lock()
	defer db.mux.Unlock()
	return db.transactions[id].Status
}

func (db *fakeDatabase) deductionAmount(id int) (float64, bool) {
	db.mux.Lock()
	defer db.mux.Unlock()
	deduction, ok := db.deductions[id]
	if !ok {
		return 0, false
	}
	return deduction.Amount, true
}

func (db *fakeDatabase) appliedCalls() int {
	db.mux.Lock()
	defer db.mux.Unlock()
	return db.applyCalls
}

func (db *fakeDatabase) WriteLogMessage(data internal.Data) error          { return nil }
func (db *fakeDatabase) WriteRawMessage(message *internal.RawMessage) error { return nil }
func (db *fakeDatabase) ReadLog() (interface{}, error)                     { return nil, nil }

func (db *fakeDatabase) GetChargers() ([]models.Charger, error)        { return nil, nil }
func (db *fakeDatabase) GetCharger(id string) (*models.Charger, error) { return nil, nil }
func (db *fakeDatabase) AddCharger(charger *models.Charger) error      { return nil }
func (db *fakeDatabase) UpdateCharger(charger *models.Charger) error   { return nil }

func (db *fakeDatabase) GetConnectors() ([]*models.Connector, error)        { return nil, nil }
func (db *fakeDatabase) AddConnector(connector *models.Connector) error     { return nil }
func (db *fakeDatabase) UpdateConnector(connector *models.Connector) error  { return nil }

func (db *fakeDatabase) GetUserTag(id string) (*models.UserTag, error) { return nil, nil }
func (db *fakeDatabase) AddUserTag(userTag *models.UserTag) error      { return nil }

func (db *fakeDatabase) GetLastTransaction() (*models.Transaction, error) { return nil, nil }
func (db *fakeDatabase) GetActiveTransaction(chargePointId string) (*models.Transaction, error) {
	return nil, nil
}
func (db *fakeDatabase) AddTransaction(transaction *models.Transaction) error {
	db.mux.Lock()
	defer db.mux.Unlock()
	db.transactions[transaction.Id] = transaction
	return nil
}
func (db *fakeDatabase) UpdateTransaction(transaction *models.Transaction) error {
	db.mux.Lock()
	defer db.mux.Unlock()
	db.transactions[transaction.Id] = transaction
	return nil
}

func (db *fakeDatabase) GetFirmwareUpdate(chargePointId string) (*models.FirmwareUpdate, error) {
	return nil, nil
}
func (db *fakeDatabase) SaveFirmwareUpdate(update *models.FirmwareUpdate) error { return nil }

func (db *fakeDatabase) GetSubscriptions() ([]models.UserSubscription, error)         { return nil, nil }
func (db *fakeDatabase) AddSubscription(subscription *models.UserSubscription) error  { return nil }
func (db *fakeDatabase) DeleteSubscription(subscription *models.UserSubscription) error {
	return nil
}

func stoppedTransaction(id int, energyKwh float64) *models.Transaction {
	stop := time.Now()
	return &models.Transaction{
		Id:                id,
		UserId:            "user-1",
		ChargePointId:     "cp001",
		ConnectorId:       1,
		IdTag:             "TAG01",
		EnergyConsumedKwh: &energyKwh,
		TimeStart:         stop.Add(-time.Hour),
		TimeStop:          &stop,
		Status:            models.TransactionStatusStopped,
		UpdatedAt:         stop,
	}
}

func newTestService(db *fakeDatabase) *Service {
	service := NewService("")
	service.SetDatabase(db)
	service.SetLogger(&testLogger{})
	return service
}

func TestBillingRoundsHalfUp(t *testing.T) {
	db := newFakeDatabase()
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.35, Currency: "EUR"}
	require.NoError(t, db.AddTransaction(stoppedTransaction(1, 10.005)))

	service := newTestService(db)
	require.NoError(t, service.ProcessTransactionBilling(1))

	deduction := db.deductions[1]
	require.NotNil(t, deduction)
	// 10.005 * 0.35 = 3.50175, charged as 3.50
	assert.InDelta(t, -3.50, deduction.Amount, 1e-9)
	assert.Equal(t, models.TransactionStatusCompleted, db.transactions[1].Status)
}

func TestBillingPrefersChargerTariff(t *testing.T) {
	db := newFakeDatabase()
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.50, Currency: "EUR"}
	db.tariffs["cp001"] = &models.Tariff{ChargePointId: "cp001", RatePerKwh: 0.20, Currency: "EUR"}
	require.NoError(t, db.AddTransaction(stoppedTransaction(7, 10)))

	service := newTestService(db)
	require.NoError(t, service.ProcessTransactionBilling(7))
	assert.InDelta(t, -2.00, db.deductions[7].Amount, 1e-9)
}

func TestBillingIsIdempotent(t *testing.T) {
	db := newFakeDatabase()
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.35, Currency: "EUR"}
	require.NoError(t, db.AddTransaction(stoppedTransaction(2, 5)))

	service := newTestService(db)
	require.NoError(t, service.ProcessTransactionBilling(2))
	require.NoError(t, service.ProcessTransactionBilling(2))

	assert.Equal(t, 1, db.applyCalls)
	assert.Equal(t, models.TransactionStatusCompleted, db.transactions[2].Status)
}

func TestBillingZeroEnergyCompletesWithoutCharge(t *testing.T) {
	db := newFakeDatabase()
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.35, Currency: "EUR"}
	require.NoError(t, db.AddTransaction(stoppedTransaction(3, 0)))

	service := newTestService(db)
	require.NoError(t, service.ProcessTransactionBilling(3))

	assert.Equal(t, 0, db.applyCalls)
	assert.Nil(t, db.deductions[3])
	assert.Equal(t, models.TransactionStatusCompleted, db.transactions[3].Status)
}

func TestBillingFailsWithoutTariffThenRecovers(t *testing.T) {
	db := newFakeDatabase()
	require.NoError(t, db.AddTransaction(stoppedTransaction(4, 8)))

	events := &capturedEvents{}
	service := newTestService(db)
	service.SetEventHandler(events)

	err := service.ProcessTransactionBilling(4)
	require.ErrorIs(t, err, ErrNoTariffConfigured)
	assert.Equal(t, models.TransactionStatusBillingFailed, db.transactions[4].Status)
	require.Len(t, events.billingFailed, 1)
	assert.Equal(t, 4, events.billingFailed[0].TransactionId)

	// operator fixes the tariff, retry settles the transaction
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.25, Currency: "EUR"}
	require.NoError(t, service.RetryFailedBilling(4))
	assert.InDelta(t, -2.00, db.deductions[4].Amount, 1e-9)
	assert.Equal(t, models.TransactionStatusCompleted, db.transactions[4].Status)
}

func TestRetryRefusedForOtherStates(t *testing.T) {
	db := newFakeDatabase()
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.35, Currency: "EUR"}

	completed := stoppedTransaction(5, 5)
	completed.Status = models.TransactionStatusCompleted
	require.NoError(t, db.AddTransaction(completed))

	running := stoppedTransaction(6, 5)
	running.Status = models.TransactionStatusRunning
	require.NoError(t, db.AddTransaction(running))

	service := newTestService(db)
	assert.ErrorIs(t, service.RetryFailedBilling(5), ErrNotRetryable)
	assert.ErrorIs(t, service.RetryFailedBilling(6), ErrNotRetryable)
	assert.Equal(t, 0, db.applyCalls)
}
