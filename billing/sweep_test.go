package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcharge/models"
)

func failedTransaction(id int, energyKwh float64, failedAt time.Time) *models.Transaction {
	transaction := stoppedTransaction(id, energyKwh)
	transaction.Status = models.TransactionStatusBillingFailed
	transaction.UpdatedAt = failedAt
	return transaction
}

func TestSweepRecoversFailedBillingWithinWindow(t *testing.T) {
	db := newFakeDatabase()
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.25, Currency: "EUR"}
	require.NoError(t, db.AddTransaction(failedTransaction(1, 20, time.Now())))
	require.NoError(t, db.AddTransaction(failedTransaction(2, 20, time.Now().Add(-48*time.Hour))))

	service := newTestService(db)
	sweep := NewSweep(service, db, &testLogger{})
	sweep.SetSchedule(20*time.Millisecond, 24*time.Hour, 0)
	sweep.Start()

	require.Eventually(t, func() bool {
		return db.transactionStatus(1) == models.TransactionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sweep.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not stop")
	}

	amount, ok := db.deductionAmount(1)
	require.True(t, ok)
	assert.InDelta(t, -5.00, amount, 1e-9)
	assert.Equal(t, 1, db.appliedCalls())

	// failures older than the retry window are left for the operator
	assert.Equal(t, models.TransactionStatusBillingFailed, db.transactionStatus(2))
	_, ok = db.deductionAmount(2)
	assert.False(t, ok)
}

func TestSweepStopWithoutStart(t *testing.T) {
	db := newFakeDatabase()
	sweep := NewSweep(newTestService(db), db, &testLogger{})

	stopped := make(chan struct{})
	go func() {
		sweep.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop blocked although the sweep never started")
	}
}

func TestSweepStartIsIdempotent(t *testing.T) {
	db := newFakeDatabase()
	db.tariffs[""] = &models.Tariff{RatePerKwh: 0.25, Currency: "EUR"}
	require.NoError(t, db.AddTransaction(failedTransaction(3, 20, time.Now())))

	sweep := NewSweep(newTestService(db), db, &testLogger{})
	sweep.SetSchedule(20*time.Millisecond, 24*time.Hour, 0)
	sweep.Start()
	sweep.Start()

	require.Eventually(t, func() bool {
		return db.transactionStatus(3) == models.TransactionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	sweep.Stop()
	assert.Equal(t, 1, db.appliedCalls())
}
