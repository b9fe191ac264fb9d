package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"evcharge/internal"
	"evcharge/metrics/counters"
	"evcharge/models"
)

const featureName = "Billing"

var (
	ErrNoTariffConfigured = errors.New("no tariff configured")
	ErrNotRetryable       = errors.New("transaction is not in billing failed state")
)

// Service settles finished transactions against user wallets. Settlement is
// idempotent per transaction: one deduction record, however many times the
// billing runs.
type Service struct {
	database     internal.Database
	logger       internal.LogHandler
	eventHandler internal.EventHandler
	location     string
}

func NewService(location string) *Service {
	return &Service{location: location}
}

func (s *Service) SetDatabase(database internal.Database) {
	s.database = database
}

func (s *Service) SetLogger(logger internal.LogHandler) {
	s.logger = logger
}

func (s *Service) SetEventHandler(eventHandler internal.EventHandler) {
	s.eventHandler = eventHandler
}

// ProcessTransactionBilling charges the transaction's user for the consumed
// energy. Any failure parks the transaction in the billing failed state so
// that the money is either taken exactly once or flagged, never lost.
func (s *Service) ProcessTransactionBilling(transactionId int) error {
	if s.database == nil {
		return errors.New("database is disabled")
	}
	transaction, err := s.database.GetTransaction(transactionId)
	if err != nil {
		return err
	}
	if transaction == nil {
		return fmt.Errorf("unknown transaction %d", transactionId)
	}

	deduction, err := s.database.GetChargeDeduction(transactionId)
	if err != nil {
		return s.markFailed(transaction, err)
	}
	if deduction != nil {
		// already settled; only the status flip may need repeating
		if transaction.Status != models.TransactionStatusCompleted {
			if err = s.database.SetTransactionStatus(transactionId, models.TransactionStatusCompleted); err != nil {
				return s.markFailed(transaction, err)
			}
		}
		s.logger.FeatureEvent(featureName, transaction.ChargePointId, fmt.Sprintf("transaction %d already settled", transactionId))
		return nil
	}

	if transaction.EnergyConsumedKwh == nil || *transaction.EnergyConsumedKwh == 0 {
		if err = s.database.SetTransactionStatus(transactionId, models.TransactionStatusCompleted); err != nil {
			return s.markFailed(transaction, err)
		}
		s.logger.FeatureEvent(featureName, transaction.ChargePointId, fmt.Sprintf("transaction %d consumed no energy, nothing to charge", transactionId))
		return nil
	}

	tariff, err := s.resolveTariff(transaction.ChargePointId)
	if err != nil {
		return s.markFailed(transaction, err)
	}

	amount := decimal.NewFromFloat(*transaction.EnergyConsumedKwh).
		Mul(decimal.NewFromFloat(tariff.RatePerKwh)).
		Round(2)

	if err = s.database.ApplyChargeDeduction(transaction.UserId, transactionId, amount.InexactFloat64()); err != nil {
		return s.markFailed(transaction, err)
	}

	counters.CountConsumedPower(s.location, transaction.ChargePointId, *transaction.EnergyConsumedKwh)
	s.logger.FeatureEvent(featureName, transaction.ChargePointId,
		fmt.Sprintf("transaction %d settled: %.3f kWh at %.2f %s/kWh, charged %s", transactionId, *transaction.EnergyConsumedKwh, tariff.RatePerKwh, tariff.Currency, amount.StringFixed(2)))
	return nil
}

// RetryFailedBilling re-runs settlement for a transaction that previously
// failed to bill. Any other state is refused so a retry cannot double-charge
// a settled transaction or bill a running one.
func (s *Service) RetryFailedBilling(transactionId int) error {
	if s.database == nil {
		return errors.New("database is disabled")
	}
	transaction, err := s.database.GetTransaction(transactionId)
	if err != nil {
		return err
	}
	if transaction == nil {
		return fmt.Errorf("unknown transaction %d", transactionId)
	}
	if transaction.Status != models.TransactionStatusBillingFailed {
		return ErrNotRetryable
	}
	counters.CountBillingRetry(s.location)
	return s.ProcessTransactionBilling(transactionId)
}

func (s *Service) resolveTariff(chargePointId string) (*models.Tariff, error) {
	tariff, err := s.database.GetChargerTariff(chargePointId)
	if err != nil {
		return nil, err
	}
	if tariff == nil {
		tariff, err = s.database.GetDefaultTariff()
		if err != nil {
			return nil, err
		}
	}
	if tariff == nil {
		return nil, ErrNoTariffConfigured
	}
	return tariff, nil
}

func (s *Service) markFailed(transaction *models.Transaction, cause error) error {
	s.logger.Error(fmt.Sprintf("billing transaction %d", transaction.Id), cause)
	if err := s.database.SetTransactionStatus(transaction.Id, models.TransactionStatusBillingFailed); err != nil {
		s.logger.Error(fmt.Sprintf("marking transaction %d as billing failed", transaction.Id), err)
	}
	counters.CountBillingFailure(s.location)
	if s.eventHandler != nil {
		s.eventHandler.OnBillingFailed(&internal.EventMessage{
			ChargePointId: transaction.ChargePointId,
			ConnectorId:   transaction.ConnectorId,
			Time:          time.Now(),
			IdTag:         transaction.IdTag,
			TransactionId: transaction.Id,
			Status:        string(models.TransactionStatusBillingFailed),
			Info:          cause.Error(),
		})
	}
	return cause
}
