package internal

import (
	"time"

	"evcharge/models"
)

type Database interface {
	WriteLogMessage(data Data) error
	WriteRawMessage(message *RawMessage) error
	ReadLog() (interface{}, error)

	GetChargers() ([]models.Charger, error)
	GetCharger(id string) (*models.Charger, error)
	AddCharger(charger *models.Charger) error
	UpdateCharger(charger *models.Charger) error

	GetConnectors() ([]*models.Connector, error)
	AddConnector(connector *models.Connector) error
	UpdateConnector(connector *models.Connector) error

	GetUserTag(id string) (*models.UserTag, error)
	AddUserTag(userTag *models.UserTag) error

	GetLastTransaction() (*models.Transaction, error)
	GetTransaction(id int) (*models.Transaction, error)
	GetActiveTransaction(chargePointId string) (*models.Transaction, error)
	AddTransaction(transaction *models.Transaction) error
	UpdateTransaction(transaction *models.Transaction) error
	SetTransactionStatus(id int, status models.TransactionStatus) error
	GetBillingFailedTransactions(since time.Time) ([]*models.Transaction, error)

	GetChargerTariff(chargePointId string) (*models.Tariff, error)
	GetDefaultTariff() (*models.Tariff, error)

	GetChargeDeduction(transactionId int) (*models.WalletTransaction, error)
	ApplyChargeDeduction(userId string, transactionId int, amount float64) error

	GetFirmwareUpdate(chargePointId string) (*models.FirmwareUpdate, error)
	SaveFirmwareUpdate(update *models.FirmwareUpdate) error

	GetSubscriptions() ([]models.UserSubscription, error)
	AddSubscription(subscription *models.UserSubscription) error
	DeleteSubscription(subscription *models.UserSubscription) error
}

type Data interface {
	DataType() string
}
