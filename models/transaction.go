package models

import "time"

type TransactionStatus string

const (
	TransactionStatusStarted       TransactionStatus = "STARTED"
	TransactionStatusPendingStart  TransactionStatus = "PENDING_START"
	TransactionStatusRunning       TransactionStatus = "RUNNING"
	TransactionStatusPendingStop   TransactionStatus = "PENDING_STOP"
	TransactionStatusStopped       TransactionStatus = "STOPPED"
	TransactionStatusCompleted     TransactionStatus = "COMPLETED"
	TransactionStatusCancelled     TransactionStatus = "CANCELLED"
	TransactionStatusFailed        TransactionStatus = "FAILED"
	TransactionStatusBillingFailed TransactionStatus = "BILLING_FAILED"
)

// Active reports whether the status still occupies the charger.
func (s TransactionStatus) Active() bool {
	switch s {
	case TransactionStatusStarted, TransactionStatusPendingStart, TransactionStatusRunning:
		return true
	}
	return false
}

type Transaction struct {
	Id                int               `json:"transaction_id" bson:"transaction_id"`
	UserId            string            `json:"user_id" bson:"user_id"`
	ChargePointId     string            `json:"charge_point_id" bson:"charge_point_id"`
	ConnectorId       int               `json:"connector_id" bson:"connector_id"`
	VehicleId         string            `json:"vehicle_id,omitempty" bson:"vehicle_id,omitempty"`
	IdTag             string            `json:"id_tag" bson:"id_tag"`
	MeterStart        int               `json:"meter_start" bson:"meter_start"`
	MeterStop         int               `json:"meter_stop" bson:"meter_stop"`
	EnergyConsumedKwh *float64          `json:"energy_consumed_kwh,omitempty" bson:"energy_consumed_kwh,omitempty"`
	TimeStart         time.Time         `json:"time_start" bson:"time_start"`
	TimeStop          *time.Time        `json:"time_stop,omitempty" bson:"time_stop,omitempty"`
	Reason            string            `json:"reason" bson:"reason"`
	Status            TransactionStatus `json:"status" bson:"status"`
	UpdatedAt         time.Time         `json:"updated_at" bson:"updated_at"`
}
