package models

import "time"

type Wallet struct {
	UserId  string  `json:"user_id" bson:"user_id"`
	Balance float64 `json:"balance" bson:"balance"`
}

type WalletTransactionType string

const (
	WalletTransactionTopUp        WalletTransactionType = "TOP_UP"
	WalletTransactionChargeDeduct WalletTransactionType = "CHARGE_DEDUCT"
)

type WalletTransaction struct {
	UserId        string                `json:"user_id" bson:"user_id"`
	Amount        float64               `json:"amount" bson:"amount"`
	Type          WalletTransactionType `json:"type" bson:"type"`
	TransactionId *int                  `json:"transaction_id,omitempty" bson:"transaction_id,omitempty"`
	Note          string                `json:"note,omitempty" bson:"note,omitempty"`
	Time          time.Time             `json:"time" bson:"time"`
}
