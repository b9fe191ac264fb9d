package models

type Connector struct {
	Id                   int    `json:"connector_id" bson:"connector_id"`
	ChargePointId        string `json:"charge_point_id" bson:"charge_point_id"`
	IsEnabled            bool   `json:"is_enabled" bson:"is_enabled"`
	Status               string `json:"status" bson:"status"`
	Info                 string `json:"info" bson:"info"`
	CurrentTransactionId int    `json:"current_transaction_id" bson:"current_transaction_id"`
}

func NewConnector(id int, chargePointId string) *Connector {
	return &Connector{
		Id:                   id,
		ChargePointId:        chargePointId,
		IsEnabled:            true,
		CurrentTransactionId: -1,
	}
}
