package internal

import "time"

const RawMessageType = "rawMessage"

// RawMessage is the audit record of a single OCPP frame, inbound or outbound.
type RawMessage struct {
	TimeStamp     time.Time `json:"timestamp" bson:"timestamp"`
	ChargePointId string    `json:"charge_point_id" bson:"charge_point_id"`
	Direction     string    `json:"direction" bson:"direction"`
	UniqueId      string    `json:"unique_id" bson:"unique_id"`
	Data          string    `json:"data" bson:"data"`
}

func (rm *RawMessage) DataType() string {
	return RawMessageType
}
