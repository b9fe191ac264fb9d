package models

// Tariff with empty ChargePointId is the global fallback rate.
type Tariff struct {
	ChargePointId string  `json:"charge_point_id" bson:"charge_point_id"`
	RatePerKwh    float64 `json:"rate_per_kwh" bson:"rate_per_kwh"`
	Currency      string  `json:"currency" bson:"currency"`
}
