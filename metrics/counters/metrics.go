package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
}, []string{"location"})

var commandTimeoutCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "command_timeout_count",
	Help:      "Total number of server commands that hit the response timeout.",
}, []string{"location", "charge_point_id"})

var malformedFrameCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "malformed_frame_count",
	Help:      "Total number of frames that failed to parse.",
}, []string{"location", "charge_point_id"})

var billingFailureCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Name:      "failure_count",
	Help:      "Total number of transactions that entered the billing failed state.",
}, []string{"location"})

var billingRetryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Name:      "retry_count",
	Help:      "Total number of billing retry attempts.",
}, []string{"location"})

func ObserveConnections(location string, count int) {
	if len(location) == 0 {
		return
	}
	connectionsGauge.With(prometheus.Labels{"location": location}).Set(float64(count))
}

func CountCommandTimeout(location, chargePointId string) {
	if len(location) == 0 || len(chargePointId) == 0 {
		return
	}
	commandTimeoutCounter.With(prometheus.Labels{"location": location, "charge_point_id": chargePointId}).Inc()
}

func CountMalformedFrame(location, chargePointId string) {
	if len(location) == 0 || len(chargePointId) == 0 {
		return
	}
	malformedFrameCounter.With(prometheus.Labels{"location": location, "charge_point_id": chargePointId}).Inc()
}

func CountBillingFailure(location string) {
	if len(location) == 0 {
		return
	}
	billingFailureCounter.With(prometheus.Labels{"location": location}).Inc()
}

func CountBillingRetry(location string) {
	if len(location) == 0 {
		return
	}
	billingRetryCounter.With(prometheus.Labels{"location": location}).Inc()
}

var transactionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "transaction_count",
	Help:      "Total number of transactions.",
}, []string{"location", "charge_point_id"})

func CountTransaction(location, chargePointId string) {
	if len(location) == 0 || len(chargePointId) == 0 {
		return
	}
	transactionCounter.With(
		prometheus.Labels{
			"location":        location,
			"charge_point_id": chargePointId,
		}).Inc()
}

var powerCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "consumed_power",
	Help:      "Consumed power.",
}, []string{"location", "charge_point_id"})

func CountConsumedPower(location, chargePointId string, power float64) {
	if len(location) == 0 || len(chargePointId) == 0 {
		return
	}
	powerCounter.With(
		prometheus.Labels{
			"location":        location,
			"charge_point_id": chargePointId,
		}).Add(power)
}
