package server

import (
	"time"

	"evcharge/models"
	"evcharge/registry"
)

// StatusResolver answers "is this charger actually reachable". Registry
// presence alone is not trusted: an abrupt disconnect can leave a record
// behind, so the last heartbeat bounds how stale a record may be.
type StatusResolver struct {
	registry  registry.ConnectionRegistry
	staleness time.Duration
}

func NewStatusResolver(reg registry.ConnectionRegistry, staleness time.Duration) *StatusResolver {
	return &StatusResolver{
		registry:  reg,
		staleness: staleness,
	}
}

// BulkConnectionStatus resolves a whole charger batch against one registry
// snapshot, so listing pages cost a single registry round trip.
func (r *StatusResolver) BulkConnectionStatus(chargers []models.Charger) map[string]bool {
	var snapshot map[string]time.Time
	if r.registry != nil {
		snapshot = r.registry.Snapshot()
	}
	now := time.Now()
	result := make(map[string]bool, len(chargers))
	for _, charger := range chargers {
		_, present := snapshot[charger.Id]
		result[charger.Id] = present && heartbeatFresh(&charger, now, r.staleness)
	}
	return result
}

func (r *StatusResolver) IsOnline(charger *models.Charger) bool {
	if r.registry == nil || !r.registry.IsRegistered(charger.Id) {
		return false
	}
	return heartbeatFresh(charger, time.Now(), r.staleness)
}

func heartbeatFresh(charger *models.Charger, now time.Time, staleness time.Duration) bool {
	if charger.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*charger.LastHeartbeat) <= staleness
}
