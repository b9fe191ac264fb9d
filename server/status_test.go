package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"evcharge/models"
)

type fakeRegistry struct {
	records map[string]time.Time
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]time.Time)}
}

func (r *fakeRegistry) Register(chargePointId string, connectedAt time.Time) {
	r.records[chargePointId] = connectedAt
}

func (r *fakeRegistry) Unregister(chargePointId string) {
	delete(r.records, chargePointId)
}

func (r *fakeRegistry) IsRegistered(chargePointId string) bool {
	_, ok := r.records[chargePointId]
	return ok
}

func (r *fakeRegistry) Snapshot() map[string]time.Time {
	snapshot := make(map[string]time.Time, len(r.records))
	for id, at := range r.records {
		snapshot[id] = at
	}
	return snapshot
}

func chargerWithHeartbeat(id string, ago time.Duration) models.Charger {
	hb := time.Now().Add(-ago)
	return models.Charger{Id: id, LastHeartbeat: &hb}
}

func TestIsOnlineRequiresRegistryAndFreshHeartbeat(t *testing.T) {
	reg := newFakeRegistry()
	resolver := NewStatusResolver(reg, 90*time.Second)

	fresh := chargerWithHeartbeat("cp-fresh", 10*time.Second)
	stale := chargerWithHeartbeat("cp-stale", 91*time.Second)
	silent := models.Charger{Id: "cp-silent"}

	reg.Register("cp-fresh", time.Now())
	reg.Register("cp-stale", time.Now())
	reg.Register("cp-silent", time.Now())

	assert.True(t, resolver.IsOnline(&fresh))
	// a leftover registry record must not report a silent charger online
	assert.False(t, resolver.IsOnline(&stale))
	assert.False(t, resolver.IsOnline(&silent))

	absent := chargerWithHeartbeat("cp-absent", time.Second)
	assert.False(t, resolver.IsOnline(&absent))
}

func TestBulkConnectionStatus(t *testing.T) {
	reg := newFakeRegistry()
	resolver := NewStatusResolver(reg, 90*time.Second)

	chargers := []models.Charger{
		chargerWithHeartbeat("cp1", 5*time.Second),
		chargerWithHeartbeat("cp2", 2*time.Hour),
		chargerWithHeartbeat("cp3", 5*time.Second),
	}
	reg.Register("cp1", time.Now())
	reg.Register("cp2", time.Now())

	result := resolver.BulkConnectionStatus(chargers)
	assert.True(t, result["cp1"])
	assert.False(t, result["cp2"])
	assert.False(t, result["cp3"])
}

func TestStatusResolverWithoutRegistry(t *testing.T) {
	resolver := NewStatusResolver(nil, 90*time.Second)
	charger := chargerWithHeartbeat("cp1", time.Second)
	assert.False(t, resolver.IsOnline(&charger))

	result := resolver.BulkConnectionStatus([]models.Charger{charger})
	assert.False(t, result["cp1"])
}
