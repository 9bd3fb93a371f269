package cache

import (
	"math"
	"sync"
	"time"

	"github.com/evbridge/ocpp2car/internal/state"
)

// Manager keeps the previously transmitted vitals document and answers the
// question: "has anything changed since the last time I asked?".
//
// Behaviour:
//   - First call to Changed() always returns true and stores the snapshot.
//   - Fields that tick with the wall clock (UpdatedAt, UptimeS, SessionS)
//     are ignored when comparing.
//   - Meter and power jitter below the reporting resolution is treated as
//     unchanged so a charging session does not flood the broker.
type Manager struct {
	mu   sync.Mutex
	prev *state.Vitals
}

// NewManager returns a ready-to-use change detector.
func NewManager() *Manager {
	return &Manager{}
}

// Changed compares the supplied vitals against the previously stored ones.
// If a change is detected it updates the stored copy and returns true.
func (m *Manager) Changed(cur *state.Vitals) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prev == nil || !equalIgnoringClock(m.prev, cur) {
		copied := *cur
		m.prev = &copied
		return true
	}
	return false
}

// Reset forgets the stored vitals so the next Changed call reports true.
// Callers use this after a failed transmission to force a retry.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prev = nil
}

// equalIgnoringClock compares two vitals on temporaries with the clock-driven
// fields zeroed and sub-resolution jitter flattened.
func equalIgnoringClock(a, b *state.Vitals) bool {
	aa, bb := *a, *b

	aa.UpdatedAt, bb.UpdatedAt = time.Time{}, time.Time{}
	aa.UptimeS, bb.UptimeS = 0, 0
	aa.SessionS, bb.SessionS = 0, 0

	if math.Abs(aa.SessionEnergyWh-bb.SessionEnergyWh) < 1 {
		bb.SessionEnergyWh = aa.SessionEnergyWh
	}
	if math.Abs(aa.TotalEnergyWh-bb.TotalEnergyWh) < 1 {
		bb.TotalEnergyWh = aa.TotalEnergyWh
	}
	if math.Abs(aa.PowerW-bb.PowerW) < 10 {
		bb.PowerW = aa.PowerW
	}
	if math.Abs(aa.VehicleCurrentA-bb.VehicleCurrentA) < 0.1 {
		bb.VehicleCurrentA = aa.VehicleCurrentA
	}
	if math.Abs(aa.BatteryPercent-bb.BatteryPercent) < 0.5 {
		bb.BatteryPercent = aa.BatteryPercent
	}

	return aa == bb
}
