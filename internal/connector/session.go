package connector

import "time"

// Session is one charging transaction: created when charging is first
// confirmed, destroyed when a stop is accepted or the cable is pulled.
// Energy accounting is forward-only; the session total never decreases.
type Session struct {
	// TransactionID is assigned by the central system in the
	// StartTransaction response. Zero until the confirmation arrives.
	TransactionID int
	IDTag         string
	StartedAt     time.Time
	// MeterStartWh is the bridge meter value at session start.
	MeterStartWh int64
	// EnergyWh is the energy accumulated during this session.
	EnergyWh float64
	// RequestedAmps is the last setpoint applied during this session.
	RequestedAmps int

	lastLifetimeWh float64
}

// NewSession opens a session baselined at the given vehicle lifetime meter
// reading.
func NewSession(idTag string, startedAt time.Time, meterStartWh int64, lifetimeWh float64) *Session {
	return &Session{
		IDTag:          idTag,
		StartedAt:      startedAt,
		MeterStartWh:   meterStartWh,
		lastLifetimeWh: lifetimeWh,
	}
}

// RecordEnergy folds a fresh vehicle lifetime meter reading into the session
// total and returns the amount added. A reading lower than the previous one
// means the vehicle meter reset; the baseline moves without subtracting and
// rebased is true.
func (s *Session) RecordEnergy(lifetimeWh float64) (added float64, rebased bool) {
	if lifetimeWh < s.lastLifetimeWh {
		s.lastLifetimeWh = lifetimeWh
		return 0, true
	}
	added = lifetimeWh - s.lastLifetimeWh
	s.EnergyWh += added
	s.lastLifetimeWh = lifetimeWh
	return added, false
}

// MeterStopWh is the bridge meter value to report when the session closes.
func (s *Session) MeterStopWh() int64 {
	return s.MeterStartWh + int64(s.EnergyWh+0.5)
}

// Duration reports how long the session has been open.
func (s *Session) Duration(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}
