package cache

import (
	"testing"
	"time"

	"github.com/evbridge/ocpp2car/internal/connector"
	"github.com/evbridge/ocpp2car/internal/state"
)

func sample() *state.Vitals {
	return &state.Vitals{
		Status:          connector.StatusCharging,
		ErrorCode:       "NoError",
		EVSEState:       state.EVSECharging,
		VehicleCurrentA: 15.5,
		CurrentRequestA: 16,
		PowerW:          3500,
		BatteryPercent:  50,
		TransactionID:   42,
		SessionS:        120,
		SessionEnergyWh: 600,
		TotalEnergyWh:   10600,
		OCPPConnected:   true,
		UptimeS:         3600,
		UpdatedAt:       time.Now(),
	}
}

func TestFirstCallAlwaysChanged(t *testing.T) {
	m := NewManager()
	if !m.Changed(sample()) {
		t.Fatal("first call must report a change")
	}
}

func TestClockFieldsIgnored(t *testing.T) {
	m := NewManager()
	m.Changed(sample())

	next := sample()
	next.UpdatedAt = next.UpdatedAt.Add(time.Minute)
	next.UptimeS += 60
	next.SessionS += 60
	if m.Changed(next) {
		t.Fatal("clock-only differences must not count as changes")
	}
}

func TestJitterBelowResolutionIgnored(t *testing.T) {
	m := NewManager()
	m.Changed(sample())

	next := sample()
	next.PowerW += 4
	next.VehicleCurrentA += 0.05
	next.SessionEnergyWh += 0.4
	next.TotalEnergyWh += 0.4
	if m.Changed(next) {
		t.Fatal("sub-resolution jitter must not count as a change")
	}
}

func TestResetForcesRetransmit(t *testing.T) {
	m := NewManager()
	m.Changed(sample())
	if m.Changed(sample()) {
		t.Fatal("identical vitals must not report a change")
	}

	m.Reset()
	if !m.Changed(sample()) {
		t.Fatal("after Reset the next call must report a change")
	}
}

func TestRealChangesDetected(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(v *state.Vitals)
	}{
		{"status", func(v *state.Vitals) { v.Status = connector.StatusSuspendedEV }},
		{"power", func(v *state.Vitals) { v.PowerW += 250 }},
		{"session energy", func(v *state.Vitals) { v.SessionEnergyWh += 50 }},
		{"setpoint", func(v *state.Vitals) { v.CurrentRequestA = 8 }},
		{"ocpp link", func(v *state.Vitals) { v.OCPPConnected = false }},
		{"transaction", func(v *state.Vitals) { v.TransactionID = 43 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager()
			m.Changed(sample())

			next := sample()
			tc.mutate(next)
			if !m.Changed(next) {
				t.Fatalf("%s change went undetected", tc.name)
			}
			// The stored copy was replaced; the same input is now a no-op.
			repeat := sample()
			tc.mutate(repeat)
			if m.Changed(repeat) {
				t.Fatal("repeated input must not report a change")
			}
		})
	}
}
