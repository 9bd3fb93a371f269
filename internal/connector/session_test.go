package connector

import (
	"testing"
	"time"
)

func TestSessionAccumulatesForward(t *testing.T) {
	s := NewSession("TAG-1", time.Now(), 10000, 500)

	added, rebased := s.RecordEnergy(750)
	if rebased {
		t.Fatal("unexpected rebase")
	}
	if added != 250 {
		t.Fatalf("expected 250 Wh added, got %v", added)
	}

	added, _ = s.RecordEnergy(1100)
	if added != 350 {
		t.Fatalf("expected 350 Wh added, got %v", added)
	}
	if s.EnergyWh != 600 {
		t.Fatalf("expected session total 600 Wh, got %v", s.EnergyWh)
	}
	if s.MeterStopWh() != 10600 {
		t.Fatalf("expected meter stop 10600, got %d", s.MeterStopWh())
	}
}

func TestSessionRebasesOnMeterRegression(t *testing.T) {
	s := NewSession("TAG-1", time.Now(), 0, 9000)

	if _, rebased := s.RecordEnergy(9500); rebased {
		t.Fatal("forward reading must not rebase")
	}

	// Vehicle meter reset under us.
	added, rebased := s.RecordEnergy(120)
	if !rebased {
		t.Fatal("regressing reading must rebase")
	}
	if added != 0 {
		t.Fatalf("rebase must not add energy, got %v", added)
	}
	if s.EnergyWh != 500 {
		t.Fatalf("session total must be preserved, got %v", s.EnergyWh)
	}

	// Accumulation continues from the new baseline.
	added, _ = s.RecordEnergy(320)
	if added != 200 {
		t.Fatalf("expected 200 Wh from new baseline, got %v", added)
	}
	if s.EnergyWh != 700 {
		t.Fatalf("expected session total 700 Wh, got %v", s.EnergyWh)
	}
}

func TestSessionEnergyNeverDecreases(t *testing.T) {
	s := NewSession("TAG-1", time.Now(), 0, 0)
	readings := []float64{100, 90, 200, 150, 150, 400}
	prev := 0.0
	for _, r := range readings {
		s.RecordEnergy(r)
		if s.EnergyWh < prev {
			t.Fatalf("session energy decreased from %v to %v at reading %v", prev, s.EnergyWh, r)
		}
		prev = s.EnergyWh
	}
}
