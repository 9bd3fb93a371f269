package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/bus"
	"github.com/evbridge/ocpp2car/internal/connector"
	"github.com/evbridge/ocpp2car/internal/state"
	"github.com/evbridge/ocpp2car/internal/transmission"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeTransmitter records every transmitted vitals document.
type fakeTransmitter struct {
	mu   sync.Mutex
	sent []*state.Vitals
}

var _ transmission.Transmitter = (*fakeTransmitter)(nil)

func (f *fakeTransmitter) Transmit(v *state.Vitals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransmitter) IsConnected() bool { return true }

func (f *fakeTransmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransmitter) last() *state.Vitals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func TestMirrorVitalsForwardsLatestPublication(t *testing.T) {
	b := bus.New()
	tx := &fakeTransmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub := b.Subscribe()
	go mirrorVitals(ctx, sub, tx, testLogger())

	b.Publish(&state.Vitals{
		Status:        connector.StatusCharging,
		PowerW:        3500,
		OCPPConnected: true,
		UpdatedAt:     time.Now(),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && tx.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if tx.count() == 0 {
		t.Fatal("published vitals never reached the transmitter")
	}

	got := tx.last()
	if got.Status != connector.StatusCharging || got.PowerW != 3500 {
		t.Fatalf("unexpected vitals %+v", got)
	}
}
