package bus

import (
	"testing"
	"time"

	"github.com/evbridge/ocpp2car/internal/connector"
	"github.com/evbridge/ocpp2car/internal/state"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := New()
	first := b.Subscribe()
	second := b.Subscribe()

	v := &state.Vitals{Status: connector.StatusCharging}
	b.Publish(v)

	for i, ch := range []<-chan *state.Vitals{first, second} {
		select {
		case got := <-ch:
			if got.Status != connector.StatusCharging {
				t.Errorf("subscriber %d: unexpected vitals %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: publication never arrived", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	slow := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(&state.Vitals{SessionS: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stalled on a slow subscriber")
	}

	// The slow subscriber still sees at least the first publication.
	select {
	case <-slow:
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}
}
