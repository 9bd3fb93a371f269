package bus

import (
	"sync"

	"github.com/evbridge/ocpp2car/internal/state"
)

// Bus provides fan-out pub/sub semantics for *state.Vitals* messages. Each
// Subscribe call gets its own channel that receives every future publication.
// Past messages are not replayed. The implementation is safe for concurrent
// publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *state.Vitals
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a read-only channel that will receive all future vitals
// publications.
func (b *Bus) Subscribe() <-chan *state.Vitals {
	ch := make(chan *state.Vitals, 1) // small buffer avoids blocking
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the vitals to all subscribers in a best-effort,
// non-blocking way. If a subscriber's buffer is full, this publication is
// skipped for it; the consumer picks up the next one once it has drained its
// channel.
func (b *Bus) Publish(v *state.Vitals) {
	b.mu.RLock()
	subs := make([]chan *state.Vitals, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- v:
		default:
			continue
		}
	}
}
