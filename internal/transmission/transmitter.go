package transmission

import "github.com/evbridge/ocpp2car/internal/state"

// Transmitter defines the interface for mirroring bridge vitals to an
// external consumer
type Transmitter interface {
	Transmit(v *state.Vitals) error
	IsConnected() bool
}
