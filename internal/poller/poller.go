// Package poller reads vehicle telemetry on an adaptive cadence: frequent
// while the connector is occupied, relaxed while idle.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/vehicle"
)

// Poller runs one telemetry read at a time and hands every result, including
// failures, to the submit callback.
type Poller struct {
	client         vehicle.Client
	submit         func(*vehicle.Snapshot, error)
	activeInterval time.Duration
	idleInterval   time.Duration
	timeout        time.Duration
	logger         *logrus.Logger

	active atomic.Bool
	kick   chan struct{}
}

// New builds a poller. The submit callback runs on the poller goroutine and
// must not block for long.
func New(client vehicle.Client, activeInterval, idleInterval, timeout time.Duration, submit func(*vehicle.Snapshot, error), logger *logrus.Logger) *Poller {
	return &Poller{
		client:         client,
		submit:         submit,
		activeInterval: activeInterval,
		idleInterval:   idleInterval,
		timeout:        timeout,
		logger:         logger,
		kick:           make(chan struct{}, 1),
	}
}

// SetActive switches between the active and idle cadence. Safe to call from
// any goroutine.
func (p *Poller) SetActive(active bool) {
	if p.active.Swap(active) == active {
		return
	}
	p.logger.WithField("active", active).Debug("Telemetry poll cadence changed")
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. The first poll happens
// immediately so the engine starts with a fresh snapshot.
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			p.poll(ctx)
			timer.Reset(p.interval())
		case <-p.kick:
			// Re-arm so a cadence change takes effect before the
			// previous interval has elapsed.
			timer.Reset(p.interval())
		}
	}
}

func (p *Poller) interval() time.Duration {
	if p.active.Load() {
		return p.activeInterval
	}
	return p.idleInterval
}

func (p *Poller) poll(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	snap, err := p.client.ReadTelemetry(cctx)
	if err != nil {
		p.logger.WithError(err).Debug("Telemetry read failed")
	}
	p.submit(snap, err)
}
