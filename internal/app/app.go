package app

import (
	"context"
	"net/http"
	"time"

	"github.com/evbridge/ocpp2car/internal/bus"
	"github.com/evbridge/ocpp2car/internal/cache"
	"github.com/evbridge/ocpp2car/internal/config"
	"github.com/evbridge/ocpp2car/internal/engine"
	"github.com/evbridge/ocpp2car/internal/ocpp"
	"github.com/evbridge/ocpp2car/internal/poller"
	"github.com/evbridge/ocpp2car/internal/scheduler"
	"github.com/evbridge/ocpp2car/internal/state"
	"github.com/evbridge/ocpp2car/internal/statusapi"
	"github.com/evbridge/ocpp2car/internal/transmission"
	"github.com/evbridge/ocpp2car/internal/vehicle"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run wires the bridge together and blocks until ctx is cancelled. The MQTT
// transmitter is optional; pass nil to run without the Home Assistant mirror.
func Run(
	parentCtx context.Context,
	cfg *config.Config,
	vehicleClient vehicle.Client,
	mqttTx transmission.Transmitter,
	logger *logrus.Logger,
) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	messageBus := bus.New()
	grp, ctx := errgroup.WithContext(ctx)

	// Construction order matters here. The scheduler and poller hand their
	// results to the engine through closures, and the engine doubles as the
	// OCPP call handler. The engine pointer is assigned before any goroutine
	// starts, so the closures never see it nil.
	var eng *engine.Engine

	sched := scheduler.New(vehicleClient, scheduler.Options{
		Cooldown:    config.CommandCooldown,
		BackoffBase: config.BackoffBase,
		BackoffCap:  config.BackoffCap,
		CallTimeout: config.VehicleCommandTimeout,
	}, func(res scheduler.Result) {
		eng.SubmitCommandResult(res)
	}, logger)

	pol := poller.New(vehicleClient,
		config.PollActiveInterval,
		config.PollIdleInterval,
		cfg.GetAPITimeout(),
		func(snap *vehicle.Snapshot, err error) {
			eng.SubmitTelemetry(snap, err)
		},
		logger)

	session := ocpp.NewSession(ocpp.Config{
		URL:               cfg.OCPPUrl,
		ChargePointID:     cfg.ChargePointID,
		Vendor:            config.ChargePointVendor,
		Model:             config.ChargePointModel,
		FirmwareVersion:   config.FirmwareVersion,
		HeartbeatInterval: config.HeartbeatFallback,
		CallTimeout:       config.OCPPCallTimeout,
		ReconnectMin:      config.ReconnectDelayMin,
		ReconnectMax:      config.ReconnectDelayMax,
	}, logger)

	eng = engine.New(engine.Config{
		MinAmps:        cfg.MinAmps,
		MaxAmps:        cfg.MaxAmps,
		FaultThreshold: config.FaultThreshold,
		MeterInterval:  config.MeterReportInterval,
		DefaultIdTag:   cfg.IDTag,
	}, sched, session, pol, messageBus, logger)
	session.SetHandler(eng)

	grp.Go(func() error { return eng.Run(ctx) })
	grp.Go(func() error { return sched.Run(ctx) })
	grp.Go(func() error { return pol.Run(ctx) })
	grp.Go(func() error { return session.Run(ctx) })

	// Local vitals endpoint -------------------------------------------------
	if cfg.HasStatusAPI() {
		api := statusapi.NewServer(messageBus, logger)
		grp.Go(func() error { return api.Run(ctx) })

		srv := &http.Server{Addr: cfg.StatusAPIAddr, Handler: api.Routes()}
		grp.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.WithField("addr", cfg.StatusAPIAddr).Info("Status API listening")
			select {
			case <-ctx.Done():
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutCancel()
				_ = srv.Shutdown(shutCtx)
				return ctx.Err()
			case err := <-errCh:
				return err
			}
		})
	}

	// Home Assistant mirror -------------------------------------------------
	if mqttTx != nil {
		sub := messageBus.Subscribe()
		grp.Go(func() error {
			return mirrorVitals(ctx, sub, mqttTx, logger)
		})
	}

	if err := grp.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Warn("app: background group exited")
		return err
	}
	return nil
}

// mirrorVitals forwards bus vitals to the MQTT broker, interval limited and
// change gated so an idle bridge stays quiet.
func mirrorVitals(ctx context.Context, sub <-chan *state.Vitals, tx transmission.Transmitter, logger *logrus.Logger) error {
	changes := cache.NewManager()
	var (
		latest   *state.Vitals
		lastSent time.Time
	)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-sub:
			if !ok {
				return nil
			}
			latest = snap
		case <-ticker.C:
			if latest == nil {
				continue
			}
			now := time.Now()
			if now.Sub(lastSent) < config.MQTTTransmitInterval {
				continue
			}
			if !changes.Changed(latest) {
				continue
			}
			if err := tx.Transmit(latest); err != nil {
				logger.WithError(err).Warn("MQTT transmit failed")
				// Reset the change detector so the next eligible tick
				// retries even if the vitals stayed the same.
				changes.Reset()
				lastSent = now
				continue
			}
			lastSent = now
		}
	}
}
