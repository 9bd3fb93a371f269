// Package engine reconciles vehicle telemetry with the OCPP connector state
// machine and turns central system commands into scheduled vehicle API calls.
// All state lives on a single goroutine; the other components feed it events.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/bus"
	"github.com/evbridge/ocpp2car/internal/connector"
	"github.com/evbridge/ocpp2car/internal/ocpp"
	"github.com/evbridge/ocpp2car/internal/scheduler"
	"github.com/evbridge/ocpp2car/internal/state"
	"github.com/evbridge/ocpp2car/internal/vehicle"
)

// nominalVoltage converts watt limits from charging profiles into amps.
const nominalVoltage = 230.0

// CommandScheduler is the slice of the scheduler the engine drives.
type CommandScheduler interface {
	Submit(cmd scheduler.Command) (displaced *scheduler.Command, err error)
	Cancel(cmd scheduler.Command) bool
	Pause() []scheduler.Command
	Resume()
}

// Sender is the charge point's view of the OCPP session. Calls are
// asynchronous; callbacks arrive as engine events.
type Sender interface {
	SendStatusNotification(status connector.Status, errorCode string)
	SendAuthorize(idTag string, cb func(accepted bool, err error))
	SendStartTransaction(idTag string, meterStartWh int64, startedAt time.Time, cb func(txID int, accepted bool, err error))
	SendStopTransaction(txID int, meterStopWh int64, stoppedAt time.Time, reason string)
	SendMeterValues(txID int, sample ocpp.MeterSample)
}

// ActivityHinter switches the telemetry poll cadence.
type ActivityHinter interface {
	SetActive(active bool)
}

// Config carries the engine tunables.
type Config struct {
	// MinAmps and MaxAmps bound acceptable charging profile setpoints.
	MinAmps int
	MaxAmps int
	// FaultThreshold is the number of consecutive unreachable vehicle API
	// calls that fault the connector.
	FaultThreshold int
	// MeterInterval is the cadence of periodic MeterValues during a session.
	MeterInterval time.Duration
	// DefaultIdTag tags sessions that start without a remote start request.
	DefaultIdTag string
}

type event interface{}

type telemetryEvent struct {
	snap *vehicle.Snapshot
	err  error
}

type commandResultEvent struct {
	res scheduler.Result
}

type remoteStartEvent struct {
	req     *ocpp.RemoteStartTransactionRequest
	respond ocpp.RespondFunc
}

type remoteStopEvent struct {
	req     *ocpp.RemoteStopTransactionRequest
	respond ocpp.RespondFunc
}

type setProfileEvent struct {
	req     *ocpp.SetChargingProfileRequest
	respond ocpp.RespondFunc
}

type resetEvent struct {
	req     *ocpp.ResetRequest
	respond ocpp.RespondFunc
}

type connectionEvent struct {
	up bool
}

type txConfirmedEvent struct {
	txID     int
	accepted bool
	err      error
}

type authResultEvent struct {
	idTag    string
	accepted bool
	err      error
}

type pendingStart struct {
	idTag      string
	authorized bool
}

// Engine owns the connector state machine and the charging session. It is
// driven exclusively through Run; the Submit/On* methods only enqueue events.
type Engine struct {
	cfg    Config
	sched  CommandScheduler
	sender Sender
	poller ActivityHinter
	bus    *bus.Bus
	logger *logrus.Logger

	events chan event
	done   chan struct{}

	// Everything below is owned by the Run goroutine.
	machine       *connector.Machine
	session       *connector.Session
	snap          *vehicle.Snapshot
	stale         bool
	faultCode     string
	finishReason  string
	unreachable   int
	ocppUp        bool
	totalWh       float64
	evseSuspended bool
	pending       *pendingStart
	seq           uint64
	suspendSeq    uint64
	responders    map[uint64]ocpp.RespondFunc
	lastMeter     time.Time
	startedAt     time.Time
}

// New wires an engine to its collaborators. Run must be called before the
// engine does anything.
func New(cfg Config, sched CommandScheduler, sender Sender, poller ActivityHinter, b *bus.Bus, logger *logrus.Logger) *Engine {
	if cfg.FaultThreshold <= 0 {
		cfg.FaultThreshold = 5
	}
	if cfg.MeterInterval <= 0 {
		cfg.MeterInterval = time.Minute
	}
	return &Engine{
		cfg:        cfg,
		sched:      sched,
		sender:     sender,
		poller:     poller,
		bus:        b,
		logger:     logger,
		events:     make(chan event, 256),
		done:       make(chan struct{}),
		machine:    connector.NewMachine(),
		responders: make(map[uint64]ocpp.RespondFunc),
	}
}

// Run processes events until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.startedAt = time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	e.publish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ev)
			e.publish()
		case now := <-ticker.C:
			e.maybeReportMeter(now)
			e.publish()
		}
	}
}

// submit enqueues an event unless the engine has already shut down.
func (e *Engine) submit(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// SubmitTelemetry feeds a poll result into the engine. It is the poller's
// submit callback.
func (e *Engine) SubmitTelemetry(snap *vehicle.Snapshot, err error) {
	e.submit(telemetryEvent{snap: snap, err: err})
}

// SubmitCommandResult feeds a scheduler result into the engine. It is the
// scheduler's report callback.
func (e *Engine) SubmitCommandResult(res scheduler.Result) {
	e.submit(commandResultEvent{res: res})
}

// OnRemoteStartTransaction implements ocpp.Handler.
func (e *Engine) OnRemoteStartTransaction(req *ocpp.RemoteStartTransactionRequest, respond ocpp.RespondFunc) {
	e.submit(remoteStartEvent{req: req, respond: respond})
}

// OnRemoteStopTransaction implements ocpp.Handler.
func (e *Engine) OnRemoteStopTransaction(req *ocpp.RemoteStopTransactionRequest, respond ocpp.RespondFunc) {
	e.submit(remoteStopEvent{req: req, respond: respond})
}

// OnSetChargingProfile implements ocpp.Handler.
func (e *Engine) OnSetChargingProfile(req *ocpp.SetChargingProfileRequest, respond ocpp.RespondFunc) {
	e.submit(setProfileEvent{req: req, respond: respond})
}

// OnReset implements ocpp.Handler.
func (e *Engine) OnReset(req *ocpp.ResetRequest, respond ocpp.RespondFunc) {
	e.submit(resetEvent{req: req, respond: respond})
}

// OnConnectionChange implements ocpp.Handler.
func (e *Engine) OnConnectionChange(connected bool) {
	e.submit(connectionEvent{up: connected})
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case telemetryEvent:
		e.handleTelemetry(ev)
	case commandResultEvent:
		e.handleCommandResult(ev.res)
	case remoteStartEvent:
		e.handleRemoteStart(ev)
	case remoteStopEvent:
		e.handleRemoteStop(ev)
	case setProfileEvent:
		e.handleSetProfile(ev)
	case resetEvent:
		e.handleReset(ev)
	case connectionEvent:
		e.handleConnection(ev.up)
	case txConfirmedEvent:
		e.handleTxConfirmed(ev)
	case authResultEvent:
		e.handleAuthResult(ev)
	}
}

func (e *Engine) handleTelemetry(ev telemetryEvent) {
	if ev.err != nil {
		e.stale = true
		e.logger.WithError(ev.err).Debug("Telemetry poll failed")
		switch {
		case vehicle.IsAuthExpired(ev.err):
			e.fault(ocpp.ErrorCodeInternalError, "vehicle API authentication expired")
		case vehicle.IsUnreachable(ev.err):
			e.countUnreachable(ev.err)
		}
		return
	}

	e.snap = ev.snap
	e.stale = false
	e.unreachable = 0

	if e.machine.Status() == connector.StatusFaulted {
		e.recoverFromFault()
	}

	e.accountEnergy(ev.snap)
	e.reconcile(ev.snap)
	e.maybeReportMeter(time.Now())
	e.hintPoller()
}

// countUnreachable tracks consecutive unreachable vehicle API calls and
// faults the connector once the threshold is hit.
func (e *Engine) countUnreachable(err error) {
	e.unreachable++
	e.logger.WithError(err).WithField("streak", e.unreachable).Warn("Vehicle unreachable")
	if e.unreachable >= e.cfg.FaultThreshold && e.machine.Status() != connector.StatusFaulted {
		e.fault(ocpp.ErrorCodeEVCommunicationError, fmt.Sprintf("vehicle unreachable %d times in a row", e.unreachable))
	}
}

func (e *Engine) accountEnergy(snap *vehicle.Snapshot) {
	if e.session == nil {
		return
	}
	added, rebased := e.session.RecordEnergy(snap.LifetimeWh)
	if rebased {
		e.logger.WithField("lifetime_wh", snap.LifetimeWh).Warn("Vehicle energy meter regressed, rebasing session baseline")
	}
	if added > 0 {
		e.totalWh += added
	}
}

// reconcile walks the connector state machine towards what the snapshot
// shows. A single snapshot can cross several edges, so step runs until the
// status settles.
func (e *Engine) reconcile(snap *vehicle.Snapshot) {
	for i := 0; i < 4; i++ {
		if !e.step(snap) {
			return
		}
	}
}

func (e *Engine) step(snap *vehicle.Snapshot) bool {
	switch e.machine.Status() {
	case connector.StatusAvailable:
		if snap.PluggedIn {
			e.transition(connector.StatusPreparing)
			return true
		}

	case connector.StatusPreparing:
		if !snap.PluggedIn {
			e.abandonPendingStart("cable unplugged")
			e.transition(connector.StatusAvailable)
			return true
		}
		if snap.Charging {
			e.openSession(snap)
			e.transition(connector.StatusCharging)
			return true
		}

	case connector.StatusCharging:
		if !snap.PluggedIn {
			e.transition(connector.StatusFinishing)
			e.archiveSession(ocpp.ReasonEVDisconnected, snap.UpdatedAt)
			e.transition(connector.StatusAvailable)
			return true
		}
		if !snap.Charging {
			if e.evseSuspended {
				e.transition(connector.StatusSuspendedEVSE)
			} else {
				e.transition(connector.StatusSuspendedEV)
			}
			return true
		}

	case connector.StatusSuspendedEV:
		if done := e.stepSuspended(snap); done {
			return true
		}
		if e.evseSuspended {
			e.transition(connector.StatusSuspendedEVSE)
			return true
		}

	case connector.StatusSuspendedEVSE:
		if done := e.stepSuspended(snap); done {
			return true
		}
		if !e.evseSuspended {
			e.transition(connector.StatusSuspendedEV)
			return true
		}

	case connector.StatusFinishing:
		// The stop command was issued; wait for the vehicle to confirm
		// before archiving so the final meter values are complete.
		if !snap.PluggedIn || !snap.Charging {
			reason := e.finishReason
			if reason == "" {
				reason = ocpp.ReasonOther
			}
			e.archiveSession(reason, snap.UpdatedAt)
			e.transition(connector.StatusAvailable)
			return true
		}
	}
	return false
}

// stepSuspended covers the exits shared by both suspended states.
func (e *Engine) stepSuspended(snap *vehicle.Snapshot) bool {
	if !snap.PluggedIn {
		e.transition(connector.StatusFinishing)
		e.archiveSession(ocpp.ReasonEVDisconnected, snap.UpdatedAt)
		e.transition(connector.StatusAvailable)
		return true
	}
	if snap.Charging {
		e.transition(connector.StatusCharging)
		return true
	}
	return false
}

// openSession starts the bookkeeping for a charging transaction and announces
// it to the central system. Called exactly once per Preparing -> Charging
// edge, before the status changes.
func (e *Engine) openSession(snap *vehicle.Snapshot) {
	idTag := e.cfg.DefaultIdTag
	if e.pending != nil {
		idTag = e.pending.idTag
	}
	meterStart := int64(e.totalWh + 0.5)
	e.session = connector.NewSession(idTag, snap.UpdatedAt, meterStart, snap.LifetimeWh)
	e.session.RequestedAmps = snap.RequestedAmps
	e.pending = nil
	e.evseSuspended = false
	e.finishReason = ""
	e.lastMeter = snap.UpdatedAt

	e.logger.WithFields(logrus.Fields{
		"id_tag":         idTag,
		"meter_start_wh": meterStart,
	}).Info("Charging session opened")

	e.sender.SendStartTransaction(idTag, meterStart, snap.UpdatedAt, func(txID int, accepted bool, err error) {
		e.submit(txConfirmedEvent{txID: txID, accepted: accepted, err: err})
	})
}

// archiveSession emits the final meter values and StopTransaction, then
// clears the session. It never touches the status machine.
func (e *Engine) archiveSession(reason string, ts time.Time) {
	if e.session == nil {
		return
	}
	s := e.session
	e.sender.SendMeterValues(s.TransactionID, e.meterSample(ts))
	if s.TransactionID != 0 {
		e.sender.SendStopTransaction(s.TransactionID, s.MeterStopWh(), ts, reason)
	} else {
		e.logger.Warn("Session closed before the central system confirmed it, skipping StopTransaction")
	}
	e.logger.WithFields(logrus.Fields{
		"transaction_id": s.TransactionID,
		"id_tag":         s.IDTag,
		"session_wh":     s.EnergyWh,
		"reason":         reason,
	}).Info("Charging session closed")
	e.session = nil
	e.evseSuspended = false
	e.finishReason = ""
	e.hintPoller()
}

func (e *Engine) handleRemoteStart(ev remoteStartEvent) {
	status := e.machine.Status()
	log := e.logger.WithField("id_tag", ev.req.IdTag)

	switch {
	case status == connector.StatusFaulted:
		ev.respond(nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: "connector is faulted"})
		return
	case e.session != nil || e.pending != nil:
		// A charge is already running or starting; treat the repeat as
		// satisfied.
		ev.respond(ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopAccepted}, nil)
		return
	case e.snap == nil || e.stale || !e.snap.PluggedIn:
		log.Info("Remote start rejected, no vehicle plugged in")
		ev.respond(ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopRejected}, nil)
		return
	}

	ev.respond(ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopAccepted}, nil)
	e.pending = &pendingStart{idTag: ev.req.IdTag}
	if status == connector.StatusAvailable {
		e.transition(connector.StatusPreparing)
	}

	if ev.req.ChargingProfile != nil {
		if amps, ok := e.ampsFromProfile(ev.req.ChargingProfile); ok {
			e.enqueue(scheduler.Command{Kind: scheduler.KindSetCurrent, Amps: amps, Seq: e.nextSeq()})
		}
	}

	log.Info("Remote start accepted, authorizing")
	idTag := ev.req.IdTag
	e.sender.SendAuthorize(idTag, func(accepted bool, err error) {
		e.submit(authResultEvent{idTag: idTag, accepted: accepted, err: err})
	})
	e.hintPoller()
}

func (e *Engine) handleAuthResult(ev authResultEvent) {
	if e.pending == nil || e.pending.idTag != ev.idTag {
		return
	}
	if ev.err != nil {
		e.logger.WithError(ev.err).Warn("Authorize failed, abandoning remote start")
		e.pending = nil
		return
	}
	if !ev.accepted {
		e.logger.WithField("id_tag", ev.idTag).Warn("idTag not authorized, abandoning remote start")
		e.pending = nil
		return
	}
	e.pending.authorized = true
	e.enqueue(scheduler.Command{Kind: scheduler.KindStartCharging, Seq: e.nextSeq()})
}

func (e *Engine) abandonPendingStart(why string) {
	if e.pending == nil {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"id_tag": e.pending.idTag,
		"reason": why,
	}).Warn("Abandoning pending remote start")
	e.pending = nil
}

func (e *Engine) handleRemoteStop(ev remoteStopEvent) {
	if e.machine.Status() == connector.StatusFaulted {
		ev.respond(nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: "connector is faulted"})
		return
	}
	if e.session == nil || e.session.TransactionID == 0 || e.session.TransactionID != ev.req.TransactionId {
		ev.respond(ocpp.RemoteStopTransactionResponse{Status: ocpp.RemoteStartStopRejected}, nil)
		return
	}

	ev.respond(ocpp.RemoteStopTransactionResponse{Status: ocpp.RemoteStartStopAccepted}, nil)
	e.logger.WithField("transaction_id", ev.req.TransactionId).Info("Remote stop accepted")
	e.finishReason = ocpp.ReasonRemote
	e.enqueue(scheduler.Command{Kind: scheduler.KindStopCharging, Seq: e.nextSeq()})
	if e.machine.Status() != connector.StatusFinishing {
		e.transition(connector.StatusFinishing)
	}
}

func (e *Engine) handleSetProfile(ev setProfileEvent) {
	if e.machine.Status() == connector.StatusFaulted {
		ev.respond(nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: "connector is faulted"})
		return
	}
	if ev.req.ConnectorId > 1 {
		ev.respond(nil, &ocpp.CallError{Code: ocpp.CallErrPropertyConstraintViolation, Description: "no such connector"})
		return
	}
	limit, unit, ok := ev.req.Limit()
	if !ok {
		ev.respond(nil, &ocpp.CallError{Code: ocpp.CallErrOccurenceConstraintViolation, Description: "charging schedule has no periods"})
		return
	}
	amps := e.ampsOf(limit, unit)
	if amps != 0 && (amps < e.cfg.MinAmps || amps > e.cfg.MaxAmps) {
		desc := fmt.Sprintf("limit %d A outside [%d, %d]", amps, e.cfg.MinAmps, e.cfg.MaxAmps)
		ev.respond(nil, &ocpp.CallError{Code: ocpp.CallErrPropertyConstraintViolation, Description: desc})
		return
	}

	e.logger.WithFields(logrus.Fields{
		"amps": amps,
		"unit": unit,
	}).Info("Charging profile received")

	if amps == 0 {
		e.applySuspend(ev.respond)
		return
	}
	e.applySetpoint(amps, ev.respond)
}

// applySuspend handles a zero-amp profile: charging pauses from the EVSE
// side. The response is deferred until the vehicle confirms when a stop is
// actually needed.
func (e *Engine) applySuspend(respond ocpp.RespondFunc) {
	charging := e.snap != nil && e.snap.Charging
	if e.session == nil || !charging {
		// Nothing is drawing power; the suspend is already in effect.
		e.evseSuspended = e.session != nil
		if e.session != nil {
			e.session.RequestedAmps = 0
		}
		respond(ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileAccepted}, nil)
		return
	}
	seq := e.nextSeq()
	e.responders[seq] = respond
	e.suspendSeq = seq
	e.enqueue(scheduler.Command{Kind: scheduler.KindStopCharging, Seq: seq})
}

// applySetpoint forwards a positive setpoint, resuming charging when a prior
// zero-amp profile paused it or is still in the middle of doing so.
func (e *Engine) applySetpoint(amps int, respond ocpp.RespondFunc) {
	needStart := e.evseSuspended
	if e.suspendSeq != 0 {
		stopSeq := e.suspendSeq
		e.suspendSeq = 0
		if e.sched.Cancel(scheduler.Command{Kind: scheduler.KindStopCharging, Seq: stopSeq}) {
			// The suspend never reached the vehicle; the newer setpoint
			// carries its profile forward.
			e.settle(stopSeq, ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileAccepted}, nil)
		} else {
			// The stop is already on the wire. Report the pause as
			// charger-side and resume once the new setpoint lands.
			e.evseSuspended = true
			needStart = true
		}
	}
	seq := e.nextSeq()
	e.responders[seq] = respond
	e.enqueue(scheduler.Command{Kind: scheduler.KindSetCurrent, Amps: amps, Seq: seq})
	if needStart {
		e.enqueue(scheduler.Command{Kind: scheduler.KindStartCharging, Seq: e.nextSeq()})
	}
}

func (e *Engine) handleReset(ev resetEvent) {
	ev.respond(ocpp.ResetResponse{Status: ocpp.ResetAccepted}, nil)
	e.logger.WithField("type", ev.req.Type).Warn("Reset requested by central system")

	if e.session != nil {
		e.enqueue(scheduler.Command{Kind: scheduler.KindStopCharging, Seq: e.nextSeq()})
		e.archiveSession(ocpp.ReasonReboot, time.Now())
	}
	for seq, respond := range e.responders {
		respond(nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: "charge point is resetting"})
		delete(e.responders, seq)
	}
	e.pending = nil
	e.faultCode = ""
	e.unreachable = 0
	e.suspendSeq = 0
	e.sched.Resume()

	// A reset re-initializes the state machine rather than walking edges.
	e.machine = connector.NewMachine()
	e.sender.SendStatusNotification(connector.StatusAvailable, ocpp.ErrorCodeNoError)
	e.hintPoller()
}

func (e *Engine) handleConnection(up bool) {
	e.ocppUp = up
	if !up {
		return
	}
	// Re-announce after every (re)registration.
	e.sender.SendStatusNotification(e.machine.Status(), e.currentErrorCode())
	if e.session != nil && e.session.TransactionID == 0 {
		s := e.session
		e.logger.Info("Retrying unconfirmed StartTransaction after reconnect")
		e.sender.SendStartTransaction(s.IDTag, s.MeterStartWh, s.StartedAt, func(txID int, accepted bool, err error) {
			e.submit(txConfirmedEvent{txID: txID, accepted: accepted, err: err})
		})
	}
}

func (e *Engine) handleTxConfirmed(ev txConfirmedEvent) {
	if e.session == nil {
		if ev.err == nil {
			e.logger.WithField("transaction_id", ev.txID).Warn("Transaction confirmed after the session closed")
		}
		return
	}
	if ev.err != nil {
		e.logger.WithError(ev.err).Warn("StartTransaction unconfirmed, will retry after reconnect")
		return
	}
	e.session.TransactionID = ev.txID
	e.logger.WithField("transaction_id", ev.txID).Info("Transaction confirmed")
	if !ev.accepted {
		e.logger.WithField("id_tag", e.session.IDTag).Warn("idTag rejected by central system, stopping charge")
		e.finishReason = ocpp.ReasonDeAuthorized
		e.enqueue(scheduler.Command{Kind: scheduler.KindStopCharging, Seq: e.nextSeq()})
		if e.machine.Status() != connector.StatusFinishing && e.machine.Status() != connector.StatusFaulted {
			e.transition(connector.StatusFinishing)
		}
	}
}

func (e *Engine) handleCommandResult(res scheduler.Result) {
	cmd := res.Command
	switch res.Outcome {
	case scheduler.OutcomeOK:
		e.unreachable = 0
		e.settle(cmd.Seq, ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileAccepted}, nil)
		e.applyCommandEffect(cmd)
	case scheduler.OutcomeSuperseded:
		// A newer setpoint replaced it; the intent is carried forward.
		e.settle(cmd.Seq, ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileAccepted}, nil)
	case scheduler.OutcomeRetrying:
		if vehicle.IsUnreachable(res.Err) {
			e.countUnreachable(res.Err)
		}
	case scheduler.OutcomeDiscarded:
		e.settle(cmd.Seq, nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: "command discarded"})
	case scheduler.OutcomeFailed:
		e.settle(cmd.Seq, nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: fmt.Sprintf("vehicle refused %s", cmd.Kind)})
		e.logger.WithError(res.Err).WithField("kind", cmd.Kind.String()).Warn("Vehicle command failed")
		if vehicle.IsAuthExpired(res.Err) {
			e.fault(ocpp.ErrorCodeInternalError, "vehicle API authentication expired")
		}
	}
}

// applyCommandEffect updates bookkeeping once the vehicle confirmed a
// command. Status changes still come from telemetry, not from here.
func (e *Engine) applyCommandEffect(cmd scheduler.Command) {
	switch cmd.Kind {
	case scheduler.KindSetCurrent:
		e.evseSuspended = false
		if e.session != nil {
			e.session.RequestedAmps = cmd.Amps
		}
	case scheduler.KindStopCharging:
		if cmd.Seq == e.suspendSeq {
			e.suspendSeq = 0
			e.evseSuspended = true
			if e.session != nil {
				e.session.RequestedAmps = 0
			}
		}
	}
}

// settle answers the central system call waiting on the given sequence
// number, if any.
func (e *Engine) settle(seq uint64, result interface{}, callErr *ocpp.CallError) {
	respond, ok := e.responders[seq]
	if !ok {
		return
	}
	delete(e.responders, seq)
	respond(result, callErr)
}

// enqueue hands a command to the scheduler and settles whatever it displaced.
func (e *Engine) enqueue(cmd scheduler.Command) {
	displaced, err := e.sched.Submit(cmd)
	if err != nil {
		e.settle(cmd.Seq, nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: "command scheduler unavailable"})
		return
	}
	if displaced != nil {
		e.settle(displaced.Seq, ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileAccepted}, nil)
	}
}

// fault moves the connector to Faulted: the session is archived, queued
// commands are dropped and the scheduler pauses until telemetry recovers.
func (e *Engine) fault(code, reason string) {
	if e.machine.Status() == connector.StatusFaulted {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"error_code": code,
		"reason":     reason,
	}).Error("Connector faulted")

	e.faultCode = code
	e.abandonPendingStart("connector faulted")
	e.archiveSession(ocpp.ReasonOther, time.Now())
	for _, cmd := range e.sched.Pause() {
		e.settle(cmd.Seq, nil, &ocpp.CallError{Code: ocpp.CallErrInternalError, Description: "connector faulted"})
	}
	e.suspendSeq = 0
	e.transition(connector.StatusFaulted)
}

// recoverFromFault runs when telemetry succeeds while Faulted.
func (e *Engine) recoverFromFault() {
	e.logger.Info("Vehicle reachable again, recovering from fault")
	e.faultCode = ""
	e.unreachable = 0
	e.sched.Resume()
	e.transition(connector.StatusAvailable)
}

// transition walks one status edge and reports it upstream. Illegal edges are
// logged and skipped; the reconcile loop converges on the next snapshot.
func (e *Engine) transition(to connector.Status) {
	from := e.machine.Status()
	if err := e.machine.Transition(to); err != nil {
		e.logger.WithError(err).Error("Connector transition rejected")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("Connector status changed")
	e.sender.SendStatusNotification(to, e.currentErrorCode())
	e.hintPoller()
}

func (e *Engine) currentErrorCode() string {
	if e.machine.Status() == connector.StatusFaulted && e.faultCode != "" {
		return e.faultCode
	}
	return ocpp.ErrorCodeNoError
}

func (e *Engine) maybeReportMeter(now time.Time) {
	if e.session == nil || now.Sub(e.lastMeter) < e.cfg.MeterInterval {
		return
	}
	e.lastMeter = now
	e.sender.SendMeterValues(e.session.TransactionID, e.meterSample(now))
}

func (e *Engine) meterSample(ts time.Time) ocpp.MeterSample {
	sample := ocpp.MeterSample{
		Timestamp: ts,
		TotalWh:   e.totalWh,
	}
	if e.session != nil {
		sample.SessionWh = e.session.EnergyWh
		sample.OfferedA = e.session.RequestedAmps
	}
	if e.snap != nil {
		sample.PowerW = e.snap.PowerW
		sample.CurrentA = e.snap.ActualAmps
		sample.VoltageV = e.snap.VoltageV
		sample.SoC = e.snap.BatteryPercent
	}
	return sample
}

func (e *Engine) ampsOf(limit float64, unit string) int {
	if unit == ocpp.RateUnitWatts {
		return int(math.Round(limit / nominalVoltage))
	}
	return int(math.Round(limit))
}

func (e *Engine) ampsFromProfile(p *ocpp.ChargingProfile) (int, bool) {
	limit, unit, ok := p.Limit()
	if !ok {
		return 0, false
	}
	amps := e.ampsOf(limit, unit)
	if amps < e.cfg.MinAmps || amps > e.cfg.MaxAmps {
		e.logger.WithField("amps", amps).Warn("Ignoring out-of-range profile on remote start")
		return 0, false
	}
	return amps, true
}

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) hintPoller() {
	e.poller.SetActive(e.machine.Status().Occupied() || e.pending != nil)
}

// publish pushes a fresh vitals snapshot onto the bus.
func (e *Engine) publish() {
	now := time.Now()
	v := &state.Vitals{
		Status:         e.machine.Status(),
		ErrorCode:      e.currentErrorCode(),
		EVSEState:      state.EVSEStateOf(e.machine.Status()),
		TotalEnergyWh:  e.totalWh,
		OCPPConnected:  e.ocppUp,
		TelemetryStale: e.stale,
		UptimeS:        int64(now.Sub(e.startedAt).Seconds()),
		UpdatedAt:      now,
	}
	if e.snap != nil {
		v.VehicleConnected = e.snap.PluggedIn
		v.ContactorClosed = e.snap.Charging
		v.VehicleCurrentA = e.snap.ActualAmps
		v.PowerW = e.snap.PowerW
		v.BatteryPercent = e.snap.BatteryPercent
		v.CurrentRequestA = e.snap.RequestedAmps
	}
	if e.session != nil {
		v.TransactionID = e.session.TransactionID
		v.SessionS = int64(e.session.Duration(now).Seconds())
		v.SessionEnergyWh = e.session.EnergyWh
		v.CurrentRequestA = e.session.RequestedAmps
	}
	e.bus.Publish(v)
}
