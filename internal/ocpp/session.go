package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/connector"
)

// Subprotocol negotiated with the central system.
const Subprotocol = "ocpp1.6"

// The bridge exposes exactly one connector.
const connectorID = 1

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 1024 * 1024
)

var (
	// ErrCallTimeout means the central system never answered a call.
	ErrCallTimeout = errors.New("ocpp: call timed out")
	// ErrNotConnected means no registered central system connection exists.
	ErrNotConnected = errors.New("ocpp: not connected")
)

// RemoteError is a CALLERROR the central system returned for one of our
// calls.
type RemoteError struct {
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ocpp: call error %s: %s", e.Code, e.Description)
}

// CallError is the error half of an inbound call answer.
type CallError struct {
	Code        string
	Description string
}

// RespondFunc answers an inbound call. The first invocation wins; later ones
// are ignored. Safe to call from any goroutine, including long after the
// call arrived.
type RespondFunc func(result interface{}, callErr *CallError)

// Handler receives central system commands and connectivity changes.
// Callbacks run on session goroutines and must not block for long.
type Handler interface {
	OnRemoteStartTransaction(req *RemoteStartTransactionRequest, respond RespondFunc)
	OnRemoteStopTransaction(req *RemoteStopTransactionRequest, respond RespondFunc)
	OnSetChargingProfile(req *SetChargingProfileRequest, respond RespondFunc)
	OnReset(req *ResetRequest, respond RespondFunc)
	OnConnectionChange(connected bool)
}

// Config describes the charge point identity and session tuning.
type Config struct {
	URL             string // central system base URL, ws:// or wss://
	ChargePointID   string
	Vendor          string
	Model           string
	FirmwareVersion string

	HeartbeatInterval time.Duration // used until the boot response overrides it
	CallTimeout       time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

type pendingCall struct {
	id     string
	action string
	frame  []byte
	cb     func(json.RawMessage, error)
	timer  *time.Timer
}

// Session maintains the charge point's connection to the central system:
// dialing with backoff, BootNotification registration, heartbeats, call
// correlation and dispatch of inbound commands. Outbound calls run strictly
// one at a time in submission order.
type Session struct {
	cfg     Config
	handler Handler
	logger  *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	connected bool
	queue     []*pendingCall

	newID func() string
}

// NewSession creates a session manager. A handler must be attached with
// SetHandler and Run called before the session does anything.
func NewSession(cfg Config, logger *logrus.Logger) *Session {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 300 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// SetHandler attaches the command handler. Must be called before Run.
func (s *Session) SetHandler(handler Handler) {
	s.handler = handler
}

// Run dials the central system and keeps the connection alive until the
// context ends, reconnecting with exponential backoff.
func (s *Session) Run(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("ocpp: session has no handler")
	}
	delay := s.cfg.ReconnectMin
	for {
		started := time.Now()
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			// The connection held for a while; start backoff over.
			delay = s.cfg.ReconnectMin
		}
		s.logger.WithError(err).WithField("retry_in", delay.String()).Warn("OCPP connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.ReconnectMax {
			delay = s.cfg.ReconnectMax
		}
	}
}

func (s *Session) runConnection(ctx context.Context) error {
	endpoint := strings.TrimRight(s.cfg.URL, "/") + "/" + s.cfg.ChargePointID
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	s.logger.WithField("endpoint", endpoint).Info("Connected to central system")
	return s.serve(ctx, conn)
}

// serve owns one established connection until it dies.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	send := make(chan []byte, 64)

	s.mu.Lock()
	s.conn = conn
	s.send = send
	s.connected = true
	s.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop when the parent context ends.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(connCtx, conn, send)
	}()

	s.register(connCtx)

	err := s.readLoop(conn)
	cancel()
	<-writerDone
	s.teardown()
	return err
}

// register performs the BootNotification handshake. Only after the central
// system accepts does the session report itself connected and start
// heartbeating.
func (s *Session) register(ctx context.Context) {
	req := BootNotificationRequest{
		ChargePointVendor: s.cfg.Vendor,
		ChargePointModel:  s.cfg.Model,
		FirmwareVersion:   s.cfg.FirmwareVersion,
	}
	s.Call(ActionBootNotification, req, func(payload json.RawMessage, err error) {
		if err != nil {
			s.logger.WithError(err).Warn("BootNotification failed")
			s.retryRegister(ctx, s.cfg.ReconnectMin)
			return
		}
		var resp BootNotificationResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			s.logger.WithError(err).Warn("BootNotification response unreadable")
			s.retryRegister(ctx, s.cfg.ReconnectMin)
			return
		}

		interval := s.cfg.HeartbeatInterval
		if resp.Interval > 0 {
			interval = time.Duration(resp.Interval) * time.Second
		}

		switch resp.Status {
		case RegistrationAccepted:
			s.logger.WithFields(logrus.Fields{
				"interval":     interval.String(),
				"central_time": resp.CurrentTime.Format(time.RFC3339),
			}).Info("Registered with central system")
			go s.heartbeatLoop(ctx, interval)
			s.handler.OnConnectionChange(true)
		default:
			// Pending or Rejected: try again after the advertised interval.
			s.logger.WithField("status", resp.Status).Warn("Central system deferred registration")
			s.retryRegister(ctx, interval)
		}
	})
}

// retryRegister re-attempts registration after the delay unless the
// connection has ended in the meantime.
func (s *Session) retryRegister(ctx context.Context, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		if ctx.Err() == nil {
			s.register(ctx)
		}
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}

func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Call(ActionHeartbeat, HeartbeatRequest{}, func(payload json.RawMessage, err error) {
				if err != nil {
					s.logger.WithError(err).Warn("Heartbeat failed")
					return
				}
				var resp HeartbeatResponse
				if err := json.Unmarshal(payload, &resp); err == nil {
					s.logger.WithField("central_time", resp.CurrentTime.Format(time.RFC3339)).Debug("Heartbeat acknowledged")
				}
			})
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(data)
	}
}

func (s *Session) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// teardown fails every outstanding call and reports the connection loss.
func (s *Session) teardown() {
	s.mu.Lock()
	s.connected = false
	s.conn = nil
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		if pc.cb != nil {
			pc.cb(nil, ErrNotConnected)
		}
	}
	s.handler.OnConnectionChange(false)
}

// Call enqueues an outbound call. The callback receives the CALLRESULT
// payload or an error (CALLERROR, timeout, connection loss); it runs on a
// session goroutine. Calls are sent strictly one at a time.
func (s *Session) Call(action string, payload interface{}, cb func(json.RawMessage, error)) {
	id := s.newID()
	frame, err := MarshalCall(id, action, payload)
	if err != nil {
		s.fail(cb, fmt.Errorf("marshal %s: %w", action, err))
		return
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		s.fail(cb, ErrNotConnected)
		return
	}
	pc := &pendingCall{id: id, action: action, frame: frame, cb: cb}
	s.queue = append(s.queue, pc)
	if len(s.queue) == 1 {
		s.dispatchLocked(pc)
	}
	s.mu.Unlock()
}

// fail invokes a callback off the caller's goroutine so Call never re-enters
// the caller synchronously.
func (s *Session) fail(cb func(json.RawMessage, error), err error) {
	if cb == nil {
		s.logger.WithError(err).Warn("OCPP call dropped")
		return
	}
	go cb(nil, err)
}

// dispatchLocked puts the head-of-queue call on the wire. Caller holds mu.
func (s *Session) dispatchLocked(pc *pendingCall) {
	s.logger.WithFields(logrus.Fields{
		"action": pc.action,
		"id":     pc.id,
	}).Debug("Sending OCPP call")

	select {
	case s.send <- pc.frame:
	default:
		// The writer has stalled badly; drop the connection and let the
		// reconnect loop recover.
		s.logger.Error("OCPP send buffer full, closing connection")
		if s.conn != nil {
			s.conn.Close()
		}
		return
	}
	pc.timer = time.AfterFunc(s.cfg.CallTimeout, func() { s.expire(pc.id) })
}

// expire times out the outstanding call if it is still unanswered.
func (s *Session) expire(id string) {
	s.mu.Lock()
	if len(s.queue) == 0 || s.queue[0].id != id {
		s.mu.Unlock()
		return
	}
	pc := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.dispatchLocked(s.queue[0])
	}
	s.mu.Unlock()

	s.logger.WithField("action", pc.action).Warn("OCPP call timed out")
	if pc.cb != nil {
		pc.cb(nil, ErrCallTimeout)
	}
}

func (s *Session) handleFrame(data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		s.logger.WithError(err).Warn("Discarding unparseable OCPP frame")
		return
	}

	switch f.MessageType {
	case MessageTypeCall:
		s.handleInbound(f)
	case MessageTypeCallResult, MessageTypeCallError:
		s.resolve(f)
	}
}

// resolve matches a CALLRESULT or CALLERROR against the outstanding call.
func (s *Session) resolve(f *Frame) {
	s.mu.Lock()
	if len(s.queue) == 0 || s.queue[0].id != f.UniqueID {
		s.mu.Unlock()
		s.logger.WithField("id", f.UniqueID).Warn("Response does not match outstanding call")
		return
	}
	pc := s.queue[0]
	s.queue = s.queue[1:]
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if len(s.queue) > 0 {
		s.dispatchLocked(s.queue[0])
	}
	s.mu.Unlock()

	if pc.cb == nil {
		return
	}
	if f.MessageType == MessageTypeCallError {
		pc.cb(nil, &RemoteError{Code: f.ErrorCode, Description: f.ErrorDescription})
		return
	}
	pc.cb(f.Payload, nil)
}

// handleInbound decodes a central system command and hands it to the
// handler together with a single-use responder.
func (s *Session) handleInbound(f *Frame) {
	respond := s.responder(f.UniqueID)

	s.logger.WithFields(logrus.Fields{
		"action": f.Action,
		"id":     f.UniqueID,
	}).Debug("Central system call received")

	switch f.Action {
	case ActionRemoteStartTransaction:
		var req RemoteStartTransactionRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			respond(nil, &CallError{CallErrFormationViolation, "invalid RemoteStartTransaction payload"})
			return
		}
		s.handler.OnRemoteStartTransaction(&req, respond)

	case ActionRemoteStopTransaction:
		var req RemoteStopTransactionRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			respond(nil, &CallError{CallErrFormationViolation, "invalid RemoteStopTransaction payload"})
			return
		}
		s.handler.OnRemoteStopTransaction(&req, respond)

	case ActionSetChargingProfile:
		var req SetChargingProfileRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			respond(nil, &CallError{CallErrFormationViolation, "invalid SetChargingProfile payload"})
			return
		}
		s.handler.OnSetChargingProfile(&req, respond)

	case ActionReset:
		var req ResetRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			respond(nil, &CallError{CallErrFormationViolation, "invalid Reset payload"})
			return
		}
		s.handler.OnReset(&req, respond)

	default:
		respond(nil, &CallError{CallErrNotImplemented, fmt.Sprintf("action %s not implemented", f.Action)})
	}
}

// responder builds the single-use answer function for an inbound call.
func (s *Session) responder(id string) RespondFunc {
	var once sync.Once
	return func(result interface{}, callErr *CallError) {
		once.Do(func() {
			var frame []byte
			var err error
			if callErr != nil {
				frame, err = MarshalCallError(id, callErr.Code, callErr.Description)
			} else {
				frame, err = MarshalCallResult(id, result)
			}
			if err != nil {
				s.logger.WithError(err).Error("Failed to marshal OCPP response")
				return
			}
			s.sendBytes(frame)
		})
	}
}

func (s *Session) sendBytes(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		s.logger.Debug("Dropping OCPP response, not connected")
		return
	}
	select {
	case s.send <- frame:
	default:
		s.logger.Error("OCPP send buffer full, closing connection")
		if s.conn != nil {
			s.conn.Close()
		}
	}
}

// ---- typed senders used by the reconciliation engine ----

// MeterSample is one meter reading destined for a MeterValues call.
type MeterSample struct {
	Timestamp time.Time
	PowerW    float64
	CurrentA  float64
	OfferedA  int
	SessionWh float64
	TotalWh   float64
	SoC       float64
	VoltageV  float64
}

// SendStatusNotification reports the connector status. Fire and forget;
// failures are logged.
func (s *Session) SendStatusNotification(status connector.Status, errorCode string) {
	req := StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   errorCode,
		Status:      string(status),
		Timestamp:   time.Now().UTC(),
	}
	s.Call(ActionStatusNotification, req, func(_ json.RawMessage, err error) {
		if err != nil {
			s.logger.WithError(err).Warn("StatusNotification not acknowledged")
		}
	})
}

// SendAuthorize asks the central system to authorize an idTag.
func (s *Session) SendAuthorize(idTag string, cb func(accepted bool, err error)) {
	s.Call(ActionAuthorize, AuthorizeRequest{IdTag: idTag}, func(payload json.RawMessage, err error) {
		if err != nil {
			cb(false, err)
			return
		}
		var resp AuthorizeResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			cb(false, err)
			return
		}
		cb(resp.IdTagInfo.Status == AuthorizationAccepted, nil)
	})
}

// SendStartTransaction opens a transaction with the central system.
func (s *Session) SendStartTransaction(idTag string, meterStartWh int64, startedAt time.Time, cb func(txID int, accepted bool, err error)) {
	req := StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  meterStartWh,
		Timestamp:   startedAt.UTC(),
	}
	s.Call(ActionStartTransaction, req, func(payload json.RawMessage, err error) {
		if err != nil {
			cb(0, false, err)
			return
		}
		var resp StartTransactionResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			cb(0, false, err)
			return
		}
		cb(resp.TransactionId, resp.IdTagInfo.Status == AuthorizationAccepted, nil)
	})
}

// SendStopTransaction closes a transaction. Fire and forget.
func (s *Session) SendStopTransaction(txID int, meterStopWh int64, stoppedAt time.Time, reason string) {
	req := StopTransactionRequest{
		TransactionId: txID,
		MeterStop:     meterStopWh,
		Timestamp:     stoppedAt.UTC(),
		Reason:        reason,
	}
	s.Call(ActionStopTransaction, req, func(_ json.RawMessage, err error) {
		if err != nil {
			s.logger.WithError(err).Warn("StopTransaction not acknowledged")
		}
	})
}

// SendMeterValues reports a meter sample. Fire and forget.
func (s *Session) SendMeterValues(txID int, sample MeterSample) {
	values := []SampledValue{
		{Value: formatValue(sample.PowerW), Context: "Sample.Periodic", Format: "Raw", Measurand: MeasurandPowerImport, Unit: "W"},
		{Value: formatValue(sample.CurrentA), Measurand: MeasurandCurrentImport, Unit: "A"},
		{Value: strconv.Itoa(sample.OfferedA), Measurand: MeasurandCurrentOffered, Unit: "A"},
		{Value: formatValue(sample.TotalWh), Measurand: MeasurandEnergyRegister, Unit: "Wh"},
		{Value: formatValue(sample.SessionWh), Measurand: MeasurandEnergyInterval, Unit: "Wh"},
	}
	if sample.VoltageV > 0 {
		values = append(values, SampledValue{Value: formatValue(sample.VoltageV), Measurand: MeasurandVoltage, Unit: "V"})
	}
	if sample.SoC > 0 {
		values = append(values, SampledValue{Value: formatValue(sample.SoC), Measurand: MeasurandSoC, Unit: "Percent"})
	}

	req := MeterValuesRequest{
		ConnectorId: connectorID,
		MeterValue: []MeterValue{{
			Timestamp:    sample.Timestamp.UTC(),
			SampledValue: values,
		}},
	}
	if txID != 0 {
		req.TransactionId = &txID
	}
	s.Call(ActionMeterValues, req, func(_ json.RawMessage, err error) {
		if err != nil {
			s.logger.WithError(err).Warn("MeterValues not acknowledged")
		}
	})
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
