package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// central is a scriptable fake central system. BootNotification is answered
// automatically; every other frame is delivered to the inbound channel.
type central struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	conn    *websocket.Conn
	wmu     sync.Mutex
	inbound chan *Frame
	boots   chan *Frame
}

func newCentral(t *testing.T) *central {
	c := &central{
		t:       t,
		inbound: make(chan *Frame, 32),
		boots:   make(chan *Frame, 4),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := ParseFrame(data)
			if err != nil {
				continue
			}
			if f.MessageType == MessageTypeCall && f.Action == ActionBootNotification {
				select {
				case c.boots <- f:
				default:
				}
				c.reply(f, BootNotificationResponse{
					Status:      RegistrationAccepted,
					CurrentTime: time.Now().UTC(),
					Interval:    300,
				})
				continue
			}
			select {
			case c.inbound <- f:
			case <-time.After(time.Second):
			}
		}
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *central) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

func (c *central) write(data []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.t.Fatal("no charge point connected")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Errorf("central write failed: %v", err)
	}
}

func (c *central) reply(f *Frame, payload interface{}) {
	data, err := MarshalCallResult(f.UniqueID, payload)
	if err != nil {
		c.t.Errorf("marshal reply: %v", err)
		return
	}
	c.write(data)
}

func (c *central) replyError(f *Frame, code, description string) {
	data, err := MarshalCallError(f.UniqueID, code, description)
	if err != nil {
		c.t.Errorf("marshal error reply: %v", err)
		return
	}
	c.write(data)
}

func (c *central) call(id, action string, payload interface{}) {
	data, err := MarshalCall(id, action, payload)
	if err != nil {
		c.t.Fatalf("marshal call: %v", err)
	}
	c.write(data)
}

func (c *central) expect(timeout time.Duration) *Frame {
	c.t.Helper()
	select {
	case f := <-c.inbound:
		return f
	case <-time.After(timeout):
		c.t.Fatal("expected a frame from the charge point")
		return nil
	}
}

// recordingHandler captures inbound commands and connectivity changes.
type recordingHandler struct {
	mu        sync.Mutex
	connected bool
	changes   []bool
	starts    []*RemoteStartTransactionRequest
	profiles  []*SetChargingProfileRequest
	responds  []RespondFunc
}

func (h *recordingHandler) OnRemoteStartTransaction(req *RemoteStartTransactionRequest, respond RespondFunc) {
	h.mu.Lock()
	h.starts = append(h.starts, req)
	h.responds = append(h.responds, respond)
	h.mu.Unlock()
}

func (h *recordingHandler) OnRemoteStopTransaction(req *RemoteStopTransactionRequest, respond RespondFunc) {
	respond(RemoteStopTransactionResponse{Status: RemoteStartStopRejected}, nil)
}

func (h *recordingHandler) OnSetChargingProfile(req *SetChargingProfileRequest, respond RespondFunc) {
	h.mu.Lock()
	h.profiles = append(h.profiles, req)
	h.responds = append(h.responds, respond)
	h.mu.Unlock()
}

func (h *recordingHandler) OnReset(req *ResetRequest, respond RespondFunc) {
	respond(ResetResponse{Status: ResetAccepted}, nil)
}

func (h *recordingHandler) OnConnectionChange(connected bool) {
	h.mu.Lock()
	h.connected = connected
	h.changes = append(h.changes, connected)
	h.mu.Unlock()
}

func (h *recordingHandler) isConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *recordingHandler) lastRespond() RespondFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.responds) == 0 {
		return nil
	}
	return h.responds[len(h.responds)-1]
}

func startSession(t *testing.T, c *central, h Handler) *Session {
	t.Helper()
	s := NewSession(Config{
		URL:             c.url(),
		ChargePointID:   "CP-1",
		Vendor:          "Tesla",
		Model:           "Wall Connector 3",
		FirmwareVersion: "1.0.0",
		CallTimeout:     500 * time.Millisecond,
		ReconnectMin:    20 * time.Millisecond,
		ReconnectMax:    100 * time.Millisecond,
	}, testLogger())
	s.SetHandler(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestSessionRegistersWithCentralSystem(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	startSession(t, c, h)

	select {
	case boot := <-c.boots:
		var req BootNotificationRequest
		if err := json.Unmarshal(boot.Payload, &req); err != nil {
			t.Fatalf("boot payload: %v", err)
		}
		if req.ChargePointVendor != "Tesla" || req.ChargePointModel != "Wall Connector 3" {
			t.Fatalf("unexpected boot identity %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BootNotification never arrived")
	}

	waitFor(t, 2*time.Second, "registration", h.isConnected)
}

func TestCallsAreSerializedInOrder(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	s := startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	s.SendStatusNotification("Available", ErrorCodeNoError)
	s.SendAuthorize("TAG-1", func(bool, error) {})

	first := c.expect(time.Second)
	if first.Action != ActionStatusNotification {
		t.Fatalf("expected StatusNotification first, got %s", first.Action)
	}

	// The second call must be withheld until the first is answered.
	select {
	case f := <-c.inbound:
		t.Fatalf("premature call %s before previous answer", f.Action)
	case <-time.After(50 * time.Millisecond):
	}

	c.reply(first, StatusNotificationResponse{})
	second := c.expect(time.Second)
	if second.Action != ActionAuthorize {
		t.Fatalf("expected Authorize second, got %s", second.Action)
	}
}

func TestStartTransactionCallback(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	s := startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	var (
		mu     sync.Mutex
		gotTx  int
		gotOK  bool
		called bool
	)
	s.SendStartTransaction("TAG-1", 1200, time.Now(), func(txID int, accepted bool, err error) {
		mu.Lock()
		gotTx, gotOK, called = txID, accepted, true
		mu.Unlock()
	})

	f := c.expect(time.Second)
	if f.Action != ActionStartTransaction {
		t.Fatalf("expected StartTransaction, got %s", f.Action)
	}
	var req StartTransactionRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if req.MeterStart != 1200 || req.IdTag != "TAG-1" || req.ConnectorId != 1 {
		t.Fatalf("unexpected request %+v", req)
	}

	c.reply(f, StartTransactionResponse{
		TransactionId: 777,
		IdTagInfo:     IdTagInfo{Status: AuthorizationAccepted},
	})

	waitFor(t, time.Second, "callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called
	})
	mu.Lock()
	defer mu.Unlock()
	if gotTx != 777 || !gotOK {
		t.Fatalf("expected tx 777 accepted, got %d %v", gotTx, gotOK)
	}
}

func TestCallErrorReachesCallback(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	s := startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	errCh := make(chan error, 1)
	s.Call(ActionAuthorize, AuthorizeRequest{IdTag: "TAG-1"}, func(_ json.RawMessage, err error) {
		errCh <- err
	})

	f := c.expect(time.Second)
	c.replyError(f, CallErrInternalError, "backend down")

	select {
	case err := <-errCh:
		var remote *RemoteError
		if !errors.As(err, &remote) || remote.Code != CallErrInternalError {
			t.Fatalf("expected remote InternalError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCallTimeoutReleasesQueue(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	s := startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	errCh := make(chan error, 1)
	s.Call(ActionAuthorize, AuthorizeRequest{IdTag: "TAG-1"}, func(_ json.RawMessage, err error) {
		errCh <- err
	})
	s.SendStatusNotification("Available", ErrorCodeNoError)

	// Swallow the Authorize and never answer it.
	if f := c.expect(time.Second); f.Action != ActionAuthorize {
		t.Fatalf("expected Authorize, got %s", f.Action)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCallTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	// The queued StatusNotification goes out after the timeout.
	if f := c.expect(time.Second); f.Action != ActionStatusNotification {
		t.Fatalf("expected StatusNotification after timeout, got %s", f.Action)
	}
}

func TestInboundRemoteStartDispatchedAndAnswered(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	c.call("srv-1", ActionRemoteStartTransaction, RemoteStartTransactionRequest{IdTag: "DRIVER-9"})

	waitFor(t, time.Second, "handler dispatch", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.starts) == 1
	})
	h.mu.Lock()
	idTag := h.starts[0].IdTag
	h.mu.Unlock()
	if idTag != "DRIVER-9" {
		t.Fatalf("unexpected idTag %q", idTag)
	}

	h.lastRespond()(RemoteStartTransactionResponse{Status: RemoteStartStopAccepted}, nil)

	f := c.expect(time.Second)
	if f.MessageType != MessageTypeCallResult || f.UniqueID != "srv-1" {
		t.Fatalf("unexpected answer %+v", f)
	}
	var resp RemoteStartTransactionResponse
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if resp.Status != RemoteStartStopAccepted {
		t.Fatalf("expected Accepted, got %s", resp.Status)
	}
}

func TestRespondIsSingleUse(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	c.call("srv-2", ActionSetChargingProfile, SetChargingProfileRequest{
		ConnectorId: 1,
		CsChargingProfiles: ChargingProfile{
			ChargingSchedule: ChargingSchedule{
				ChargingRateUnit:       RateUnitAmps,
				ChargingSchedulePeriod: []ChargingSchedulePeriod{{Limit: 16}},
			},
		},
	})

	waitFor(t, time.Second, "handler dispatch", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.profiles) == 1
	})

	respond := h.lastRespond()
	respond(SetChargingProfileResponse{Status: ChargingProfileAccepted}, nil)
	respond(nil, &CallError{CallErrInternalError, "should be ignored"})

	f := c.expect(time.Second)
	if f.MessageType != MessageTypeCallResult {
		t.Fatalf("first answer must win, got %+v", f)
	}

	select {
	case extra := <-c.inbound:
		t.Fatalf("second answer leaked: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedInboundPayloadAnswered(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	c.write([]byte(`[2,"srv-3","SetChargingProfile",["not","an","object"]]`))

	f := c.expect(time.Second)
	if f.MessageType != MessageTypeCallError || f.ErrorCode != CallErrFormationViolation {
		t.Fatalf("expected FormationViolation, got %+v", f)
	}
}

func TestUnknownActionAnsweredNotImplemented(t *testing.T) {
	c := newCentral(t)
	h := &recordingHandler{}
	startSession(t, c, h)
	waitFor(t, 2*time.Second, "registration", h.isConnected)

	c.call("srv-4", "UnlockConnector", map[string]int{"connectorId": 1})

	f := c.expect(time.Second)
	if f.MessageType != MessageTypeCallError || f.ErrorCode != CallErrNotImplemented {
		t.Fatalf("expected NotImplemented, got %+v", f)
	}
}

func TestCallWhileDisconnectedFailsFast(t *testing.T) {
	h := &recordingHandler{}
	s := NewSession(Config{URL: "ws://127.0.0.1:1", ChargePointID: "CP-1"}, testLogger())
	s.SetHandler(h)

	errCh := make(chan error, 1)
	s.Call(ActionHeartbeat, HeartbeatRequest{}, func(_ json.RawMessage, err error) {
		errCh <- err
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}
