package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/bus"
	"github.com/evbridge/ocpp2car/internal/connector"
	"github.com/evbridge/ocpp2car/internal/state"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func startServer(t *testing.T) (*bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New()
	s := NewServer(b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return b, srv
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestVitalsUnavailableBeforeFirstPublication(t *testing.T) {
	_, srv := startServer(t)

	resp := get(t, srv.URL+"/api/1/vitals")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body["status"] != "offline" {
		t.Errorf("error body %v, want status offline", body)
	}
}

func TestVitalsServedOnceConnected(t *testing.T) {
	b, srv := startServer(t)

	b.Publish(&state.Vitals{
		Status:          connector.StatusCharging,
		EVSEState:       state.EVSECharging,
		PowerW:          3500,
		SessionEnergyWh: 600,
		OCPPConnected:   true,
		UpdatedAt:       time.Now(),
	})

	deadline := time.Now().Add(time.Second)
	var resp *http.Response
	for time.Now().Before(deadline) {
		resp = get(t, srv.URL+"/api/1/vitals")
		if resp.StatusCode == http.StatusOK {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header %q, want *", got)
	}

	var v state.Vitals
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding vitals: %v", err)
	}
	if v.Status != connector.StatusCharging || v.PowerW != 3500 {
		t.Errorf("unexpected vitals %+v", v)
	}
}

func TestVitalsUnavailableWhileOCPPDown(t *testing.T) {
	b, srv := startServer(t)

	b.Publish(&state.Vitals{Status: connector.StatusAvailable, OCPPConnected: false, UpdatedAt: time.Now()})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp := get(t, srv.URL+"/api/1/vitals")
		if resp.StatusCode == http.StatusServiceUnavailable {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("vitals endpoint never reported 503 while OCPP was down")
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := startServer(t)

	resp, err := http.Post(srv.URL+"/api/1/vitals", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := startServer(t)

	resp := get(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
}
