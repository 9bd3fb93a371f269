package vehicle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evbridge/ocpp2car/internal/netutil"
	"github.com/sirupsen/logrus"
)

// TeslaClient drives a Tesla-style cloud vehicle API: one JSON document for
// telemetry, one command endpoint per verb, bearer-token auth. The vehicle is
// frequently asleep or throttled, which the error kinds reflect.
type TeslaClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	vehicleID  string
	logger     *logrus.Logger
}

// NewTeslaClient creates a vehicle API client. Polls and commands share one
// pooled transport so the short telemetry cadence reuses connections.
func NewTeslaClient(baseURL, token, vehicleID string, timeout time.Duration, logger *logrus.Logger) *TeslaClient {
	return &TeslaClient{
		httpClient: netutil.NewPollingClient(timeout),
		baseURL:    baseURL,
		token:      token,
		vehicleID:  vehicleID,
		logger:     logger,
	}
}

type chargeState struct {
	BatteryLevel         float64 `json:"battery_level"`
	ChargeAmps           int     `json:"charge_amps"`
	ChargeEnergyAdded    float64 `json:"charge_energy_added"`
	ChargerActualCurrent float64 `json:"charger_actual_current"`
	ChargerPower         float64 `json:"charger_power"`
	ChargerVoltage       float64 `json:"charger_voltage"`
	ChargingState        string  `json:"charging_state"`
	ConnChargeCable      string  `json:"conn_charge_cable"`
	Timestamp            int64   `json:"timestamp"`
}

type vehicleDataResponse struct {
	Response struct {
		ChargeState chargeState `json:"charge_state"`
	} `json:"response"`
}

type commandResponse struct {
	Response struct {
		Result bool   `json:"result"`
		Reason string `json:"reason"`
	} `json:"response"`
}

// ReadTelemetry fetches the vehicle's charge state and maps it to a Snapshot.
func (c *TeslaClient) ReadTelemetry(ctx context.Context) (*Snapshot, error) {
	var data vehicleDataResponse
	path := fmt.Sprintf("/api/1/vehicles/%s/vehicle_data", c.vehicleID)
	if err := c.do(ctx, http.MethodGet, path, nil, &data, "read_telemetry"); err != nil {
		return nil, err
	}

	cs := data.Response.ChargeState
	snap := &Snapshot{
		PluggedIn:      cs.ChargingState != "" && cs.ChargingState != "Disconnected",
		Charging:       cs.ChargingState == "Charging",
		ActualAmps:     cs.ChargerActualCurrent,
		RequestedAmps:  cs.ChargeAmps,
		PowerW:         cs.ChargerPower * 1000,
		VoltageV:       cs.ChargerVoltage,
		LifetimeWh:     cs.ChargeEnergyAdded * 1000,
		BatteryPercent: cs.BatteryLevel,
		UpdatedAt:      time.Now(),
	}

	c.logger.WithFields(logrus.Fields{
		"charging_state": cs.ChargingState,
		"actual_amps":    snap.ActualAmps,
		"power_w":        snap.PowerW,
	}).Debug("Vehicle telemetry fetched")

	return snap, nil
}

// SetChargingCurrent asks the vehicle to draw the given current.
func (c *TeslaClient) SetChargingCurrent(ctx context.Context, amps int) error {
	if amps < 1 {
		return NewError(ErrKindRejected, "set_charging_current", fmt.Errorf("amps must be positive, got %d", amps))
	}
	body := map[string]int{"charging_amps": amps}
	return c.command(ctx, "set_charging_amps", body, "set_charging_current")
}

// StartCharging asks the vehicle to begin (or resume) charging.
func (c *TeslaClient) StartCharging(ctx context.Context) error {
	return c.command(ctx, "charge_start", nil, "start_charging")
}

// StopCharging asks the vehicle to stop drawing current.
func (c *TeslaClient) StopCharging(ctx context.Context) error {
	return c.command(ctx, "charge_stop", nil, "stop_charging")
}

func (c *TeslaClient) command(ctx context.Context, name string, body any, op string) error {
	var resp commandResponse
	path := fmt.Sprintf("/api/1/vehicles/%s/command/%s", c.vehicleID, name)
	if err := c.do(ctx, http.MethodPost, path, body, &resp, op); err != nil {
		return err
	}
	if !resp.Response.Result {
		return NewError(ErrKindRejected, op, fmt.Errorf("vehicle refused: %s", resp.Response.Reason))
	}
	c.logger.WithField("command", name).Debug("Vehicle command accepted")
	return nil
}

func (c *TeslaClient) do(ctx context.Context, method, path string, body, out any, op string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return NewError(ErrKindUnknown, op, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return NewError(ErrKindUnknown, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewError(ErrKindUnreachable, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NewError(kind, op, fmt.Errorf("API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(slurp)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewError(ErrKindUnknown, op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes to failure kinds. The vehicle API
// reports an asleep or offline vehicle as 408 or 503.
func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status >= 200 && status < 300:
		return 0, false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrKindAuthExpired, true
	case status == http.StatusRequestTimeout || status == http.StatusServiceUnavailable:
		return ErrKindUnreachable, true
	case status == http.StatusTooManyRequests:
		return ErrKindRateLimited, true
	case status >= 500:
		return ErrKindUnreachable, true
	default:
		return ErrKindRejected, true
	}
}
