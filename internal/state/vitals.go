// Package state defines the vitals document shared between the engine, the
// local HTTP endpoint and the MQTT mirror.
package state

import (
	"time"

	"github.com/evbridge/ocpp2car/internal/connector"
)

// Vitals is a point-in-time view of the bridge. The engine publishes a fresh
// copy after every event it processes; consumers never mutate it.
type Vitals struct {
	Status    connector.Status `json:"status"`
	ErrorCode string           `json:"error_code"`
	EVSEState int              `json:"evse_state"`

	VehicleConnected bool    `json:"vehicle_connected"`
	ContactorClosed  bool    `json:"contactor_closed"`
	VehicleCurrentA  float64 `json:"vehicle_current_a"`
	CurrentRequestA  int     `json:"current_request_a"`
	PowerW           float64 `json:"power_w"`
	BatteryPercent   float64 `json:"battery_percent"`

	TransactionID   int     `json:"transaction_id"`
	SessionS        int64   `json:"session_s"`
	SessionEnergyWh float64 `json:"session_energy_wh"`
	TotalEnergyWh   float64 `json:"total_energy_wh"`

	OCPPConnected  bool      `json:"ocpp_connected"`
	TelemetryStale bool      `json:"telemetry_stale"`
	UptimeS        int64     `json:"uptime_s"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EVSE state codes as exposed on the vitals endpoint.
const (
	EVSEUnknown  = 0
	EVSEDisabled = 1
	EVSEReady    = 2
	EVSECharging = 3
	EVSEError    = 4
)

// EVSEStateOf maps a connector status to the numeric EVSE state.
func EVSEStateOf(status connector.Status) int {
	switch status {
	case connector.StatusCharging:
		return EVSECharging
	case connector.StatusSuspendedEVSE:
		return EVSEDisabled
	case connector.StatusFaulted:
		return EVSEError
	case connector.StatusAvailable, connector.StatusPreparing,
		connector.StatusSuspendedEV, connector.StatusFinishing:
		return EVSEReady
	default:
		return EVSEUnknown
	}
}
