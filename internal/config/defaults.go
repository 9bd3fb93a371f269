package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/evbridge/ocpp2car/internal/config.

const (
	// Telemetry polling cadence
	PollActiveInterval = 10 * time.Second // Vehicle poll while a session is active
	PollIdleInterval   = 60 * time.Second // Vehicle poll while idle or faulted

	// Command scheduling
	CommandCooldown = 5 * time.Second   // Minimum gap between completed vehicle commands
	BackoffBase     = 10 * time.Second  // First retry delay after a throttled or unreachable call
	BackoffCap      = 120 * time.Second // Upper bound for the retry delay
	FaultThreshold  = 5                 // Consecutive unreachable failures before Faulted

	// Reporting intervals
	MeterReportInterval  = 60 * time.Second // MeterValues cadence during a session
	MQTTTransmitInterval = 60 * time.Second // Publish vitals to MQTT

	// Operation time-outs (to avoid blocking goroutines)
	VehicleCommandTimeout = 20 * time.Second // Single vehicle command call
	OCPPCallTimeout       = 30 * time.Second // Outstanding OCPP call awaiting a result

	// OCPP session
	HeartbeatFallback = 300 * time.Second // Used until BootNotification supplies an interval
	ReconnectDelayMin = 2 * time.Second   // First reconnect attempt after a dropped socket
	ReconnectDelayMax = 60 * time.Second  // Upper bound for reconnect delays

	// Setpoint bounds
	DefaultMinAmps = 6 // J1772 minimum pilot current
	DefaultMaxAmps = 32
)

// Identity presented to the central system in BootNotification. The bridge
// impersonates the wall connector it replaces.
const (
	ChargePointVendor = "Tesla"
	ChargePointModel  = "Wall Connector 3"
	FirmwareVersion   = "1.0.0"
)
