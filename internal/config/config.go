package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration options for the OCPP2CAR bridge
type Config struct {
	// OCPP Configuration
	OCPPUrl       string `json:"ocpp_url"`        // Central system WebSocket URL
	ChargePointID string `json:"charge_point_id"` // Charge point identity presented to the central system
	IDTag         string `json:"id_tag"`          // Authorization tag used for locally observed sessions

	// Vehicle API Configuration
	VehicleAPIURL string `json:"vehicle_api_url"` // Vehicle cloud API base URL
	VehicleToken  string `json:"vehicle_token"`   // Bearer token for the vehicle API
	VehicleID     string `json:"vehicle_id"`      // Vehicle identifier within the account
	APITimeout    int    `json:"api_timeout"`     // Vehicle API request timeout in seconds (default: 8)

	// Charging limits
	MinAmps int `json:"min_amps"` // Lowest accepted charging setpoint
	MaxAmps int `json:"max_amps"` // Highest accepted charging setpoint

	// MQTT Configuration
	MQTTUrl         string `json:"mqtt_url"`         // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix string `json:"discovery_prefix"` // Home Assistant discovery prefix

	// Status API Configuration
	StatusAPIAddr string `json:"status_api_addr"` // Listen address for the local vitals endpoint

	// Device Configuration
	DeviceID string `json:"device_id"` // Unique device identifier

	// Application Configuration
	Verbose bool `json:"verbose"` // Enable verbose logging
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		ChargePointID:   "ocpp2car",
		IDTag:           "OCPP2CAR",
		DiscoveryPrefix: "homeassistant",
		DeviceID:        "", // Will be auto-generated
		StatusAPIAddr:   ":8900",
		Verbose:         false,

		APITimeout: 8,  // 8 second vehicle API timeout
		MinAmps:    DefaultMinAmps,
		MaxAmps:    DefaultMaxAmps,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Basic validation
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if c.ChargePointID == "" {
		return fmt.Errorf("charge point ID is required")
	}

	// OCPP validation - the central system speaks OCPP-J over WebSocket
	if c.OCPPUrl == "" {
		return fmt.Errorf("OCPP central system URL is required")
	}
	if !strings.HasPrefix(c.OCPPUrl, "ws://") && !strings.HasPrefix(c.OCPPUrl, "wss://") {
		return fmt.Errorf("OCPP URL must use supported protocol (ws:// or wss://)")
	}

	// Vehicle API validation
	if c.VehicleAPIURL == "" {
		return fmt.Errorf("vehicle API URL is required")
	}
	if c.VehicleToken == "" {
		return fmt.Errorf("vehicle API token is required")
	}
	if c.VehicleID == "" {
		return fmt.Errorf("vehicle ID is required")
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	// Setpoint bounds validation
	if c.MinAmps <= 0 {
		return fmt.Errorf("minimum amps must be positive")
	}
	if c.MaxAmps < c.MinAmps {
		return fmt.Errorf("maximum amps (%d) must not be below minimum amps (%d)", c.MaxAmps, c.MinAmps)
	}

	// Set defaults for invalid values
	if c.APITimeout <= 0 {
		c.APITimeout = 8 // Set default
	}

	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasStatusAPI returns true if the local vitals endpoint is configured
func (c *Config) HasStatusAPI() bool {
	return c.StatusAPIAddr != ""
}

// GetAPITimeout returns the vehicle API timeout as a duration
func (c *Config) GetAPITimeout() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}
