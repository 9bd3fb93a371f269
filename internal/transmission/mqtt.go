package transmission

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/evbridge/ocpp2car/internal/mqtt"
	"github.com/evbridge/ocpp2car/internal/state"
)

// MQTTTransmitter mirrors bridge vitals to an MQTT broker with Home
// Assistant discovery
type MQTTTransmitter struct {
	client            *mqtt.Client
	discoveryPrefix   string
	logger            *logrus.Logger
	publishedEntities map[string]bool // Tracks published discovery configs
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// EntityConfig defines the discovery configuration for one vitals field
type EntityConfig struct {
	Name        string
	EntityID    string // snake_case key in the vitals JSON
	EntityType  string // "sensor" or "binary_sensor"
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
	Category    string
}

// vitalsEntities lists every vitals field exposed to Home Assistant. The
// EntityID doubles as the value_template key, so it must match the JSON tag
// on state.Vitals.
var vitalsEntities = []EntityConfig{
	{Name: "Connector Status", EntityID: "status", EntityType: "sensor", Icon: "mdi:ev-station"},
	{Name: "Vehicle Connected", EntityID: "vehicle_connected", EntityType: "binary_sensor", DeviceClass: "plug"},
	{Name: "Charging", EntityID: "contactor_closed", EntityType: "binary_sensor", DeviceClass: "battery_charging"},
	{Name: "Charging Current", EntityID: "vehicle_current_a", EntityType: "sensor", DeviceClass: "current", Unit: "A", StateClass: "measurement"},
	{Name: "Current Setpoint", EntityID: "current_request_a", EntityType: "sensor", DeviceClass: "current", Unit: "A", StateClass: "measurement"},
	{Name: "Charging Power", EntityID: "power_w", EntityType: "sensor", DeviceClass: "power", Unit: "W", StateClass: "measurement"},
	{Name: "Vehicle Battery", EntityID: "battery_percent", EntityType: "sensor", DeviceClass: "battery", Unit: "%", StateClass: "measurement"},
	{Name: "Session Energy", EntityID: "session_energy_wh", EntityType: "sensor", DeviceClass: "energy", Unit: "Wh", StateClass: "total"},
	{Name: "Total Energy", EntityID: "total_energy_wh", EntityType: "sensor", DeviceClass: "energy", Unit: "Wh", StateClass: "total_increasing"},
	{Name: "Transaction ID", EntityID: "transaction_id", EntityType: "sensor", Category: "diagnostic"},
	{Name: "EVSE State", EntityID: "evse_state", EntityType: "sensor", Category: "diagnostic"},
	{Name: "OCPP Connected", EntityID: "ocpp_connected", EntityType: "binary_sensor", DeviceClass: "connectivity", Category: "diagnostic"},
	{Name: "Telemetry Stale", EntityID: "telemetry_stale", EntityType: "binary_sensor", DeviceClass: "problem", Category: "diagnostic"},
	{Name: "Session Duration", EntityID: "session_s", EntityType: "sensor", DeviceClass: "duration", Unit: "s", Category: "diagnostic"},
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client *mqtt.Client, discoveryPrefix string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:            client,
		discoveryPrefix:   discoveryPrefix,
		logger:            logger,
		publishedEntities: make(map[string]bool),
	}
}

// valueTemplate renders the vitals JSON field for an entity. Binary sensors
// need the ON/OFF mapping, everything else falls back to a zero default.
func valueTemplate(e EntityConfig) string {
	if e.EntityType == "binary_sensor" {
		return fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", e.EntityID)
	}
	if e.EntityID == "status" {
		return "{{ value_json.status }}"
	}
	return fmt.Sprintf("{{ value_json.%s | default(0) }}", e.EntityID)
}

// publishDiscoveryForEntity publishes the discovery config for a single
// entity, once per process lifetime.
func (t *MQTTTransmitter) publishDiscoveryForEntity(entity EntityConfig, device HADevice) error {
	uniqueID := fmt.Sprintf("%s_%s", t.client.GetDeviceID(), entity.EntityID)
	if t.publishedEntities[uniqueID] {
		return nil
	}

	config := HADiscoveryConfig{
		Name:              entity.Name,
		UniqueID:          uniqueID,
		StateTopic:        t.client.GetStateTopic(),
		ValueTemplate:     valueTemplate(entity),
		AvailabilityTopic: t.client.GetAvailabilityTopic(),
		Device:            device,
	}

	if entity.DeviceClass != "" {
		config.DeviceClass = entity.DeviceClass
	}
	if entity.Unit != "" {
		config.UnitOfMeasurement = entity.Unit
	}
	if entity.Icon != "" {
		config.Icon = entity.Icon
	}
	if entity.StateClass != "" {
		config.StateClass = entity.StateClass
	}
	if entity.Category != "" {
		config.EntityCategory = entity.Category
	}

	topic := t.client.GetDiscoveryTopic(t.discoveryPrefix, entity.EntityType, entity.EntityID)
	if err := t.publishConfigRaw(topic, config); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", entity.Name, err)
	}

	t.logger.WithFields(logrus.Fields{
		"entity_name": entity.Name,
		"entity_id":   entity.EntityID,
		"topic":       topic,
	}).Info("Published entity discovery config")

	t.publishedEntities[uniqueID] = true
	return nil
}

// publishDiscoveryConfigs ensures every exposed entity has its discovery
// config on the broker.
func (t *MQTTTransmitter) publishDiscoveryConfigs() error {
	device := HADevice{
		Identifiers:  []string{fmt.Sprintf("ocpp2car_%s", t.client.GetDeviceID())},
		Name:         "OCPP Vehicle Bridge",
		Model:        "ocpp2car",
		Manufacturer: "evbridge",
		SWVersion:    "1.0.0",
	}

	for _, entity := range vitalsEntities {
		if err := t.publishDiscoveryForEntity(entity, device); err != nil {
			t.logger.WithError(err).WithField("entity", entity.Name).Error("Failed to publish discovery config")
			// Continue to the next entity
		}
	}
	return nil
}

// publishConfigRaw publishes a raw configuration object
func (t *MQTTTransmitter) publishConfigRaw(topic string, config interface{}) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish discovery config to %s: %w", topic, err)
	}

	return nil
}

// Transmit sends the vitals document to MQTT
func (t *MQTTTransmitter) Transmit(v *state.Vitals) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	// Publish discovery configs if it hasn't been done
	if err := t.publishDiscoveryConfigs(); err != nil {
		// Log error but don't block transmission
		t.logger.WithError(err).Error("Failed to publish Home Assistant discovery configs")
	}

	if err := t.publishVitals(v); err != nil {
		return fmt.Errorf("failed to publish vitals: %w", err)
	}

	if err := t.client.PublishAvailability(true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	t.logger.Debug("Vitals transmitted successfully")
	return nil
}

// publishVitals publishes the vitals document to the state topic. The JSON
// tags on state.Vitals are the entity value_template keys.
func (t *MQTTTransmitter) publishVitals(v *state.Vitals) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vitals: %w", err)
	}

	topic := t.client.GetStateTopic()
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish vitals to %s: %w", topic, err)
	}

	t.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("Published vitals")

	return nil
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
