package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/evbridge/ocpp2car/internal/app"
	"github.com/evbridge/ocpp2car/internal/config"
	"github.com/evbridge/ocpp2car/internal/mqtt"
	"github.com/evbridge/ocpp2car/internal/transmission"
	"github.com/evbridge/ocpp2car/internal/vehicle"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	// A .env file, when present, feeds the OCPP2CAR_* fallbacks in parseFlags.
	_ = godotenv.Load()

	cfg := parseFlags()

	logger := setupLogger(cfg.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":         version,
		"charge_point_id": cfg.ChargePointID,
		"ocpp_url":        cfg.OCPPUrl,
		"poll_active":     config.PollActiveInterval,
		"poll_idle":       config.PollIdleInterval,
		"amps":            fmt.Sprintf("%d-%d", cfg.MinAmps, cfg.MaxAmps),
	}).Info("Starting OCPP2CAR")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Vehicle API client -----------------------------------------------------
	vehicleClient := vehicle.NewTeslaClient(
		cfg.VehicleAPIURL, cfg.VehicleToken, cfg.VehicleID, cfg.GetAPITimeout(), logger)

	// Home Assistant mirror ----------------------------------------------------
	// A nil interface (not a typed nil pointer) signals "no mirror" to app.Run.
	var mqttTx transmission.Transmitter
	if cfg.HasMQTT() {
		mqttClient, err := mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		mqttTx = transmission.NewMQTTTransmitter(mqttClient, cfg.DiscoveryPrefix, logger)
		logger.Info("MQTT transmitter ready")
	} else {
		logger.Info("MQTT not configured; vitals stay local")
	}

	// Run application ------------------------------------------------------------
	if err := app.Run(ctx, cfg, vehicleClient, mqttTx, logger); err != nil {
		logger.WithError(err).Error("Bridge exited with error")
	}
	logger.Info("OCPP2CAR stopped")
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() *config.Config {
	cfg := config.GetDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.StringVar(&cfg.OCPPUrl, "ocpp-url", getEnv("OCPP2CAR_OCPP_URL", cfg.OCPPUrl), "Central system WebSocket URL (ws:// or wss://)")
	flag.StringVar(&cfg.ChargePointID, "charge-point-id", getEnv("OCPP2CAR_CHARGE_POINT_ID", cfg.ChargePointID), "Charge point identity")
	flag.StringVar(&cfg.IDTag, "id-tag", getEnv("OCPP2CAR_ID_TAG", cfg.IDTag), "Authorization tag for locally observed sessions")
	flag.StringVar(&cfg.VehicleAPIURL, "vehicle-api-url", getEnv("OCPP2CAR_VEHICLE_API_URL", cfg.VehicleAPIURL), "Vehicle cloud API base URL")
	flag.StringVar(&cfg.VehicleToken, "vehicle-token", getEnv("OCPP2CAR_VEHICLE_TOKEN", cfg.VehicleToken), "Vehicle API bearer token")
	flag.StringVar(&cfg.VehicleID, "vehicle-id", getEnv("OCPP2CAR_VEHICLE_ID", cfg.VehicleID), "Vehicle identifier within the account")
	flag.IntVar(&cfg.APITimeout, "api-timeout", getEnvInt("OCPP2CAR_API_TIMEOUT", cfg.APITimeout), "Vehicle API timeout in seconds")
	flag.IntVar(&cfg.MinAmps, "min-amps", getEnvInt("OCPP2CAR_MIN_AMPS", cfg.MinAmps), "Lowest accepted charging setpoint")
	flag.IntVar(&cfg.MaxAmps, "max-amps", getEnvInt("OCPP2CAR_MAX_AMPS", cfg.MaxAmps), "Highest accepted charging setpoint")
	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", getEnv("OCPP2CAR_MQTT_URL", cfg.MQTTUrl), "MQTT URL (optional)")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", getEnv("OCPP2CAR_DISCOVERY_PREFIX", cfg.DiscoveryPrefix), "HA discovery prefix")
	flag.StringVar(&cfg.StatusAPIAddr, "status-api-addr", getEnv("OCPP2CAR_STATUS_API_ADDR", cfg.StatusAPIAddr), "Local vitals listen address (empty disables)")
	flag.StringVar(&cfg.DeviceID, "device-id", getEnv("OCPP2CAR_DEVICE_ID", cfg.DeviceID), "Device identifier")
	flag.BoolVar(&cfg.Verbose, "verbose", getEnv("OCPP2CAR_VERBOSE", "false") == "true", "Verbose logging")

	flag.Parse()

	if *showVersion {
		fmt.Printf("ocpp2car %s\n", version)
		os.Exit(0)
	}

	// The charge point identity doubles as the MQTT device identity unless
	// the operator picks one explicitly.
	if cfg.DeviceID == "" {
		cfg.DeviceID = cfg.ChargePointID
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
