// fleetmon-device runs one simulated fleet device.
//
// The device reports status and heartbeats to the fleet server over MQTT,
// answers commands and, with device.simulate enabled, produces random
// temperature and humidity readings.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/fleetmon/internal/agent"
	"github.com/nerrad567/fleetmon/internal/infrastructure/config"
	"github.com/nerrad567/fleetmon/internal/infrastructure/logging"
	"github.com/nerrad567/fleetmon/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleetmon/internal/protocol"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Demo device identity.
const (
	firmwareVersion = "1.0.0"
	deviceInfo      = "Sample IoT Device"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fleetmon device",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateDevice(); err != nil {
		return fmt.Errorf("validating device config: %w", err)
	}

	log = logging.New(cfg.Logging, version).With("component", "device", "device_id", cfg.Device.ID)
	log.Info("configuration loaded", "path", configPath)

	codec, err := protocol.CodecByName(cfg.Protocol.Codec)
	if err != nil {
		return fmt.Errorf("selecting codec: %w", err)
	}

	mqttCfg := cfg.MQTT
	if mqttCfg.Broker.ClientID == "" {
		mqttCfg.Broker.ClientID = "fleetmon-device-" + cfg.Device.ID
	}
	session := mqtt.New(mqttCfg)
	session.SetLogger(log.With("component", "mqtt"))

	dev, err := agent.New(agent.Config{
		DeviceID:          cfg.Device.ID,
		DeviceType:        cfg.Device.Type,
		StatusInterval:    cfg.GetStatusInterval(),
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		ReconnectInterval: cfg.GetDeviceReconnectInterval(),
	}, session, codec)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	dev.SetLogger(log)
	setupDemoDevice(dev, cfg.Device.Type, log)

	if err := dev.Start(); err != nil {
		session.Close() //nolint:errcheck // already failing
		return fmt.Errorf("starting agent: %w", err)
	}
	defer func() {
		log.Info("stopping device agent")
		dev.Stop()
	}()

	if cfg.Device.Simulate {
		sim := agent.NewSimulator(dev, cfg.GetSimulateInterval(), nil)
		sim.Start()
		defer sim.Stop()
		log.Info("simulation enabled", "interval", cfg.GetSimulateInterval().String())
	}

	log.Info("fleetmon device started",
		"device_type", cfg.Device.Type,
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"codec", codec.Name(),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// setupDemoDevice installs the demo property set and the restart and
// get_info handlers.
func setupDemoDevice(dev *agent.Agent, deviceType string, log agent.Logger) {
	dev.SetProperty("temperature", 25.0, "°C", true)
	dev.SetProperty("humidity", 50.0, "%", true)
	dev.SetProperty("firmware_version", firmwareVersion, "", false)
	dev.SetProperty("model", deviceType, "", false)

	dev.RegisterHandler("restart", restartHandler(log))
	dev.RegisterHandler("get_info", getInfoHandler(deviceType))
}

// restartHandler acknowledges a restart. The process keeps running.
func restartHandler(log agent.Logger) agent.CommandHandler {
	return func(string, map[string]any) agent.CommandResult {
		log.Info("restart command received")
		return agent.Success(map[string]any{"message": "Device restart initiated"})
	}
}

func getInfoHandler(deviceType string) agent.CommandHandler {
	return func(string, map[string]any) agent.CommandResult {
		return agent.Success(map[string]any{
			"device_info":      deviceInfo,
			"device_type":      deviceType,
			"firmware_version": firmwareVersion,
			"capabilities":     []string{"temperature_sensing", "humidity_sensing", "remote_control"},
		})
	}
}

// getConfigPath returns the configuration file path.
// Checks FLEETMON_CONFIG environment variable first, then uses default.
func getConfigPath() string {
	if path := os.Getenv("FLEETMON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
