// fleetmon-server monitors a fleet of devices over MQTT.
//
// It tracks device liveness from status and heartbeat messages, issues
// correlated commands, records an audit trail in SQLite, optionally mirrors
// telemetry to InfluxDB and serves the operator REST/WebSocket API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/fleetmon/migrations"

	"github.com/nerrad567/fleetmon/internal/api"
	"github.com/nerrad567/fleetmon/internal/correlator"
	"github.com/nerrad567/fleetmon/internal/fleet"
	"github.com/nerrad567/fleetmon/internal/history"
	"github.com/nerrad567/fleetmon/internal/infrastructure/config"
	"github.com/nerrad567/fleetmon/internal/infrastructure/database"
	"github.com/nerrad567/fleetmon/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleetmon/internal/infrastructure/logging"
	"github.com/nerrad567/fleetmon/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleetmon/internal/protocol"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the server and blocks until ctx is cancelled.
// Components are torn down in reverse order by the deferred closes.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting fleetmon server",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version).With("component", "server", "server_id", cfg.Server.ID)
	log.Info("configuration loaded", "path", configPath)

	codec, err := protocol.CodecByName(cfg.Protocol.Codec)
	if err != nil {
		return fmt.Errorf("selecting codec: %w", err)
	}

	// Audit history (optional)
	var historyRepo history.Repository
	var recorder *history.Recorder
	if cfg.History.Enabled {
		db, openErr := database.Open(cfg.Database)
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", db.Path())

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")

		repo := history.NewSQLiteRepository(db.DB)
		historyRepo = repo
		recorder = history.NewRecorder(repo)
		recorder.SetLogger(log.With("component", "history"))
	} else {
		log.Info("history disabled")
	}

	// Telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Broker session and fleet server
	mqttCfg := cfg.MQTT
	if mqttCfg.Broker.ClientID == "" {
		mqttCfg.Broker.ClientID = "fleetmon-server-" + cfg.Server.ID
	}
	session := mqtt.New(mqttCfg)
	session.SetLogger(log.With("component", "mqtt"))

	fleetServer := fleet.NewServer(fleet.Config{
		DeviceTimeout:     cfg.GetDeviceTimeout(),
		SweepInterval:     cfg.GetSweepInterval(),
		CommandTimeout:    cfg.GetCommandTimeout(),
		ReconnectInterval: cfg.GetServerReconnectInterval(),
	}, session, codec)
	fleetServer.SetLogger(log.With("component", "fleet"))

	// Listeners go on before Start so the first status reports are seen.
	if recorder != nil {
		recorder.Attach(fleetServer)
		go recorder.RunRetention(ctx, cfg.GetHistoryRetention())
	}
	if influxClient != nil {
		fleetServer.OnDeviceStatus(func(change fleet.StatusChange) {
			d := change.Device
			influxClient.WriteDeviceStatus(d.DeviceID, d.Status, d.Properties, d.LastSeen)
		})
	}
	fleetServer.OnDeviceStatus(func(change fleet.StatusChange) {
		if change.Transitioned() {
			log.Info("device status changed",
				"device_id", change.Device.DeviceID,
				"status", change.Device.Status,
				"previous", change.Previous,
				"source", change.Source,
			)
		}
	})
	fleetServer.OnCommandExpired(func(cmd correlator.PendingCommand) {
		log.Warn("command expired without response",
			"command_id", cmd.CommandID,
			"device_id", cmd.DeviceID,
			"command_type", cmd.CommandType,
		)
	})

	// Operator API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Fleet:    fleetServer,
			History:  historyRepo,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		apiServer.Attach(fleetServer)
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := fleetServer.Start(); err != nil {
		session.Close() //nolint:errcheck // already failing
		return fmt.Errorf("starting fleet server: %w", err)
	}
	defer func() {
		log.Info("stopping fleet server")
		fleetServer.Stop()
	}()

	log.Info("fleetmon server started",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"codec", codec.Name(),
		"device_timeout", cfg.GetDeviceTimeout().String(),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// getConfigPath returns the configuration file path.
// Checks FLEETMON_CONFIG environment variable first, then uses default.
func getConfigPath() string {
	if path := os.Getenv("FLEETMON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
