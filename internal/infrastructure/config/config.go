package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for fleetmon.
// Both binaries (server and device) read the same file; each uses the sections it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig contains fleet server settings.
type ServerConfig struct {
	ID string `yaml:"id"`

	// DeviceTimeout is the silence (seconds) after which a device is swept offline.
	DeviceTimeout int `yaml:"device_timeout"`

	// SweepInterval is how often (seconds) the liveness sweep runs.
	SweepInterval int `yaml:"sweep_interval"`

	// CommandTimeout is how long (seconds) a command may stay pending before it
	// is reported as abandoned. 0 keeps pending commands forever.
	CommandTimeout int `yaml:"command_timeout"`

	// ReconnectInterval is the broker retry interval (seconds).
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// DeviceConfig contains device agent settings.
type DeviceConfig struct {
	ID                string `yaml:"id"`
	Type              string `yaml:"type"`
	StatusInterval    int    `yaml:"status_interval"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	ReconnectInterval int    `yaml:"reconnect_interval"`

	// Simulate enables random sensor readings and status flips.
	Simulate         bool `yaml:"simulate"`
	SimulateInterval int  `yaml:"simulate_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
// TLS and Auth are independently optional.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig `yaml:"broker"`
	TLS       MQTTTLSConfig    `yaml:"tls"`
	Auth      MQTTAuthConfig   `yaml:"auth"`
	KeepAlive int              `yaml:"keepalive"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

// MQTTTLSConfig contains transport security settings for the broker connection.
type MQTTTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// VerifyPeer disables certificate verification entirely when false.
	VerifyPeer bool `yaml:"verify_peer"`

	// VerifyHostname disables only the server name check when false.
	VerifyHostname bool `yaml:"verify_hostname"`

	// ServerName overrides the name used for SNI and hostname verification.
	ServerName string `yaml:"server_name"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProtocolConfig selects the payload encoding used on the wire.
type ProtocolConfig struct {
	Codec string `yaml:"codec"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig controls the SQLite audit trail.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`

	// OperatorKey is exchanged for an operator token at POST /auth/token.
	OperatorKey string `yaml:"operator_key"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// AccessTokenTTL is the token lifetime in minutes.
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. .env file in the working directory, if present
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETMON_SECTION_KEY
// For example: FLEETMON_MQTT_HOST, FLEETMON_DEVICE_ID
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads .env into the process environment. A missing file is not an error.
// Variables already set in the environment win over the file.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ID:                "server1",
			DeviceTimeout:     300,
			SweepInterval:     30,
			CommandTimeout:    0,
			ReconnectInterval: 5,
		},
		Device: DeviceConfig{
			Type:              "sensor",
			StatusInterval:    60,
			HeartbeatInterval: 30,
			ReconnectInterval: 5,
			SimulateInterval:  10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			TLS: MQTTTLSConfig{
				VerifyPeer:     true,
				VerifyHostname: true,
			},
			KeepAlive: 60,
		},
		Protocol: ProtocolConfig{
			Codec: "json",
		},
		Database: DatabaseConfig{
			Path:        "./data/fleetmon.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Identity
	if v := os.Getenv("FLEETMON_SERVER_ID"); v != "" {
		cfg.Server.ID = v
	}
	if v := os.Getenv("FLEETMON_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("FLEETMON_DEVICE_TYPE"); v != "" {
		cfg.Device.Type = v
	}
	if v := os.Getenv("FLEETMON_DEVICE_SIMULATE"); v != "" {
		if simulate, err := strconv.ParseBool(v); err == nil {
			cfg.Device.Simulate = simulate
		}
	}

	// MQTT
	if v := os.Getenv("FLEETMON_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEETMON_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("FLEETMON_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEETMON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("FLEETMON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("FLEETMON_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("FLEETMON_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("FLEETMON_OPERATOR_KEY"); v != "" {
		cfg.Security.OperatorKey = v
	}
}

// minJWTSecretLength is the shortest accepted JWT signing secret.
const minJWTSecretLength = 32

// Validate checks the configuration for errors and security issues.
// Device-specific requirements are checked separately by ValidateDevice.
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Auth.Password != "" && c.MQTT.Auth.Username == "" {
		errs = append(errs, "mqtt.auth.username is required when a password is set")
	}
	if (c.MQTT.TLS.CertFile == "") != (c.MQTT.TLS.KeyFile == "") {
		errs = append(errs, "mqtt.tls.cert_file and mqtt.tls.key_file must be set together")
	}

	switch strings.ToLower(c.Protocol.Codec) {
	case "", "json", "cbor":
	default:
		errs = append(errs, "protocol.codec must be json or cbor")
	}

	if c.Server.DeviceTimeout <= 0 {
		errs = append(errs, "server.device_timeout must be positive")
	}
	if c.Server.SweepInterval <= 0 {
		errs = append(errs, "server.sweep_interval must be positive")
	}
	if c.Server.CommandTimeout < 0 {
		errs = append(errs, "server.command_timeout must not be negative")
	}

	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set FLEETMON_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateDevice checks the settings a device agent needs.
func (c *Config) ValidateDevice() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required (set FLEETMON_DEVICE_ID)")
	} else if strings.ContainsAny(c.Device.ID, "/+#") {
		errs = append(errs, "device.id must not contain '/', '+' or '#'")
	}
	if c.Device.StatusInterval <= 0 {
		errs = append(errs, "device.status_interval must be positive")
	}
	if c.Device.HeartbeatInterval <= 0 {
		errs = append(errs, "device.heartbeat_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// seconds converts an integer seconds setting to a Duration.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetDeviceTimeout returns the liveness timeout.
func (c *Config) GetDeviceTimeout() time.Duration { return seconds(c.Server.DeviceTimeout) }

// GetSweepInterval returns the liveness sweep interval.
func (c *Config) GetSweepInterval() time.Duration { return seconds(c.Server.SweepInterval) }

// GetCommandTimeout returns the pending command expiry, or 0 for none.
func (c *Config) GetCommandTimeout() time.Duration { return seconds(c.Server.CommandTimeout) }

// GetServerReconnectInterval returns the server's broker retry interval.
func (c *Config) GetServerReconnectInterval() time.Duration {
	return seconds(c.Server.ReconnectInterval)
}

// GetDeviceReconnectInterval returns the device's broker retry interval.
func (c *Config) GetDeviceReconnectInterval() time.Duration {
	return seconds(c.Device.ReconnectInterval)
}

// GetStatusInterval returns the device status report interval.
func (c *Config) GetStatusInterval() time.Duration { return seconds(c.Device.StatusInterval) }

// GetHeartbeatInterval returns the device heartbeat interval.
func (c *Config) GetHeartbeatInterval() time.Duration { return seconds(c.Device.HeartbeatInterval) }

// GetSimulateInterval returns the simulator tick interval.
func (c *Config) GetSimulateInterval() time.Duration { return seconds(c.Device.SimulateInterval) }

// GetHistoryRetention returns how long audit rows are kept, or 0 to keep forever.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

// GetAccessTokenTTL returns the operator token lifetime.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}

// GetWebSocketPingInterval returns the interval between server pings.
func (c *Config) GetWebSocketPingInterval() time.Duration { return seconds(c.WebSocket.PingInterval) }

// GetWebSocketPongTimeout returns how long a client may stay silent after a ping.
func (c *Config) GetWebSocketPongTimeout() time.Duration { return seconds(c.WebSocket.PongTimeout) }

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration { return seconds(c.API.Timeouts.Read) }

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration { return seconds(c.API.Timeouts.Idle) }
