package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a minimal server config into a temp dir and points
// FLEETMON_CONFIG at it.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := fmt.Sprintf(`
server:
  id: test-server
  device_timeout: 60
  sweep_interval: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

history:
  enabled: true
  retention_days: 7

logging:
  level: error
  format: text
  output: stderr
%s`, filepath.Join(dir, "fleetmon.db"), extra)

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("FLEETMON_CONFIG", path)
	return dir
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("FLEETMON_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

func TestRun_BrokerUnreachable(t *testing.T) {
	dir := writeConfig(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail when the broker refuses connections")
	}
	if !strings.Contains(err.Error(), "starting fleet server") {
		t.Errorf("error = %v, want fleet start failure", err)
	}

	// History was opened and migrated before the broker was tried.
	if _, statErr := os.Stat(filepath.Join(dir, "fleetmon.db")); statErr != nil {
		t.Errorf("database file not created: %v", statErr)
	}
}

func TestRun_APIPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	writeConfig(t, fmt.Sprintf(`
api:
  enabled: true
  host: "127.0.0.1"
  port: %d

security:
  jwt:
    secret: "test-secret-key-at-least-32-characters-long"
`, port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = run(ctx)
	if err == nil {
		t.Fatal("run() should fail when the API port is taken")
	}
	if !strings.Contains(err.Error(), "starting API server") {
		t.Errorf("error = %v, want API start failure", err)
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("FLEETMON_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	t.Setenv("FLEETMON_CONFIG", "/etc/fleetmon/config.yaml")
	if got := getConfigPath(); got != "/etc/fleetmon/config.yaml" {
		t.Errorf("getConfigPath() = %q, want /etc/fleetmon/config.yaml", got)
	}
}
