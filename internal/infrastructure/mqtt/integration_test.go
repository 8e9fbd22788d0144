//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetmon/internal/infrastructure/config"
)

// Integration tests for the broker session.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	return cfg
}

func connectSession(t *testing.T, clientID string) *Session {
	t.Helper()
	s := New(integrationConfig(clientID))
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	s := New(integrationConfig("fleetmon-int-connect"))

	var mu sync.Mutex
	var events []bool
	s.SetConnectionHandler(func(up bool) {
		mu.Lock()
		events = append(events, up)
		mu.Unlock()
	})

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !s.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("connection events = %v, want [true false]", events)
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("fleetmon-int-refused")
	cfg.Broker.Port = 19999

	s := New(cfg)
	defer s.Close()

	if err := s.Connect(); err == nil {
		t.Fatal("Connect() to closed port returned nil")
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after failed Connect")
	}
}

func TestIntegration_PublishSubscribeOrder(t *testing.T) {
	sub := connectSession(t, "fleetmon-int-sub")
	pub := connectSession(t, "fleetmon-int-pub")

	const total = 20
	received := make(chan string, total)
	sub.SetMessageHandler(func(_ string, payload []byte) error {
		received <- string(payload)
		return nil
	})

	topic := "fleetmon/int/order"
	if err := sub.Subscribe(topic, 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topic) {
		t.Error("HasSubscription() = false after Subscribe")
	}

	for i := 0; i < total; i++ {
		if err := pub.Publish(topic, []byte{byte('a' + i)}, 1, false); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	for i := 0; i < total; i++ {
		select {
		case got := <-received:
			if want := string([]byte{byte('a' + i)}); got != want {
				t.Fatalf("message %d = %q, want %q", i, got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestIntegration_PublishFromHandler(t *testing.T) {
	s := connectSession(t, "fleetmon-int-echo")

	echoed := make(chan struct{})
	s.SetMessageHandler(func(topic string, _ []byte) error {
		switch topic {
		case "fleetmon/int/ping":
			return s.Publish("fleetmon/int/pong", []byte("pong"), 1, false)
		case "fleetmon/int/pong":
			close(echoed)
		}
		return nil
	})

	if err := s.Subscribe("fleetmon/int/+", 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := s.Publish("fleetmon/int/ping", []byte("ping"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-echoed:
	case <-time.After(5 * time.Second):
		t.Fatal("publish from inside the handler did not complete")
	}
}

func TestIntegration_WillOnUncleanDrop(t *testing.T) {
	watcher := connectSession(t, "fleetmon-int-will-watch")

	got := make(chan []byte, 1)
	watcher.SetMessageHandler(func(_ string, payload []byte) error {
		got <- payload
		return nil
	})
	if err := watcher.Subscribe("fleetmon/int/will", 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	dying := New(integrationConfig("fleetmon-int-will-dying"))
	if err := dying.SetWill("fleetmon/int/will", []byte("gone"), 1, false); err != nil {
		t.Fatalf("SetWill() error = %v", err)
	}
	if err := dying.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// A second client with the same ID makes the broker drop the first uncleanly.
	usurper := connectSession(t, "fleetmon-int-will-dying")
	_ = usurper
	defer dying.Close()

	select {
	case payload := <-got:
		if string(payload) != "gone" {
			t.Errorf("will payload = %q, want gone", payload)
		}
	case <-time.After(5 * time.Second):
		t.Skip("broker did not publish the will on client takeover")
	}
}
