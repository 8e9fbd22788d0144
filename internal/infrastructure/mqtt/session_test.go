package mqtt

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/fleetmon/internal/infrastructure/config"
)

// testConfig returns a broker configuration that is never dialled by these tests.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "fleetmon-test",
		},
		TLS: config.MQTTTLSConfig{
			VerifyPeer:     true,
			VerifyHostname: true,
		},
	}
}

// startDispatch runs the dispatch goroutine without building a paho client.
func startDispatch(s *Session) {
	s.dispatchOnce.Do(func() {
		s.wg.Add(1)
		go s.dispatchLoop()
	})
}

func TestNew_Defaults(t *testing.T) {
	s := New(testConfig())

	if s.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if s.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", s.SubscriptionCount())
	}
	enabled, interval := s.AutoReconnect()
	if enabled {
		t.Error("AutoReconnect() enabled by default")
	}
	if interval != defaultRetryInterval {
		t.Errorf("AutoReconnect() interval = %v, want %v", interval, defaultRetryInterval)
	}
}

func TestPublish_Validation(t *testing.T) {
	s := New(testConfig())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "qos too high", topic: "device/a/status", qos: 3, wantErr: ErrInvalidQoS},
		{name: "payload too large", topic: "device/a/status", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPublishFailed},
		{name: "not connected", topic: "device/a/status", payload: []byte("{}"), qos: 1, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	s := New(testConfig())

	if err := s.Subscribe("", 1); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := s.Subscribe("device/+/status", 5); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 5) error = %v, want ErrInvalidQoS", err)
	}
	if err := s.Subscribe("device/+/status", 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() while down error = %v, want ErrNotConnected", err)
	}
	if err := s.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := s.Unsubscribe("device/+/status"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() while down error = %v, want ErrNotConnected", err)
	}
}

func TestSetWill_Validation(t *testing.T) {
	s := New(testConfig())

	if err := s.SetWill("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("SetWill(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := s.SetWill("device/a/status", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("SetWill(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := s.SetWill("device/a/status", []byte(`{"status":"offline"}`), 1, false); err != nil {
		t.Fatalf("SetWill() error = %v", err)
	}
	if s.will == nil || s.will.topic != "device/a/status" || s.will.qos != 1 {
		t.Errorf("will = %+v, want device/a/status qos 1", s.will)
	}
}

func TestClose_BeforeConnect(t *testing.T) {
	s := New(testConfig())

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := s.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}

func TestClose_ReportsDisconnect(t *testing.T) {
	s := New(testConfig())

	var events []bool
	s.SetConnectionHandler(func(up bool) { events = append(events, up) })

	// Simulate an established connection without a client.
	s.connMu.Lock()
	s.connected = true
	s.connMu.Unlock()

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(events) != 1 || events[0] {
		t.Errorf("connection events = %v, want [false]", events)
	}
}

func TestHandleConnectAndDisconnect(t *testing.T) {
	s := New(testConfig())

	var mu sync.Mutex
	var events []bool
	s.SetConnectionHandler(func(up bool) {
		mu.Lock()
		events = append(events, up)
		mu.Unlock()
	})

	up := make(chan struct{})
	s.upSignal = up
	s.handleConnect()

	select {
	case <-up:
	default:
		t.Fatal("handleConnect() did not release the connect waiter")
	}

	s.subscriptions["device/+/status"] = 1
	s.handleDisconnect(errors.New("broker went away"))

	if s.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after loss = %d, want 0", s.SubscriptionCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("connection events = %v, want [true false]", events)
	}
}

func TestHandleConnect_AfterCloseIgnored(t *testing.T) {
	s := New(testConfig())

	var events []bool
	s.SetConnectionHandler(func(up bool) { events = append(events, up) })

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	s.handleConnect()

	s.connMu.RLock()
	connected := s.connected
	s.connMu.RUnlock()
	if connected {
		t.Error("connected = true after a late connect on a closed session")
	}
	if len(events) != 0 {
		t.Errorf("connection events = %v, want none", events)
	}
}

func TestDispatch_PreservesOrder(t *testing.T) {
	s := New(testConfig())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	const total = 50

	s.SetMessageHandler(func(topic string, _ []byte) error {
		mu.Lock()
		got = append(got, topic)
		n := len(got)
		mu.Unlock()
		if n == total {
			close(done)
		}
		return nil
	})
	startDispatch(s)
	defer s.Close()

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		topic := "device/d" + string(rune('a'+i%26)) + "/status"
		want = append(want, topic)
		s.enqueue(topic, nil)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDispatch_RecoversPanicAndContinues(t *testing.T) {
	s := New(testConfig())

	delivered := make(chan string, 2)
	s.SetMessageHandler(func(topic string, _ []byte) error {
		if topic == "boom" {
			panic("handler exploded")
		}
		delivered <- topic
		return errors.New("logged, not fatal")
	})
	startDispatch(s)
	defer s.Close()

	s.enqueue("boom", nil)
	s.enqueue("device/a/status", []byte("{}"))

	select {
	case topic := <-delivered:
		if topic != "device/a/status" {
			t.Errorf("delivered %q, want device/a/status", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch stopped after handler panic")
	}
}

func TestReconnectLoop_RetriesUntilDisabled(t *testing.T) {
	s := New(testConfig())

	var attempts atomic.Int32
	s.reconnectFn = func() error {
		attempts.Add(1)
		return ErrConnectionFailed
	}

	s.SetAutoReconnect(true, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if attempts.Load() < 3 {
		t.Fatalf("reconnect attempts = %d, want at least 3", attempts.Load())
	}

	s.SetAutoReconnect(false, 0)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.reconnectMu.Lock()
		running := s.loopRunning
		s.reconnectMu.Unlock()
		if !running {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.reconnectMu.Lock()
	running := s.loopRunning
	s.reconnectMu.Unlock()
	if running {
		t.Error("reconnect loop still running after disable")
	}

	_ = s.Close()
}

func TestReconnectLoop_CloseInterruptsWait(t *testing.T) {
	s := New(testConfig())

	var attempts atomic.Int32
	s.reconnectFn = func() error {
		attempts.Add(1)
		return nil
	}

	s.SetAutoReconnect(true, time.Hour)

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close() took %v, want prompt return", elapsed)
	}
	if attempts.Load() != 0 {
		t.Errorf("reconnect attempts = %d, want 0", attempts.Load())
	}

	// Enabling after Close must not start a new loop.
	s.SetAutoReconnect(true, time.Millisecond)
	s.reconnectMu.Lock()
	running := s.loopRunning
	s.reconnectMu.Unlock()
	if running {
		t.Error("reconnect loop started after Close")
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "fleet"
	cfg.Auth.Password = "secret"
	cfg.KeepAlive = 15

	opts, err := buildClientOptions(cfg)
	if err != nil {
		t.Fatalf("buildClientOptions() error = %v", err)
	}

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "fleetmon-test" {
		t.Errorf("ClientID = %q, want fleetmon-test", opts.ClientID)
	}
	if opts.Username != "fleet" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want fleet/secret", opts.Username, opts.Password)
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want paho reconnect disabled")
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if opts.KeepAlive != 15 {
		t.Errorf("KeepAlive = %d, want 15", opts.KeepAlive)
	}
}

func TestBrokerURL_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.TLS.Enabled = true
	cfg.Broker.Port = 8883

	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL() = %q, want ssl://127.0.0.1:8883", got)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	t.Run("missing ca file", func(t *testing.T) {
		cfg := testConfig().TLS
		cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
		if _, err := buildTLSConfig(cfg, "broker"); !errors.Is(err, ErrInvalidTLS) {
			t.Errorf("buildTLSConfig() error = %v, want ErrInvalidTLS", err)
		}
	})

	t.Run("ca file without certificates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.pem")
		if err := os.WriteFile(path, []byte("not a certificate"), 0600); err != nil {
			t.Fatal(err)
		}
		cfg := testConfig().TLS
		cfg.CAFile = path
		if _, err := buildTLSConfig(cfg, "broker"); !errors.Is(err, ErrInvalidTLS) {
			t.Errorf("buildTLSConfig() error = %v, want ErrInvalidTLS", err)
		}
	})

	t.Run("full verification", func(t *testing.T) {
		tlsCfg, err := buildTLSConfig(testConfig().TLS, "broker.local")
		if err != nil {
			t.Fatalf("buildTLSConfig() error = %v", err)
		}
		if tlsCfg.InsecureSkipVerify {
			t.Error("InsecureSkipVerify = true, want false")
		}
		if tlsCfg.ServerName != "broker.local" {
			t.Errorf("ServerName = %q, want broker.local", tlsCfg.ServerName)
		}
		if tlsCfg.MinVersion != tls.VersionTLS12 {
			t.Errorf("MinVersion = %x, want TLS 1.2", tlsCfg.MinVersion)
		}
	})

	t.Run("verify_peer off", func(t *testing.T) {
		cfg := testConfig().TLS
		cfg.VerifyPeer = false
		tlsCfg, err := buildTLSConfig(cfg, "broker")
		if err != nil {
			t.Fatalf("buildTLSConfig() error = %v", err)
		}
		if !tlsCfg.InsecureSkipVerify || tlsCfg.VerifyPeerCertificate != nil {
			t.Error("verify_peer=false should skip verification without a chain check")
		}
	})

	t.Run("verify_hostname off", func(t *testing.T) {
		cfg := testConfig().TLS
		cfg.VerifyHostname = false
		cfg.ServerName = "override"
		tlsCfg, err := buildTLSConfig(cfg, "broker")
		if err != nil {
			t.Fatalf("buildTLSConfig() error = %v", err)
		}
		if !tlsCfg.InsecureSkipVerify || tlsCfg.VerifyPeerCertificate == nil {
			t.Error("verify_hostname=false should keep a chain-only verifier")
		}
		if tlsCfg.ServerName != "override" {
			t.Errorf("ServerName = %q, want override", tlsCfg.ServerName)
		}
		if err := tlsCfg.VerifyPeerCertificate(nil, nil); err == nil {
			t.Error("chain verifier accepted an empty chain")
		}
	})
}
