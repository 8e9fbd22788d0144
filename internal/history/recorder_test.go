package history

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/fleetmon/internal/correlator"
	"github.com/nerrad567/fleetmon/internal/fleet"
	"github.com/nerrad567/fleetmon/internal/protocol"
)

// fakeSource captures the listeners registered by Attach.
type fakeSource struct {
	status   fleet.StatusListener
	issued   fleet.CommandListener
	response fleet.ResponseListener
	expired  fleet.CommandListener
}

func (f *fakeSource) OnDeviceStatus(fn fleet.StatusListener)      { f.status = fn }
func (f *fakeSource) OnCommandIssued(fn fleet.CommandListener)    { f.issued = fn }
func (f *fakeSource) OnCommandResponse(fn fleet.ResponseListener) { f.response = fn }
func (f *fakeSource) OnCommandExpired(fn fleet.CommandListener)   { f.expired = fn }

func TestRecorder_Attach(t *testing.T) {
	repo := setupRepo(t)
	rec := NewRecorder(repo)
	src := &fakeSource{}
	rec.Attach(src)

	if src.status == nil || src.issued == nil || src.response == nil || src.expired == nil {
		t.Fatal("Attach() did not register every listener")
	}

	ctx := context.Background()

	src.status(fleet.StatusChange{
		Device: fleet.DeviceStatus{
			DeviceID: "dev-1",
			Status:   "online",
			LastSeen: baseTime,
			Properties: map[string]protocol.PropertyValue{
				"humidity": {Value: 55.0, Unit: "%", Writable: true},
			},
		},
		Source: fleet.SourceStatus,
	})
	// Same status again is not a transition.
	src.status(fleet.StatusChange{
		Device:   fleet.DeviceStatus{DeviceID: "dev-1", Status: "online", LastSeen: baseTime.Add(time.Second)},
		Previous: "online",
		Source:   fleet.SourceStatus,
	})

	entries, err := repo.StatusHistory(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("StatusHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("recorded %d status entries, want 1", len(entries))
	}
	if entries[0].Properties["humidity"] != 55.0 {
		t.Errorf("Properties = %v, want humidity 55", entries[0].Properties)
	}

	cmd := correlator.PendingCommand{CommandID: "cmd_1_0", DeviceID: "dev-1", CommandType: "get_status", IssuedAt: baseTime}
	src.issued(cmd)
	src.response(fleet.CommandResponse{
		DeviceID: "dev-1",
		Command:  cmd,
		Response: protocol.ResponseMessage{
			CommandID: "cmd_1_0",
			Success:   true,
			Result:    map[string]any{"status": "online"},
		},
		ReceivedAt: baseTime.Add(time.Second),
	})

	got, err := repo.Command(ctx, "cmd_1_0")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if got.State != StateResponded {
		t.Errorf("State = %q, want %q", got.State, StateResponded)
	}
	if string(got.Result) != `{"status":"online"}` {
		t.Errorf("Result = %s", got.Result)
	}

	expired := correlator.PendingCommand{CommandID: "cmd_2_1", DeviceID: "dev-1", IssuedAt: baseTime}
	src.issued(expired)
	src.expired(expired)
	got, err = repo.Command(ctx, "cmd_2_1")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if got.State != StateExpired {
		t.Errorf("State = %q, want %q", got.State, StateExpired)
	}
}

func TestRecorder_RunRetention(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if err := repo.RecordStatus(ctx, StatusEntry{
		DeviceID: "dev-1", Status: "online", Source: "status", CreatedAt: baseTime.Add(-72 * time.Hour),
	}); err != nil {
		t.Fatalf("RecordStatus() error = %v", err)
	}

	rec := NewRecorder(repo)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		rec.runRetention(runCtx, 24*time.Hour, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := repo.StatusHistory(ctx, "dev-1", 10)
		if err != nil {
			t.Fatalf("StatusHistory() error = %v", err)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retention did not prune the old entry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runRetention did not return after cancel")
	}
}

func TestRecorder_RunRetentionDisabled(t *testing.T) {
	rec := NewRecorder(setupRepo(t))
	done := make(chan struct{})
	go func() {
		rec.RunRetention(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRetention(0) should return immediately")
	}
}
