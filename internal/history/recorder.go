package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nerrad567/fleetmon/internal/correlator"
	"github.com/nerrad567/fleetmon/internal/fleet"
)

const (
	// writeTimeout bounds each audit write made from a fleet listener.
	writeTimeout = 5 * time.Second

	// pruneInterval is how often RunRetention deletes old rows.
	pruneInterval = 24 * time.Hour
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventSource is the listener registration surface of fleet.Server.
type EventSource interface {
	OnDeviceStatus(fleet.StatusListener)
	OnCommandIssued(fleet.CommandListener)
	OnCommandResponse(fleet.ResponseListener)
	OnCommandExpired(fleet.CommandListener)
}

// Recorder writes fleet events to a Repository.
// Write failures are logged and never reach the fleet server.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for write failures and pruning.
func (r *Recorder) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Attach registers the recorder's listeners on src.
func (r *Recorder) Attach(src EventSource) {
	src.OnDeviceStatus(r.RecordStatusChange)
	src.OnCommandIssued(r.RecordIssued)
	src.OnCommandResponse(r.RecordResponse)
	src.OnCommandExpired(r.RecordExpired)
}

// RecordStatusChange stores a change if the status value moved.
func (r *Recorder) RecordStatusChange(change fleet.StatusChange) {
	if !change.Transitioned() {
		return
	}
	d := change.Device

	var props map[string]any
	if len(d.Properties) > 0 {
		props = make(map[string]any, len(d.Properties))
		for name, pv := range d.Properties {
			props[name] = pv.Value
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := r.repo.RecordStatus(ctx, StatusEntry{
		DeviceID:       d.DeviceID,
		DeviceType:     d.DeviceType,
		Status:         d.Status,
		PreviousStatus: change.Previous,
		Source:         change.Source,
		Properties:     props,
		CreatedAt:      d.LastSeen,
	})
	if err != nil {
		r.logger.Error("recording status history failed", "device_id", d.DeviceID, "error", err)
	}
}

// RecordIssued stores a newly issued command.
func (r *Recorder) RecordIssued(cmd correlator.PendingCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.RecordCommandIssued(ctx, commandEntry(cmd)); err != nil {
		r.logger.Error("recording issued command failed", "command_id", cmd.CommandID, "error", err)
	}
}

// RecordResponse stores the device's answer to a command.
func (r *Recorder) RecordResponse(resp fleet.CommandResponse) {
	entry := commandEntry(resp.Command)
	success := resp.Response.Success
	entry.Success = &success
	entry.Error = resp.Response.Error
	completed := resp.ReceivedAt
	if !completed.IsZero() {
		entry.CompletedAt = &completed
	}
	if resp.Response.Result != nil {
		data, err := json.Marshal(resp.Response.Result)
		if err != nil {
			r.logger.Warn("command result not serialisable", "command_id", entry.CommandID, "error", err)
		} else {
			entry.Result = data
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.RecordCommandResponse(ctx, entry); err != nil {
		r.logger.Error("recording command response failed", "command_id", entry.CommandID, "error", err)
	}
}

// RecordExpired marks a command abandoned by the server.
func (r *Recorder) RecordExpired(cmd correlator.PendingCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.RecordCommandExpired(ctx, commandEntry(cmd)); err != nil {
		r.logger.Error("recording command expiry failed", "command_id", cmd.CommandID, "error", err)
	}
}

// RunRetention prunes rows older than retention once at start and then daily,
// until ctx is cancelled. A non-positive retention returns immediately.
func (r *Recorder) RunRetention(ctx context.Context, retention time.Duration) {
	r.runRetention(ctx, retention, pruneInterval)
}

func (r *Recorder) runRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.repo.Prune(ctx, retention)
		if err != nil {
			r.logger.Error("pruning history failed", "error", err)
		} else if n > 0 {
			r.logger.Info("history pruned", "rows", n, "retention", retention.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func commandEntry(cmd correlator.PendingCommand) CommandEntry {
	return CommandEntry{
		CommandID:   cmd.CommandID,
		DeviceID:    cmd.DeviceID,
		CommandType: cmd.CommandType,
		Parameters:  cmd.Parameters,
		IssuedAt:    cmd.IssuedAt,
	}
}
