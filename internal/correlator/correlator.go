// Package correlator matches asynchronous command responses to the commands
// that caused them.
//
// Each issued command gets a process-unique id and a pending entry. The entry
// is removed when a response carrying the same id is resolved, or when Expire
// finds it older than a caller-chosen age.
package correlator

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPublishFailed wraps the publish error returned through Issue.
var ErrPublishFailed = errors.New("correlator: publish failed")

// PendingCommand is a command that has been sent and not yet answered.
type PendingCommand struct {
	CommandID   string         `json:"command_id"`
	DeviceID    string         `json:"device_id"`
	CommandType string         `json:"command_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
}

// PublishFunc sends a command over the wire. It runs without the correlator lock held.
type PublishFunc func(cmd PendingCommand) error

// Correlator tracks outstanding commands. Safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]PendingCommand
	counter atomic.Uint64
	now     func() time.Time
}

// New creates an empty correlator using the wall clock.
func New() *Correlator {
	return &Correlator{
		pending: make(map[string]PendingCommand),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for ids and IssuedAt. Intended for tests.
func (c *Correlator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Correlator) clock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// NextID returns cmd_<unix_ms>_<counter>. The counter only grows, so ids stay
// unique when the clock steps backwards.
func (c *Correlator) NextID() string {
	n := c.counter.Add(1) - 1
	ms := c.clock().UnixMilli()
	return "cmd_" + strconv.FormatInt(ms, 10) + "_" + strconv.FormatUint(n, 10)
}

// Issue registers a command and publishes it.
//
// The entry is inserted before publish so that a response arriving before
// publish returns still finds it. If publish fails the entry is removed and
// Issue returns "" with an error wrapping ErrPublishFailed.
func (c *Correlator) Issue(deviceID, commandType string, params map[string]any, publish PublishFunc) (string, error) {
	cmd := PendingCommand{
		CommandID:   c.NextID(),
		DeviceID:    deviceID,
		CommandType: commandType,
		Parameters:  params,
	}

	c.mu.Lock()
	cmd.IssuedAt = c.now()
	c.pending[cmd.CommandID] = cmd
	c.mu.Unlock()

	if err := publish(cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.CommandID)
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return cmd.CommandID, nil
}

// Resolve removes and returns the pending entry for id.
// A second call for the same id returns false.
func (c *Correlator) Resolve(commandID string) (PendingCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, ok := c.pending[commandID]
	if ok {
		delete(c.pending, commandID)
	}
	return cmd, ok
}

// Get returns the pending entry for id without removing it.
func (c *Correlator) Get(commandID string) (PendingCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, ok := c.pending[commandID]
	return cmd, ok
}

// Pending returns all outstanding commands, oldest first.
func (c *Correlator) Pending() []PendingCommand {
	c.mu.Lock()
	out := make([]PendingCommand, 0, len(c.pending))
	for _, cmd := range c.pending {
		out = append(out, cmd)
	}
	c.mu.Unlock()

	sortByIssued(out)
	return out
}

// Len returns the number of outstanding commands.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Expire removes and returns every entry issued more than maxAge ago, oldest
// first. A non-positive maxAge expires nothing.
func (c *Correlator) Expire(maxAge time.Duration) []PendingCommand {
	if maxAge <= 0 {
		return nil
	}

	c.mu.Lock()
	cutoff := c.now().Add(-maxAge)
	var expired []PendingCommand
	for id, cmd := range c.pending {
		if cmd.IssuedAt.Before(cutoff) {
			expired = append(expired, cmd)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	sortByIssued(expired)
	return expired
}

func sortByIssued(cmds []PendingCommand) {
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].IssuedAt.Equal(cmds[j].IssuedAt) {
			return cmds[i].CommandID < cmds[j].CommandID
		}
		return cmds[i].IssuedAt.Before(cmds[j].IssuedAt)
	})
}
