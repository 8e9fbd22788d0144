package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLiteRepository implements Repository on the tables created by the
// audit_history migration.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// SetClock replaces the clock used for defaults and pruning. Intended for tests.
func (r *SQLiteRepository) SetClock(now func() time.Time) {
	r.now = now
}

// RecordStatus inserts a status history row. A zero CreatedAt means now.
func (r *SQLiteRepository) RecordStatus(ctx context.Context, entry StatusEntry) error {
	if entry.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	props, err := marshalMap(entry.Properties)
	if err != nil {
		return fmt.Errorf("marshalling properties: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO device_status_history
		 (device_id, device_type, status, previous_status, source, properties, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.DeviceID,
		entry.DeviceType,
		entry.Status,
		entry.PreviousStatus,
		entry.Source,
		props,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting status history: %w", err)
	}
	return nil
}

// StatusHistory returns the most recent entries for a device, newest first.
// limit defaults to 50 and is capped at 200.
func (r *SQLiteRepository) StatusHistory(ctx context.Context, deviceID string, limit int) ([]StatusEntry, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, device_type, status, previous_status, source, properties, created_at
		 FROM device_status_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	entries := make([]StatusEntry, 0, limit)
	for rows.Next() {
		var e StatusEntry
		var props, createdAt string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.DeviceType, &e.Status,
			&e.PreviousStatus, &e.Source, &props, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning status history: %w", err)
		}
		if e.Properties, err = unmarshalMap(props); err != nil {
			return nil, fmt.Errorf("unmarshalling properties: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status history: %w", err)
	}
	return entries, nil
}

// RecordCommandIssued inserts an issued command. An existing row is left alone.
func (r *SQLiteRepository) RecordCommandIssued(ctx context.Context, entry CommandEntry) error {
	if entry.CommandID == "" {
		return ErrCommandIDRequired
	}
	if entry.IssuedAt.IsZero() {
		entry.IssuedAt = r.now()
	}
	params, err := marshalMap(entry.Parameters)
	if err != nil {
		return fmt.Errorf("marshalling parameters: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO command_log (command_id, device_id, command_type, parameters, state, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(command_id) DO NOTHING`,
		entry.CommandID,
		entry.DeviceID,
		entry.CommandType,
		params,
		StateIssued,
		formatTime(entry.IssuedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// RecordCommandResponse stores the outcome of a command. State is derived
// from Success; a nil Success counts as failed.
func (r *SQLiteRepository) RecordCommandResponse(ctx context.Context, entry CommandEntry) error {
	if entry.CommandID == "" {
		return ErrCommandIDRequired
	}
	state := StateFailed
	success := false
	if entry.Success != nil && *entry.Success {
		state = StateResponded
		success = true
	}
	completed := r.now()
	if entry.CompletedAt != nil {
		completed = *entry.CompletedAt
	}
	if entry.IssuedAt.IsZero() {
		entry.IssuedAt = completed
	}
	params, err := marshalMap(entry.Parameters)
	if err != nil {
		return fmt.Errorf("marshalling parameters: %w", err)
	}
	var result any
	if len(entry.Result) > 0 {
		result = string(entry.Result)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO command_log
		 (command_id, device_id, command_type, parameters, state, success, result, error, issued_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(command_id) DO UPDATE SET
		   state = excluded.state,
		   success = excluded.success,
		   result = excluded.result,
		   error = excluded.error,
		   completed_at = excluded.completed_at`,
		entry.CommandID,
		entry.DeviceID,
		entry.CommandType,
		params,
		state,
		success,
		result,
		entry.Error,
		formatTime(entry.IssuedAt),
		formatTime(completed),
	)
	if err != nil {
		return fmt.Errorf("recording command response: %w", err)
	}
	return nil
}

// RecordCommandExpired marks a command as expired. A command that already
// has a response keeps it.
func (r *SQLiteRepository) RecordCommandExpired(ctx context.Context, entry CommandEntry) error {
	if entry.CommandID == "" {
		return ErrCommandIDRequired
	}
	completed := r.now()
	if entry.IssuedAt.IsZero() {
		entry.IssuedAt = completed
	}
	params, err := marshalMap(entry.Parameters)
	if err != nil {
		return fmt.Errorf("marshalling parameters: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO command_log
		 (command_id, device_id, command_type, parameters, state, issued_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(command_id) DO UPDATE SET
		   state = excluded.state,
		   completed_at = excluded.completed_at
		 WHERE command_log.state = ?`,
		entry.CommandID,
		entry.DeviceID,
		entry.CommandType,
		params,
		StateExpired,
		formatTime(entry.IssuedAt),
		formatTime(completed),
		StateIssued,
	)
	if err != nil {
		return fmt.Errorf("recording command expiry: %w", err)
	}
	return nil
}

const commandColumns = `command_id, device_id, command_type, parameters, state,
	success, result, error, issued_at, completed_at`

// Command returns the audit record for one command id.
func (r *SQLiteRepository) Command(ctx context.Context, commandID string) (CommandEntry, error) {
	if commandID == "" {
		return CommandEntry{}, ErrCommandIDRequired
	}
	row := r.db.QueryRowContext(ctx,
		"SELECT "+commandColumns+" FROM command_log WHERE command_id = ?",
		commandID,
	)
	entry, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandEntry{}, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	return entry, err
}

// Commands returns the most recent commands sent to a device, newest first.
func (r *SQLiteRepository) Commands(ctx context.Context, deviceID string, limit int) ([]CommandEntry, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+commandColumns+` FROM command_log
		 WHERE device_id = ?
		 ORDER BY issued_at DESC, command_id DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	entries := make([]CommandEntry, 0, limit)
	for rows.Next() {
		entry, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return entries, nil
}

// Prune deletes status rows and commands older than now-olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := formatTime(r.now().Add(-olderThan))

	var total int64
	for _, stmt := range []string{
		"DELETE FROM device_status_history WHERE created_at < ?",
		"DELETE FROM command_log WHERE issued_at < ?",
	} {
		result, err := r.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning history: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (CommandEntry, error) {
	var (
		e         CommandEntry
		params    string
		success   sql.NullBool
		result    sql.NullString
		issuedAt  string
		completed sql.NullString
	)
	if err := row.Scan(&e.CommandID, &e.DeviceID, &e.CommandType, &params, &e.State,
		&success, &result, &e.Error, &issuedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommandEntry{}, err
		}
		return CommandEntry{}, fmt.Errorf("scanning command: %w", err)
	}

	var err error
	if e.Parameters, err = unmarshalMap(params); err != nil {
		return CommandEntry{}, fmt.Errorf("unmarshalling parameters: %w", err)
	}
	if success.Valid {
		v := success.Bool
		e.Success = &v
	}
	if result.Valid && result.String != "" {
		e.Result = json.RawMessage(result.String)
	}
	if e.IssuedAt, err = parseTime(issuedAt); err != nil {
		return CommandEntry{}, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return CommandEntry{}, err
		}
		e.CompletedAt = &t
	}
	return e, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	t, err := time.Parse(timeLayout, value)
	if err == nil {
		return t, nil
	}
	if fallback, fallbackErr := time.Parse(time.RFC3339, value); fallbackErr == nil {
		return fallback.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
}
