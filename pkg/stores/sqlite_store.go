package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 10 * time.Second
	}

	// Every connection to :memory: opens its own empty database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	if !isMemoryPath(s.cfg.Path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}

	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// UpsertFlows stores flows as intent for a device and returns their record ids
// in input order. A flow whose identity matches a live record updates that
// record; the record returns to pending unless the flow is unchanged. Live
// records of another identity on the same slot are superseded and marked
// deleted, since the device can only hold one of them.
func (s *SQLiteStore) UpsertFlows(ctx context.Context, deviceID string, fs []flows.Flow) ([]string, error) {
	ids := make([]string, 0, len(fs))
	for _, f := range fs {
		id, err := s.upsertFlow(ctx, deviceID, f)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *SQLiteStore) upsertFlow(ctx context.Context, deviceID string, f flows.Flow) (string, error) {
	supersede := `
		UPDATE flows SET state = 'deleted', error = '', updated_at = ?
		WHERE device_id = ? AND slot_key = ? AND flow_key <> ? AND state <> 'deleted'
	`
	upsert := `
		INSERT INTO flows (id, device_id, flow_key, slot_key, flow, state, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', '', ?, ?)
		ON CONFLICT(device_id, flow_key) WHERE state <> 'deleted' DO UPDATE SET
			state = CASE
				WHEN flows.flow = excluded.flow AND flows.state <> 'error' THEN flows.state
				ELSE 'pending'
			END,
			error = CASE
				WHEN flows.flow = excluded.flow AND flows.state <> 'error' THEN flows.error
				ELSE ''
			END,
			flow = excluded.flow,
			slot_key = excluded.slot_key,
			updated_at = excluded.updated_at
		RETURNING id
	`

	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to encode flow: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	key, slot := f.Key(), f.Slot()

	if _, err := tx.ExecContext(ctx, supersede, now, deviceID, slot, key); err != nil {
		return "", fmt.Errorf("failed to supersede flows: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, upsert,
		uuid.New().String(),
		deviceID,
		key,
		slot,
		string(data),
		now,
		now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert flow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit flow: %w", err)
	}
	return id, nil
}

const flowColumns = `id, device_id, flow, state, error, created_at, updated_at`

// GetFlow retrieves a flow record by ID
func (s *SQLiteStore) GetFlow(ctx context.Context, id string) (*flows.Record, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", flows.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	return rec, nil
}

// ListFlows lists flow records ordered by device and then insertion order.
func (s *SQLiteStore) ListFlows(ctx context.Context, filter flows.Filter) ([]*flows.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.DeviceIDs) > 0 {
		where = append(where, "device_id IN ("+placeholders(len(filter.DeviceIDs))+")")
		for _, d := range filter.DeviceIDs {
			args = append(args, d)
		}
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + flowColumns + ` FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY device_id ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	records := []*flows.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return records, nil
}

// SetFlowState moves a record to a new state. Transitions that are not
// allowed from the record's current state fail with flows.ErrInvalidTransition.
func (s *SQLiteStore) SetFlowState(ctx context.Context, id string, state flows.State, errMsg string) error {
	if !state.Valid() {
		return fmt.Errorf("unknown flow state: %s", state)
	}

	sources := flows.SourcesFor(state)
	query := `
		UPDATE flows
		SET state = ?, error = ?, updated_at = ?
		WHERE id = ? AND state IN (` + placeholders(len(sources)) + `)
	`

	args := []interface{}{string(state), errMsg, time.Now().UTC(), id}
	for _, src := range sources {
		args = append(args, string(src))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update flow state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT state FROM flows WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", flows.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get flow state: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s for %s", flows.ErrInvalidTransition, current, state, id)
	}

	return nil
}

// SoftDeleteFlow marks a single record deleted. Deleting a deleted record is a no-op.
func (s *SQLiteStore) SoftDeleteFlow(ctx context.Context, id string) error {
	err := s.SetFlowState(ctx, id, flows.StateDeleted, "")
	if err != nil && errors.Is(err, flows.ErrInvalidTransition) {
		return nil
	}
	return err
}

// SoftDeleteMatching marks the live records of a device whose identity matches
// one of fs as deleted and returns their ids. A nil fs deletes every live record
// of the device.
func (s *SQLiteStore) SoftDeleteMatching(ctx context.Context, deviceID string, fs []flows.Flow) ([]string, error) {
	query := `
		UPDATE flows
		SET state = 'deleted', error = '', updated_at = ?
		WHERE device_id = ? AND state <> 'deleted'
	`
	args := []interface{}{time.Now().UTC(), deviceID}

	if fs != nil {
		if len(fs) == 0 {
			return []string{}, nil
		}
		seen := make(map[string]struct{}, len(fs))
		keys := make([]interface{}, 0, len(fs))
		for _, f := range fs {
			k := f.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		query += " AND flow_key IN (" + placeholders(len(keys)) + ")"
		args = append(args, keys...)
	}
	query += " RETURNING id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to delete flows: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan flow id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deleted flows: %w", err)
	}

	return ids, nil
}

// ListDevices returns every device that has flow records, sorted by id.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM flows ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// SetTags inserts or updates tags on a device. Each key is its own row.
func (s *SQLiteStore) SetTags(ctx context.Context, deviceID string, tags map[string]string) error {
	query := `
		INSERT INTO device_tags (device_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	for key, value := range tags {
		if _, err := s.db.ExecContext(ctx, query, deviceID, key, value, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to set tag %s: %w", key, err)
		}
	}

	return nil
}

// Tags returns every tag of a device.
func (s *SQLiteStore) Tags(ctx context.Context, deviceID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM device_tags WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}

	return tags, nil
}

// DeleteTag removes one tag from a device
func (s *SQLiteStore) DeleteTag(ctx context.Context, deviceID, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM device_tags WHERE device_id = ? AND key = ?`, deviceID, key)
	if err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("tag not found: %s/%s", deviceID, key)
	}

	return nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *ReconcileEvent) error {
	query := `
		INSERT INTO reconcile_events (
			sweep_id, reason, device_id, added, removed, unchanged, failed, provisioned, skipped, detail, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.SweepID,
		event.Reason,
		event.DeviceID,
		event.Added,
		event.Removed,
		event.Unchanged,
		event.Failed,
		event.Provisioned,
		event.Skipped,
		event.Detail,
		event.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents retrieves events, newest first, with an optional device filter
func (s *SQLiteStore) ListEvents(ctx context.Context, deviceID *string, limit, offset int) ([]*ReconcileEvent, error) {
	query := `
		SELECT id, sweep_id, reason, device_id, added, removed, unchanged, failed, provisioned, skipped, detail, timestamp
		FROM reconcile_events
		WHERE (? IS NULL OR device_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID, deviceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*ReconcileEvent{}
	for rows.Next() {
		event := &ReconcileEvent{}
		err := rows.Scan(
			&event.ID,
			&event.SweepID,
			&event.Reason,
			&event.DeviceID,
			&event.Added,
			&event.Removed,
			&event.Unchanged,
			&event.Failed,
			&event.Provisioned,
			&event.Skipped,
			&event.Detail,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ObserveSweep records a sweep summary in the event log, one row per device.
func (s *SQLiteStore) ObserveSweep(ctx context.Context, summary engine.SweepSummary) error {
	for _, d := range summary.Devices {
		detail := d.SkipReason
		if d.Error != "" {
			detail = d.Error
		}
		event := &ReconcileEvent{
			SweepID:     summary.ID,
			Reason:      summary.Reason,
			DeviceID:    d.DeviceID,
			Added:       d.Added,
			Removed:     d.Removed,
			Unchanged:   d.Unchanged,
			Failed:      d.Failed,
			Provisioned: d.Provisioned,
			Skipped:     d.Skipped,
			Detail:      detail,
			Timestamp:   summary.StartedAt,
		}
		if err := s.AppendEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*flows.Record, error) {
	var (
		rec   flows.Record
		data  string
		state string
	)
	if err := row.Scan(&rec.ID, &rec.DeviceID, &data, &state, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Flow); err != nil {
		return nil, fmt.Errorf("failed to decode flow %s: %w", rec.ID, err)
	}
	rec.State = flows.State(state)
	return &rec, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
