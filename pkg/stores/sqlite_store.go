package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/rollout"
	"github.com/domainkernel/domainkernel/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ Store              = (*SQLiteStore)(nil)
	_ rollout.Recorder   = (*SQLiteStore)(nil)
	_ pipeline.Persister = (*SQLiteStore)(nil)
)

// AuditActionCommit is recorded for every persisted change batch.
const AuditActionCommit = "model.commit"

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{config: cfg}, nil
}

// Init opens the database in WAL mode with foreign keys enforced.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Pragmas apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.config.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// RecordRollout stores a finished rollout and its group results in one
// transaction.
func (s *SQLiteStore) RecordRollout(ctx context.Context, plan *rollout.Plan, result *engine.RolloutResult) error {
	if plan == nil || result == nil {
		return fmt.Errorf("rollout plan and result are required")
	}
	planJSON, err := plan.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	skipped := result.Skipped
	if skipped == nil {
		skipped = []string{}
	}
	skippedJSON, err := json.Marshal(skipped)
	if err != nil {
		return fmt.Errorf("failed to encode skipped groups: %w", err)
	}
	failure, err := encodeFailure(result.Failure)
	if err != nil {
		return err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollouts (id, operation_id, outcome, plan, skipped, failure, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID,
		result.OperationID,
		result.Outcome,
		string(planJSON),
		string(skippedJSON),
		failure,
		result.StartedAt,
		result.CompletedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record rollout: %w", err)
	}

	for _, name := range result.GroupNames() {
		g := result.Groups[name]
		servers, err := json.Marshal(g.Servers)
		if err != nil {
			return fmt.Errorf("failed to encode servers of group %s: %w", name, err)
		}
		groupFailure, err := encodeFailure(g.Failure)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_results (
				rollout_id, name, step, completion, outcome, failed, total,
				failure, servers, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			result.ID,
			name,
			g.Step,
			g.Completion,
			g.Outcome,
			g.Failed,
			g.Total,
			groupFailure,
			string(servers),
			g.StartedAt,
			g.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record group %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// GetRollout retrieves a rollout with its group results.
func (s *SQLiteStore) GetRollout(ctx context.Context, id string) (*RolloutRecord, error) {
	query := `
		SELECT id, operation_id, outcome, plan, skipped, failure, started_at, completed_at, created_at
		FROM rollouts
		WHERE id = ?
	`

	record, err := scanRollout(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rollout %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollout: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rollout_id, name, step, completion, outcome, failed, total,
			   failure, servers, started_at, completed_at
		FROM group_results
		WHERE rollout_id = ?
		ORDER BY completion ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list group results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		g := &GroupRecord{}
		err := rows.Scan(
			&g.ID,
			&g.RolloutID,
			&g.Name,
			&g.Step,
			&g.Completion,
			&g.Outcome,
			&g.Failed,
			&g.Total,
			&g.Failure,
			&g.Servers,
			&g.StartedAt,
			&g.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group result: %w", err)
		}
		record.Groups = append(record.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group results: %w", err)
	}

	return record, nil
}

// ListRollouts lists rollouts, newest first, without their group results.
func (s *SQLiteStore) ListRollouts(ctx context.Context, outcome *engine.PlanOutcome, limit, offset int) ([]*RolloutRecord, error) {
	query := `
		SELECT id, operation_id, outcome, plan, skipped, failure, started_at, completed_at, created_at
		FROM rollouts
		WHERE (? IS NULL OR outcome = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, outcome, outcome, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollouts: %w", err)
	}
	defer rows.Close()

	records := []*RolloutRecord{}
	for rows.Next() {
		record, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollout: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollouts: %w", err)
	}

	return records, nil
}

// DeleteRollout deletes a rollout and, by cascade, its group results.
func (s *SQLiteStore) DeleteRollout(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rollouts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rollout: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("rollout %s: %w", id, ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRollout(row rowScanner) (*RolloutRecord, error) {
	r := &RolloutRecord{}
	err := row.Scan(
		&r.ID,
		&r.OperationID,
		&r.Outcome,
		&r.Plan,
		&r.Skipped,
		&r.Failure,
		&r.StartedAt,
		&r.CompletedAt,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// PersistChanges appends a committed change batch to the journal together
// with an audit entry. It implements pipeline.Persister.
func (s *SQLiteStore) PersistChanges(ctx context.Context, operationID string, changes []model.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO changes (operation_id, version, kind, address, attribute, before_value, after_value, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare change insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range changes {
		before, err := encodeValue(c.Before)
		if err != nil {
			return fmt.Errorf("change %d: %w", c.Version, err)
		}
		after, err := encodeValue(c.After)
		if err != nil {
			return fmt.Errorf("change %d: %w", c.Version, err)
		}
		var attribute *string
		if c.Attribute != "" {
			attribute = &c.Attribute
		}
		if _, err := stmt.ExecContext(ctx,
			operationID,
			int64(c.Version),
			c.Kind,
			c.Address.String(),
			attribute,
			before,
			after,
			c.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to persist change %d: %w", c.Version, err)
		}
	}

	details, err := json.Marshal(map[string]interface{}{
		"changes": len(changes),
		"version": changes[len(changes)-1].Version,
	})
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	detailStr := string(details)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, AuditActionCommit, "pipeline", operationID, detailStr, nil, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	return tx.Commit()
}

// ListChanges lists journal entries above sinceVersion in version order.
// A limit of zero or less returns every match.
func (s *SQLiteStore) ListChanges(ctx context.Context, operationID *string, sinceVersion uint64, limit int) ([]*ChangeRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, operation_id, version, kind, address, attribute, before_value, after_value, timestamp
		FROM changes
		WHERE (? IS NULL OR operation_id = ?)
		  AND version > ?
		ORDER BY version ASC, id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, operationID, operationID, int64(sinceVersion), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	records := []*ChangeRecord{}
	for rows.Next() {
		c := &ChangeRecord{}
		var version int64
		err := rows.Scan(
			&c.ID,
			&c.OperationID,
			&version,
			&c.Kind,
			&c.Address,
			&c.Attribute,
			&c.Before,
			&c.After,
			&c.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Version = uint64(version)
		records = append(records, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return records, nil
}

// AppendEvent appends a new event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (
			event_id, type, source, operation_id, rollout_id, server_group,
			address, level, message, details, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.Type,
		event.Source,
		event.OperationID,
		event.RolloutID,
		event.ServerGroup,
		event.Address,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, type, source, operation_id, rollout_id, server_group,
			   address, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR operation_id = ?)
		  AND (? IS NULL OR rollout_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.OperationID, filter.OperationID,
		filter.RolloutID, filter.RolloutID,
		filter.Level, filter.Level,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.Type,
			&event.Source,
			&event.OperationID,
			&event.RolloutID,
			&event.ServerGroup,
			&event.Address,
			&event.Level,
			&event.Message,
			&event.Details,
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

// EventSink returns a subscriber that stores every published event.
// Failures are logged since subscribers cannot return errors.
func (s *SQLiteStore) EventSink() telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		stored, err := FromTelemetry(e)
		if err == nil {
			err = s.AppendEvent(context.Background(), stored)
		}
		if err != nil {
			log.Error().Err(err).Str("event_id", e.ID).Str("type", e.Type).Msg("failed to store event")
		}
	}
}

// FromTelemetry converts a published event into its stored form.
func FromTelemetry(e telemetry.Event) (*Event, error) {
	stored := &Event{
		EventID:     e.ID,
		Type:        e.Type,
		Source:      e.Source,
		OperationID: optional(e.OperationID),
		RolloutID:   optional(e.RolloutID),
		ServerGroup: optional(e.ServerGroup),
		Address:     optional(e.Address),
		Level:       EventLevel(e.Level),
		Message:     e.Message,
		Timestamp:   e.Timestamp,
	}
	if stored.Level == "" {
		stored.Level = EventLevelInfo
	}
	if len(e.Data) > 0 {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event data: %w", err)
		}
		stored.Details = optional(string(data))
	}
	return stored, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func encodeFailure(failure *engine.EngineError) (*string, error) {
	if failure == nil {
		return nil, nil
	}
	b, err := json.Marshal(failure)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure: %w", err)
	}
	return optional(string(b)), nil
}

func encodeValue(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return optional(string(b)), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
