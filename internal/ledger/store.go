// Package ledger drives the durable SQLite store holding tasks, runs, and
// approvals, plus the append-only change_events table every committed
// mutation writes to. All writes go through transactions that enforce the
// lifecycle transition tables; events are handed to the broadcaster only
// after the owning transaction commits.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/swarmled/internal/bus"
	"github.com/basket/swarmled/internal/lifecycle"
	otelx "github.com/basket/swarmled/internal/otel"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sl-v1-2026-07-02-swarm-ledger"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Task is a row in the tasks table. Status is a cached projection of the
// task's runs and approval state, never an independent source of truth.
type Task struct {
	ID        string               `json:"task_id"`
	Title     string               `json:"title"`
	Status    lifecycle.TaskStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Run is one execution attempt of a task. EndedAt is set exactly when the
// run becomes terminal and never reset.
type Run struct {
	ID           string              `json:"run_id"`
	TaskID       string              `json:"task_id"`
	Status       lifecycle.RunStatus `json:"run_status"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// Approval is a human gate on task execution. ResolvedAt is null iff the
// status is pending.
type Approval struct {
	ID          string                   `json:"approval_id"`
	TaskID      string                   `json:"task_id"`
	GateReason  string                   `json:"gate_reason,omitempty"`
	Status      lifecycle.ApprovalStatus `json:"approval_status"`
	RequestedAt time.Time                `json:"requested_at"`
	ResolvedAt  *time.Time               `json:"resolved_at,omitempty"`
}

type Store struct {
	db          *sql.DB
	broadcaster *bus.Broadcaster // may be nil in tests
	metrics     *otelx.Metrics   // nil until SetMetrics
}

// SetMetrics attaches metric instruments so every broadcast is counted.
func (s *Store) SetMetrics(m *otelx.Metrics) {
	s.metrics = m
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmled", "swarmled.db")
}

func Open(path string, broadcaster *bus.Broadcaster) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, broadcaster: broadcaster}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'running', 'completed', 'failed', 'cancelled')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			run_status TEXT NOT NULL CHECK(run_status IN ('queued', 'running', 'completed', 'failed', 'superseded')),
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			error_message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			gate_reason TEXT,
			approval_status TEXT NOT NULL CHECK(approval_status IN ('pending', 'approved', 'denied')),
			requested_at DATETIME NOT NULL,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS change_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_task ON approvals(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_change_events_task ON change_events(task_id);`,
		// Transactional backstop for the single-flight invariant: at most
		// one queued/running run per task, enforced by the storage engine
		// itself even if a caller races past the in-tx check.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_single_flight
			ON runs(task_id) WHERE run_status IN ('queued', 'running');`,
		// One open gate per task.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_open_gate
			ON approvals(task_id) WHERE approval_status = 'pending';`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// appendChangeEventTx writes a change event inside the caller's transaction
// so the event log and the mutation commit atomically.
func (s *Store) appendChangeEventTx(ctx context.Context, tx *sql.Tx, entity, entityID, taskID, eventType, stateFrom, stateTo, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_events (entity, entity_id, task_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, entity, entityID, taskID, eventType, stateFrom, stateTo, payload); err != nil {
		return fmt.Errorf("insert change_event: %w", err)
	}
	return nil
}

// publish hands an event to the broadcaster. Called only after the owning
// transaction has committed; when a store write fails nothing is published,
// keeping in-memory observers consistent with the durable ledger.
func (s *Store) publish(topic string, payload any) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(topic, payload)
		s.metrics.RecordEventPublished(context.Background(), topic)
	}
}
