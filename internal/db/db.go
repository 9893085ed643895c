package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL connection. SQLite backs local and test use; Postgres
// (through the pgx stdlib driver) backs production.
type DB struct {
	conn   *sql.DB
	driver string
}

// TimeLayout is the fixed-width UTC layout every timestamp column uses, so
// lexical comparison matches chronological order on both drivers.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DefaultDBPath returns ~/.leadflow/leadflow.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".leadflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "leadflow.db"), nil
}

// Open opens the database for the given driver ("sqlite3" or "pgx").
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite3", "pgx":
	default:
		return nil, fmt.Errorf("open database: unsupported driver %q", driver)
	}
	if driver == "sqlite3" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite3" {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if driver == "sqlite3" {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
	}
	return &DB{conn: conn, driver: driver}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Driver returns the driver name the database was opened with.
func (d *DB) Driver() string {
	return d.driver
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func now() string {
	return ts(time.Now())
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    business_id      TEXT NOT NULL,
    account_id       TEXT NOT NULL DEFAULT '',
    customer_id      TEXT NOT NULL DEFAULT '',
    job_id           TEXT NOT NULL DEFAULT '',
    current_stage    TEXT NOT NULL,
    status           TEXT NOT NULL CHECK(status IN ('running','waiting_customer','waiting_ops','completed','failed','canceled')),
    confidence       TEXT NOT NULL DEFAULT '',
    context          TEXT NOT NULL DEFAULT '{}',
    outcome          TEXT NOT NULL DEFAULT '',
    wait_reason      TEXT NOT NULL DEFAULT '',
    last_approved_by TEXT NOT NULL DEFAULT '',
    last_approved_at TEXT NOT NULL DEFAULT '',
    version          INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_waiting ON runs(business_id, status, updated_at);

CREATE TABLE IF NOT EXISTS steps (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    step_index     INTEGER NOT NULL,
    stage          TEXT NOT NULL,
    input_snapshot TEXT NOT NULL DEFAULT '{}',
    evaluators     TEXT NOT NULL DEFAULT '[]',
    raw_output     TEXT NOT NULL DEFAULT '',
    decision       TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    started_at     TEXT NOT NULL,
    completed_at   TEXT NOT NULL DEFAULT '',
    UNIQUE(run_id, step_index)
);

CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    business_id    TEXT NOT NULL,
    customer_id    TEXT NOT NULL DEFAULT '',
    run_id         TEXT NOT NULL DEFAULT '',
    stage          TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT '',
    amount         BIGINT NOT NULL DEFAULT 0,
    currency       TEXT NOT NULL DEFAULT 'USD',
    first_service  BOOLEAN NOT NULL DEFAULT FALSE,
    payment_status TEXT NOT NULL DEFAULT '',
    completed_at   TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id         TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    stage      TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject_id, created_at);

CREATE TABLE IF NOT EXISTS inbound_messages (
    id          TEXT PRIMARY KEY,
    business_id TEXT NOT NULL,
    customer_id TEXT NOT NULL DEFAULT '',
    channel     TEXT NOT NULL DEFAULT '',
    body        TEXT NOT NULL,
    run_id      TEXT NOT NULL DEFAULT '',
    received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_records (
    id          TEXT PRIMARY KEY,
    business_id TEXT NOT NULL,
    customer_id TEXT NOT NULL DEFAULT '',
    run_id      TEXT NOT NULL DEFAULT '',
    stage       TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_customer ON memory_records(business_id, customer_id, created_at);

CREATE TABLE IF NOT EXISTS payment_policies (
    business_id                    TEXT PRIMARY KEY,
    version                        INTEGER NOT NULL DEFAULT 1,
    currency                       TEXT NOT NULL DEFAULT 'USD',
    require_setup_on_first_service BOOLEAN NOT NULL DEFAULT FALSE,
    max_autopay_amount             BIGINT NOT NULL DEFAULT 0,
    require_confirmation_above     BIGINT NOT NULL DEFAULT 0,
    invoice_only_above             BIGINT NOT NULL DEFAULT 0,
    allow_invoice_fallback         BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at                     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_profiles (
    customer_id          TEXT PRIMARY KEY,
    business_id          TEXT NOT NULL,
    autopay_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
    allowed_methods      TEXT NOT NULL DEFAULT '[]',
    preferred_method_id  TEXT NOT NULL DEFAULT '',
    consents             TEXT NOT NULL DEFAULT '[]',
    provider_customer_id TEXT NOT NULL DEFAULT '',
    dispute_count        INTEGER NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_methods (
    id                 TEXT PRIMARY KEY,
    customer_id        TEXT NOT NULL,
    business_id        TEXT NOT NULL,
    kind               TEXT NOT NULL,
    brand              TEXT NOT NULL DEFAULT '',
    last4              TEXT NOT NULL DEFAULT '',
    provider_method_id TEXT NOT NULL DEFAULT '',
    created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_methods_customer ON payment_methods(customer_id);

CREATE TABLE IF NOT EXISTS decisions (
    id             TEXT PRIMARY KEY,
    business_id    TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    customer_id    TEXT NOT NULL DEFAULT '',
    trace_id       TEXT NOT NULL,
    label          TEXT NOT NULL,
    confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
    breakdown      TEXT NOT NULL DEFAULT '{}',
    risk_flags     TEXT NOT NULL DEFAULT '[]',
    human_required BOOLEAN NOT NULL DEFAULT FALSE,
    commands       TEXT NOT NULL DEFAULT '[]',
    amount         BIGINT NOT NULL DEFAULT 0,
    currency       TEXT NOT NULL DEFAULT 'USD',
    policy_hash    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL CHECK(status IN ('pending','completed','failed','escalated')),
    error          TEXT NOT NULL DEFAULT '',
    compensated_at TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity_id, created_at);

CREATE TABLE IF NOT EXISTS transactions (
    id             TEXT PRIMARY KEY,
    business_id    TEXT NOT NULL,
    job_id         TEXT NOT NULL,
    customer_id    TEXT NOT NULL DEFAULT '',
    decision_id    TEXT NOT NULL DEFAULT '',
    amount         BIGINT NOT NULL,
    currency       TEXT NOT NULL,
    method_id      TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL CHECK(status IN ('pending','captured','failed','voided','refunded')),
    provider_tx_id TEXT NOT NULL DEFAULT '',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    failure_code   TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    trace_id       TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_provider ON transactions(provider_tx_id);
CREATE INDEX IF NOT EXISTS idx_transactions_job ON transactions(job_id);

CREATE TABLE IF NOT EXISTS command_log (
    idempotency_key TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    trace_id        TEXT NOT NULL,
    status          TEXT NOT NULL CHECK(status IN ('in_flight','completed','failed')),
    event           TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_events (
    event_id     TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    payload      TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'received',
    received_at  TEXT NOT NULL,
    processed_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS human_tasks (
    id          TEXT PRIMARY KEY,
    business_id TEXT NOT NULL,
    entity_id   TEXT NOT NULL DEFAULT '',
    decision_id TEXT NOT NULL DEFAULT '',
    queue       TEXT NOT NULL,
    reason      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'open',
    created_at  TEXT NOT NULL,
    resolved_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS scheduled_retries (
    id             TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    decision_id    TEXT NOT NULL,
    attempt        INTEGER NOT NULL,
    trace_id       TEXT NOT NULL,
    due_at         TEXT NOT NULL,
    status         TEXT NOT NULL CHECK(status IN ('scheduled','claimed','done','failed','canceled')),
    error          TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    UNIQUE(transaction_id, attempt)
);
CREATE INDEX IF NOT EXISTS idx_retries_due ON scheduled_retries(status, due_at);

CREATE TABLE IF NOT EXISTS invoices (
    id          TEXT PRIMARY KEY,
    business_id TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    customer_id TEXT NOT NULL DEFAULT '',
    decision_id TEXT NOT NULL DEFAULT '',
    amount      BIGINT NOT NULL,
    currency    TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'open',
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_sessions (
    id                  TEXT PRIMARY KEY,
    business_id         TEXT NOT NULL,
    job_id              TEXT NOT NULL DEFAULT '',
    customer_id         TEXT NOT NULL,
    kind                TEXT NOT NULL,
    url                 TEXT NOT NULL DEFAULT '',
    provider_session_id TEXT NOT NULL DEFAULT '',
    amount              BIGINT NOT NULL DEFAULT 0,
    currency            TEXT NOT NULL DEFAULT 'USD',
    status              TEXT NOT NULL DEFAULT 'open',
    created_at          TEXT NOT NULL
);
`

var tables = []string{
	"payment_sessions", "invoices", "scheduled_retries", "human_tasks",
	"webhook_events", "command_log", "transactions", "decisions",
	"payment_methods", "payment_profiles", "payment_policies",
	"memory_records", "inbound_messages", "audit_events", "jobs",
	"steps", "runs", "schema_version",
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (1, $1)", now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
