// Package state is the durable system-of-record: cases, their append-only
// event logs, submission fingerprints, the retry queue, the outbox, the
// catalog mirror and cached idempotent responses. It runs on PostgreSQL in
// service deployments and on SQLite for local runs and tests, with one
// portable schema.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Quillon-Labs/orderdesk/pkg/config"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("state: not found")

	// ErrConflict is returned when an optimistic status guard fails.
	ErrConflict = errors.New("state: conflicting update")

	// ErrLeaseHeld is returned when another worker holds the lease.
	ErrLeaseHeld = errors.New("state: lease held by another worker")

	// ErrSequenceConflict is returned when an event append lost a race on
	// the per-case sequence. Callers re-read the log head and retry.
	ErrSequenceConflict = errors.New("state: event sequence conflict")

	// ErrDuplicateFingerprint is returned when a submission fingerprint
	// already exists.
	ErrDuplicateFingerprint = errors.New("state: duplicate fingerprint")
)

// Dialect selects driver-specific SQL fragments.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store is the SQL-backed state store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, logger: observability.Component("state")}
}

// Open connects per the runtime configuration and pings the database.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	var driver string
	switch Dialect(cfg.StateStoreDriver) {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("state: unknown driver %q", cfg.StateStoreDriver)
	}
	db, err := sql.Open(driver, cfg.StateStoreEndpoint)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("state: ping %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// Single writer; avoids SQLITE_BUSY under worker concurrency.
		db.SetMaxOpenConns(1)
	}
	return New(db, Dialect(cfg.StateStoreDriver)), nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	case_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	uploader_id TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	resolved_customer_id TEXT NOT NULL DEFAULT '',
	resolved_customer_name TEXT NOT NULL DEFAULT '',
	external_order_id TEXT NOT NULL DEFAULT '',
	wait_deadline TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	leased_by TEXT NOT NULL DEFAULT '',
	leased_until TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_cases_uploader ON cases(uploader_id, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_customer ON cases(resolved_customer_id);

CREATE TABLE IF NOT EXISTS case_events (
	event_id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	status_after TEXT NOT NULL DEFAULT '',
	actor_json TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '',
	pointers_json TEXT NOT NULL DEFAULT '',
	redactions_json TEXT NOT NULL DEFAULT '',
	prev_hash TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL,
	UNIQUE (case_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events(case_id, sequence);

CREATE TABLE IF NOT EXISTS fingerprints (
	hash TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	external_order_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS retry_queue (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	next_attempt_at TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	completed_at TEXT NOT NULL DEFAULT '',
	leased_by TEXT NOT NULL DEFAULT '',
	leased_until TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(completed_at, next_attempt_at);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	processed_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(processed_at, created_at);

CREATE TABLE IF NOT EXISTS catalog_customers (
	external_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	company_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	fetched_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_items (
	external_id TEXT PRIMARY KEY,
	sku TEXT NOT NULL DEFAULT '',
	gtin TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	rate REAL NOT NULL DEFAULT 0,
	unit TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	fetched_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	response_body TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (key, endpoint)
);
`

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("state: init schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver. Queries in
// this package are written with ? and rebound at the call site.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// timeWire is a fixed-width UTC format so string comparison in SQL is
// chronological regardless of fractional precision.
const timeWire = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeWire)
}

func parseWireTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
