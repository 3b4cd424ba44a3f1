// Package store implements the durable repositories behind the resolver,
// the pricing table, and the accounting worker. Postgres is the production
// backend; sqlite (pure Go) serves dev and tests. Monetary columns are TEXT
// so decimal strings round-trip byte for byte.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Store is the single repository over all tables. Placeholders are $N in
// both dialects; sqlite binds them positionally when used in order.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects using the DSN scheme: postgres:// DSNs use lib/pq, file:
// or :memory: DSNs use sqlite.
func Open(dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
		d   Dialect
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		d = Postgres
		db, err = sql.Open("postgres", dsn)
	default:
		d = SQLite
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db, d), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying pool for health probes.
func (s *Store) DB() *sql.DB { return s.db }

// pk returns the auto-increment primary key column clause per dialect.
func (s *Store) pk() string {
	if s.dialect == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS tenants (
	id %[1]s,
	name TEXT NOT NULL UNIQUE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	rate_limit_per_min BIGINT,
	default_session_budget_usd TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	secret_digest TEXT NOT NULL UNIQUE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS budgets (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	period TEXT NOT NULL,
	amount_usd TEXT NOT NULL,
	start_date TIMESTAMP,
	end_date TIMESTAMP,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_budgets_active_period
	ON budgets(tenant_id, period) WHERE is_active AND period IN ('daily', 'monthly');
CREATE TABLE IF NOT EXISTS tags (
	id %[1]s,
	tenant_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	parent_id BIGINT,
	path TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	color TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	UNIQUE(tenant_id, name)
);
CREATE TABLE IF NOT EXISTS tag_budgets (
	id %[1]s,
	tag_id BIGINT NOT NULL,
	period TEXT NOT NULL,
	amount_usd TEXT NOT NULL,
	weight TEXT NOT NULL DEFAULT '1',
	inheritance_mode TEXT NOT NULL DEFAULT 'NONE',
	start_date TIMESTAMP,
	end_date TIMESTAMP,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tag_budgets_active_period
	ON tag_budgets(tag_id, period) WHERE is_active;
CREATE TABLE IF NOT EXISTS model_pricing (
	id %[1]s,
	model TEXT NOT NULL,
	version_tag TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	input_price TEXT NOT NULL DEFAULT '0',
	cached_input_price TEXT NOT NULL DEFAULT '0',
	output_price TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(model, version_tag)
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	tenant_id BIGINT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	effective_budget_usd TEXT,
	current_cost_usd TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL,
	request_count BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS usage_ledger (
	id %[1]s,
	ts TIMESTAMP NOT NULL,
	tenant_id BIGINT NOT NULL,
	route TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	cached_prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	usd TEXT NOT NULL,
	session_id TEXT,
	outcome TEXT NOT NULL,
	tags TEXT,
	fingerprint TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_usage_ledger_tenant_ts ON usage_ledger(tenant_id, ts);
CREATE TABLE IF NOT EXISTS counters (
	tenant_name TEXT NOT NULL,
	ledger_key TEXT NOT NULL,
	total_usd TEXT NOT NULL DEFAULT '0',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY(tenant_name, ledger_key)
);
CREATE TABLE IF NOT EXISTS tag_usage (
	tenant_name TEXT NOT NULL,
	tag_id BIGINT NOT NULL,
	period TEXT NOT NULL,
	day TEXT NOT NULL,
	total_usd TEXT NOT NULL DEFAULT '0',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY(tenant_name, tag_id, period, day)
);
CREATE TABLE IF NOT EXISTS processed_events (
	fingerprint TEXT PRIMARY KEY,
	processed_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_outbox (
	id %[1]s,
	event TEXT NOT NULL,
	appended_at TIMESTAMP NOT NULL,
	claimed_at TIMESTAMP,
	delivered BOOLEAN NOT NULL DEFAULT FALSE
);
`, s.pk())

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }
