/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements affiliate.TxStore using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

NO-DELETE ENFORCEMENT:
  There is no DELETE statement anywhere in this package.
  - leads are re-pointed (agent_id / manager_id set to NULL on recovery)
  - relations, sales and contracts change status
  - ledger_entries only flip is_settled
  - audit_log and outbox are insert-only (outbox rows are marked sent)

KEY TABLES:
  partners, relations:      The manager -> agent hierarchy
  leads:                    Customer acquisition records with ownership pointers
  sales:                    Sales and their approval state
  commission_tiers:         Rate rows keyed by product/cabin/fare
  ledger_entries:           Settlement rows, one per (sale, beneficiary)
  contracts:                Partner contracts and the recovery guard
  audit_log, outbox:        Side records written with every transition

INDEXES:
  - idx_relations_one_active: at most one ACTIVE relation per agent
  - idx_ledger_sale_beneficiary: the commission is booked exactly once
  - idx_leads_phone: ownership resolution (hot path)
  - idx_contracts_recovery_due: the recovery sweep

COMPARE-AND-SWAP:
  Status transitions are "UPDATE ... WHERE id = ? AND status = ?" and
  report RowsAffected, so two racing units of work get one winner.

TIME:
  Timestamps are stored as fixed-width UTC text (timeLayout) so that
  string comparison in SQL matches chronological order.

USAGE:
  store, err := sqlite.New("./data/affiliate.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := affiliate.NewEngine(store, affiliate.Options{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - affiliate/store.go: Interface definitions
  - affiliate/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/affiliate-engine/affiliate"
)

// Store implements affiliate.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Partner directory
	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		affiliate_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relations (
		id TEXT PRIMARY KEY,
		manager_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		connected_at TEXT NOT NULL,
		disconnected_at TEXT
	);

	-- CRITICAL: no dual reporting
	CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_one_active
		ON relations(agent_id) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_relations_manager
		ON relations(manager_id, status);

	-- Leads (ownership pointers, never deleted)
	CREATE TABLE IF NOT EXISTS leads (
		id TEXT PRIMARY KEY,
		customer_name TEXT,
		phone TEXT NOT NULL,
		status TEXT NOT NULL,
		channel TEXT,
		agent_id TEXT,
		manager_id TEXT,
		recovered_from TEXT,
		recovered_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leads_phone
		ON leads(phone, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_leads_agent
		ON leads(agent_id) WHERE agent_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_leads_manager
		ON leads(manager_id) WHERE manager_id IS NOT NULL;

	-- Sales
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		cabin_type TEXT NOT NULL,
		fare_category TEXT NOT NULL,
		sale_amount TEXT NOT NULL,
		cost_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		customer_name TEXT,
		customer_phone TEXT,
		agent_id TEXT,
		manager_id TEXT,
		status TEXT NOT NULL,
		evidence_ref TEXT,
		evidence_type TEXT,
		submitted_by TEXT,
		decided_by TEXT,
		rejection_reason TEXT,
		sold_at TEXT NOT NULL,
		submitted_at TEXT,
		approved_at TEXT,
		rejected_at TEXT,
		confirmed_at TEXT,
		refunded_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_status ON sales(status);
	CREATE INDEX IF NOT EXISTS idx_sales_agent ON sales(agent_id) WHERE agent_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_sales_manager ON sales(manager_id) WHERE manager_id IS NOT NULL;

	-- Commission tiers
	CREATE TABLE IF NOT EXISTS commission_tiers (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		cabin_type TEXT NOT NULL,
		fare_category TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		sale_amount TEXT NOT NULL,
		cost_amount TEXT NOT NULL,
		hq_share TEXT NOT NULL,
		branch_share TEXT NOT NULL,
		sales_share TEXT NOT NULL,
		currency TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tiers_key
		ON commission_tiers(product_id, cabin_type, fare_category, effective_from);

	-- Ledger (settled flag is the only mutable column)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		beneficiary TEXT NOT NULL,
		partner_id TEXT,
		amount TEXT NOT NULL,
		override_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		is_settled INTEGER NOT NULL DEFAULT 0,
		settled_at TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one entry per (sale, beneficiary)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_sale_beneficiary
		ON ledger_entries(sale_id, beneficiary);
	CREATE INDEX IF NOT EXISTS idx_ledger_partner
		ON ledger_entries(partner_id) WHERE partner_id IS NOT NULL;

	-- Contracts
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		renewal_date TEXT,
		renewal_count INTEGER NOT NULL DEFAULT 0,
		signed_at TEXT,
		renewed_at TEXT,
		terminated_at TEXT,
		termination_reason TEXT,
		db_recovered INTEGER NOT NULL DEFAULT 0,
		recovered_at TEXT,
		recovery_due_at TEXT,
		recovery_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_partner ON contracts(partner_id);
	CREATE INDEX IF NOT EXISTS idx_contracts_recovery_due
		ON contracts(recovery_due_at) WHERE status = 'TERMINATED' AND db_recovered = 0;
	CREATE INDEX IF NOT EXISTS idx_contracts_renewal
		ON contracts(renewal_date) WHERE status = 'COMPLETED';

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		target_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_kind TEXT NOT NULL,
		at TEXT NOT NULL,
		detail_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_id, at);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id, at);

	-- Outbox
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		recipient_id TEXT,
		payload_json TEXT,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox(created_at) WHERE sent_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(affiliate.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// AppendLedgerEntries runs in its own transaction when called outside one,
// so a batch is never half written.
func (s *Store) AppendLedgerEntries(ctx context.Context, entries []affiliate.LedgerEntry) error {
	return s.WithTx(ctx, func(tx affiliate.Store) error {
		return tx.AppendLedgerEntries(ctx, entries)
	})
}

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements affiliate.Store against either the database or an
// open transaction.
type queries struct {
	db dbtx
}

var (
	_ affiliate.TxStore = (*Store)(nil)
	_ affiliate.Store   = (*queries)(nil)
)

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored values sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPartner(id *affiliate.PartnerID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func scanPartner(ns sql.NullString) *affiliate.PartnerID {
	if !ns.Valid {
		return nil
	}
	id := affiliate.PartnerID(ns.String)
	return &id
}

func parseAmount(value, currency string) (affiliate.Amount, error) {
	a, err := affiliate.ParseAmount(value, currency)
	if err != nil {
		return affiliate.Amount{}, fmt.Errorf("invalid stored amount %q: %w", value, err)
	}
	return a, nil
}

func currencyOf(a affiliate.Amount) string {
	if a.Currency == "" {
		return affiliate.DefaultCurrency
	}
	return a.Currency
}

func toJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// where accumulates AND-ed conditions for the list queries.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// changed reports whether an UPDATE touched a row. When it did not, it
// checks that the row exists so callers can tell "lost the race" from
// "no such record".
func (q *queries) changed(ctx context.Context, res sql.Result, table, kind, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = q.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s %s: %w", kind, id, affiliate.ErrNotFound)
	}
	return false, err
}

// mustChange is changed for updates that have no status precondition.
func (q *queries) mustChange(ctx context.Context, res sql.Result, table, kind, id string) error {
	_, err := q.changed(ctx, res, table, kind, id)
	return err
}
