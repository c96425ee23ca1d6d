/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements waterfall.TxStore using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  waterfall.AgreementStore:  Agreements, parties, terms
  waterfall.SettlementStore: Settlements, items, term state, party totals
  waterfall.RevenueStore:    Revenue reports awaiting settlement
  waterfall.TxStore:         WithTx over all of the above

KEY TABLES:
  agreements:       Agreement header and cached display totals
  parties:          Payees, with lifetime total received
  terms:            Waterfall tranches, with mutable recoupment state
  settlements:      One row per (agreement, period start)
  settlement_items: Immutable per-term payouts
  revenue_reports:  Period revenue handed over by the aggregation service

IDEMPOTENCY:
  idx_settlements_agreement_period is UNIQUE on (agreement_id, period_start).
  A duplicate insert maps to waterfall.ErrSettlementExists; the surrounding
  transaction is rolled back, so nothing from the second attempt persists.

MONEY:
  Cents are INTEGER. Share values and cap multipliers are decimal strings
  (TEXT) so no precision is lost to REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, since
  SQLite has one writer. In production with PostgreSQL, database-level
  concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/waterfall.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  settler := waterfall.NewSettler(store)

SEE ALSO:
  - waterfall/store.go: Interface definitions
  - waterfall/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/waterfall-engine/waterfall"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
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

// Reset deletes every row. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(c conn) error {
		for _, table := range []string{"settlement_items", "settlements", "revenue_reports", "terms", "parties", "agreements"} {
			if _, err := c.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agreements (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		period_type TEXT NOT NULL,
		contributed_cents INTEGER NOT NULL DEFAULT 0,
		distributed_cents INTEGER NOT NULL DEFAULT 0,
		revenue_to_date_cents INTEGER NOT NULL DEFAULT 0,
		unallocated_cents INTEGER NOT NULL DEFAULT 0,
		settlement_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS parties (
		agreement_id TEXT NOT NULL REFERENCES agreements(id),
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		contribution_cents INTEGER NOT NULL DEFAULT 0,
		total_received_cents INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (agreement_id, id)
	);

	CREATE TABLE IF NOT EXISTS terms (
		agreement_id TEXT NOT NULL,
		id TEXT NOT NULL,
		party_id TEXT NOT NULL,
		recoupment_order INTEGER NOT NULL,
		share_type TEXT NOT NULL,
		share_value TEXT NOT NULL,
		cap_cents INTEGER,
		cap_multiplier TEXT,
		recoup_target_cents INTEGER,
		recouped_cents INTEGER NOT NULL DEFAULT 0,
		recoupment_complete INTEGER NOT NULL DEFAULT 0,
		cap_reached INTEGER NOT NULL DEFAULT 0,
		last_settlement_id TEXT,
		PRIMARY KEY (agreement_id, id),
		FOREIGN KEY (agreement_id, party_id) REFERENCES parties(agreement_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_terms_agreement_order
		ON terms(agreement_id, recoupment_order);

	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		agreement_id TEXT NOT NULL REFERENCES agreements(id),
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		gross_revenue_cents INTEGER NOT NULL,
		platform_fees_cents INTEGER NOT NULL,
		net_distributable_cents INTEGER NOT NULL,
		distributed_cents INTEGER NOT NULL,
		unallocated_cents INTEGER NOT NULL,
		status TEXT NOT NULL,
		status_reason TEXT,
		calculated_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one settlement per agreement and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_agreement_period
		ON settlements(agreement_id, period_start);

	CREATE TABLE IF NOT EXISTS settlement_items (
		id TEXT PRIMARY KEY,
		settlement_id TEXT NOT NULL REFERENCES settlements(id),
		agreement_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		party_id TEXT NOT NULL,
		recoupment_order INTEGER NOT NULL,
		amount_cents INTEGER NOT NULL,
		share_type TEXT NOT NULL,
		share_value TEXT NOT NULL,
		recouped_in_period_cents INTEGER NOT NULL DEFAULT 0,
		recoupment_remaining_cents INTEGER NOT NULL DEFAULT 0,
		cap_applied INTEGER NOT NULL DEFAULT 0,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_settlement_items_settlement
		ON settlement_items(settlement_id);
	CREATE INDEX IF NOT EXISTS idx_settlement_items_party
		ON settlement_items(agreement_id, party_id);

	CREATE TABLE IF NOT EXISTS revenue_reports (
		agreement_id TEXT NOT NULL REFERENCES agreements(id),
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		gross_revenue_cents INTEGER NOT NULL,
		platform_fees_cents INTEGER NOT NULL,
		received_at TEXT NOT NULL,
		PRIMARY KEY (agreement_id, period_start)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER - Shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against one querier. Store uses the pool,
// the transactional view uses the open *sql.Tx.
type conn struct {
	q querier
}

// inTx runs fn in its own transaction for multi-statement writes made
// outside WithTx. Caller holds s.mu.
func (s *Store) inTx(ctx context.Context, fn func(c conn) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// TRANSACTIONAL STORE (waterfall.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store waterfall.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the waterfall.Store view handed to WithTx callbacks.
// Multi-statement writes run directly on the open transaction.
type txStore struct {
	conn
}

func (ts *txStore) SaveAgreement(ctx context.Context, cfg waterfall.AgreementConfig) error {
	return ts.saveAgreement(ctx, cfg)
}

func (ts *txStore) SaveSettlement(ctx context.Context, st waterfall.Settlement) error {
	return ts.saveSettlement(ctx, st)
}

func (ts *txStore) SaveTermStates(ctx context.Context, terms []waterfall.Term) error {
	return ts.saveTermStates(ctx, terms)
}

func (ts *txStore) CreditParties(ctx context.Context, id waterfall.AgreementID, credits map[waterfall.PartyID]waterfall.Cents) error {
	return ts.creditParties(ctx, id, credits)
}

// =============================================================================
// AGREEMENT STORE
// =============================================================================

// SaveAgreement creates or updates an agreement. Recoupment state and
// party totals survive an edit; removed terms and parties are deleted.
func (s *Store) SaveAgreement(ctx context.Context, cfg waterfall.AgreementConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c conn) error { return c.saveAgreement(ctx, cfg) })
}

func (c conn) saveAgreement(ctx context.Context, cfg waterfall.AgreementConfig) error {
	a := cfg.Agreement
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO agreements (id, name, period_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			period_type = excluded.period_type,
			updated_at = excluded.updated_at
	`, a.ID, a.Name, string(a.PeriodConfig.Type), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save agreement: %w", err)
	}

	keepTerms := make(map[waterfall.TermID]bool, len(cfg.Terms))
	for _, t := range cfg.Terms {
		keepTerms[t.ID] = true
	}
	keepParties := make(map[waterfall.PartyID]bool, len(cfg.Parties))
	for _, p := range cfg.Parties {
		keepParties[p.ID] = true
	}

	existingTerms, err := c.listIDs(ctx, "SELECT id FROM terms WHERE agreement_id = ?", a.ID)
	if err != nil {
		return err
	}
	for _, id := range existingTerms {
		if !keepTerms[waterfall.TermID(id)] {
			if _, err := c.q.ExecContext(ctx, "DELETE FROM terms WHERE agreement_id = ? AND id = ?", a.ID, id); err != nil {
				return fmt.Errorf("failed to remove term %s: %w", id, err)
			}
		}
	}

	for _, p := range cfg.Parties {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO parties (agreement_id, id, name, role, contribution_cents)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agreement_id, id) DO UPDATE SET
				name = excluded.name,
				role = excluded.role,
				contribution_cents = excluded.contribution_cents
		`, a.ID, p.ID, p.Name, string(p.Role), int64(p.ContributionCents))
		if err != nil {
			return fmt.Errorf("failed to save party %s: %w", p.ID, err)
		}
	}

	for _, t := range cfg.Terms {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO terms (agreement_id, id, party_id, recoupment_order, share_type, share_value,
				cap_cents, cap_multiplier, recoup_target_cents, recouped_cents)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agreement_id, id) DO UPDATE SET
				party_id = excluded.party_id,
				recoupment_order = excluded.recoupment_order,
				share_type = excluded.share_type,
				share_value = excluded.share_value,
				cap_cents = excluded.cap_cents,
				cap_multiplier = excluded.cap_multiplier,
				recoup_target_cents = excluded.recoup_target_cents
		`, a.ID, t.ID, t.PartyID, t.Order, string(t.ShareType), t.ShareValue.String(),
			nullCents(t.CapCents), nullDecimal(t.CapMultiplier), nullCents(t.RecoupTargetCents),
			int64(t.RecoupedCents))
		if err != nil {
			return fmt.Errorf("failed to save term %s: %w", t.ID, err)
		}
	}

	existingParties, err := c.listIDs(ctx, "SELECT id FROM parties WHERE agreement_id = ?", a.ID)
	if err != nil {
		return err
	}
	for _, id := range existingParties {
		if !keepParties[waterfall.PartyID(id)] {
			if _, err := c.q.ExecContext(ctx, "DELETE FROM parties WHERE agreement_id = ? AND id = ?", a.ID, id); err != nil {
				return fmt.Errorf("failed to remove party %s: %w", id, err)
			}
		}
	}

	return nil
}

func (c conn) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const agreementColumns = `id, name, period_type, contributed_cents, distributed_cents,
	revenue_to_date_cents, unallocated_cents, settlement_count, created_at, updated_at`

// GetAgreement retrieves an agreement by ID.
func (s *Store) GetAgreement(ctx context.Context, id waterfall.AgreementID) (*waterfall.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.GetAgreement(ctx, id)
}

func (c conn) GetAgreement(ctx context.Context, id waterfall.AgreementID) (*waterfall.Agreement, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+agreementColumns+" FROM agreements WHERE id = ?", id)
	a, err := scanAgreement(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", waterfall.ErrAgreementNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgreements returns all agreements.
func (s *Store) ListAgreements(ctx context.Context) ([]waterfall.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.ListAgreements(ctx)
}

func (c conn) ListAgreements(ctx context.Context) ([]waterfall.Agreement, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT "+agreementColumns+" FROM agreements ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []waterfall.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgreement(row scanner) (waterfall.Agreement, error) {
	var (
		a                    waterfall.Agreement
		periodType           string
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.Name, &periodType,
		&a.Totals.ContributedCents, &a.Totals.DistributedCents, &a.Totals.RevenueToDateCents,
		&a.Totals.UnallocatedCents, &a.Totals.SettlementCount, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	a.PeriodConfig = waterfall.PeriodConfig{Type: waterfall.PeriodType(periodType)}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// LoadConfig returns an agreement with its parties and terms.
func (s *Store) LoadConfig(ctx context.Context, id waterfall.AgreementID) (*waterfall.AgreementConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.LoadConfig(ctx, id)
}

func (c conn) LoadConfig(ctx context.Context, id waterfall.AgreementID) (*waterfall.AgreementConfig, error) {
	a, err := c.GetAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := &waterfall.AgreementConfig{Agreement: *a}

	prows, err := c.q.QueryContext(ctx, `
		SELECT id, name, role, contribution_cents, total_received_cents
		FROM parties WHERE agreement_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query parties: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		p := waterfall.Party{AgreementID: id}
		var role string
		if err := prows.Scan(&p.ID, &p.Name, &role, &p.ContributionCents, &p.TotalReceivedCents); err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		p.Role = waterfall.PartyRole(role)
		cfg.Parties = append(cfg.Parties, p)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	trows, err := c.q.QueryContext(ctx, `
		SELECT id, party_id, recoupment_order, share_type, share_value, cap_cents, cap_multiplier,
			recoup_target_cents, recouped_cents, recoupment_complete, cap_reached, last_settlement_id
		FROM terms WHERE agreement_id = ? ORDER BY recoupment_order
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query terms: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		t, err := scanTerm(trows)
		if err != nil {
			return nil, err
		}
		t.AgreementID = id
		cfg.Terms = append(cfg.Terms, t)
	}
	return cfg, trows.Err()
}

func scanTerm(row scanner) (waterfall.Term, error) {
	var (
		t              waterfall.Term
		shareType      string
		shareValue     string
		capCents       sql.NullInt64
		capMultiplier  sql.NullString
		recoupTarget   sql.NullInt64
		lastSettlement sql.NullString
	)
	err := row.Scan(&t.ID, &t.PartyID, &t.Order, &shareType, &shareValue, &capCents, &capMultiplier,
		&recoupTarget, &t.RecoupedCents, &t.RecoupmentComplete, &t.CapReached, &lastSettlement)
	if err != nil {
		return t, fmt.Errorf("failed to scan term: %w", err)
	}

	t.ShareType = waterfall.ShareType(shareType)
	if t.ShareValue, err = decimal.NewFromString(shareValue); err != nil {
		return t, fmt.Errorf("term %s share value %q: %w", t.ID, shareValue, err)
	}
	if capCents.Valid {
		v := waterfall.Cents(capCents.Int64)
		t.CapCents = &v
	}
	if capMultiplier.Valid {
		m, err := decimal.NewFromString(capMultiplier.String)
		if err != nil {
			return t, fmt.Errorf("term %s cap multiplier %q: %w", t.ID, capMultiplier.String, err)
		}
		t.CapMultiplier = &m
	}
	if recoupTarget.Valid {
		v := waterfall.Cents(recoupTarget.Int64)
		t.RecoupTargetCents = &v
	}
	t.LastSettlementID = waterfall.SettlementID(lastSettlement.String)
	return t, nil
}

// =============================================================================
// SETTLEMENT STORE
// =============================================================================

// SettlementExists checks the (agreement, period start) idempotency key.
func (s *Store) SettlementExists(ctx context.Context, id waterfall.AgreementID, start waterfall.TimePoint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.SettlementExists(ctx, id, start)
}

func (c conn) SettlementExists(ctx context.Context, id waterfall.AgreementID, start waterfall.TimePoint) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM settlements WHERE agreement_id = ? AND period_start = ?",
		id, start.String(),
	).Scan(&count)
	return count > 0, err
}

// SaveSettlement inserts a settlement with its items.
func (s *Store) SaveSettlement(ctx context.Context, st waterfall.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c conn) error { return c.saveSettlement(ctx, st) })
}

func (c conn) saveSettlement(ctx context.Context, st waterfall.Settlement) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO settlements (id, agreement_id, period_start, period_end,
			gross_revenue_cents, platform_fees_cents, net_distributable_cents,
			distributed_cents, unallocated_cents, status, status_reason, calculated_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.AgreementID, st.Period.Start.String(), st.Period.End.String(),
		int64(st.GrossRevenueCents), int64(st.PlatformFeesCents), int64(st.NetDistributableCents),
		int64(st.DistributedCents), int64(st.UnallocatedCents),
		string(st.Status), nullString(st.StatusReason),
		formatTime(st.CalculatedAt), formatTime(st.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return waterfall.ErrSettlementExists
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}

	for _, item := range st.Items {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO settlement_items (id, settlement_id, agreement_id, term_id, party_id,
				recoupment_order, amount_cents, share_type, share_value,
				recouped_in_period_cents, recoupment_remaining_cents, cap_applied, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, st.ID, st.AgreementID, item.TermID, item.PartyID,
			item.Order, int64(item.AmountCents), string(item.ShareType), item.ShareValue.String(),
			int64(item.RecoupedInPeriodCents), int64(item.RecoupmentRemainingCents),
			item.CapApplied, nullString(item.Notes))
		if err != nil {
			return fmt.Errorf("failed to insert settlement item: %w", err)
		}
	}
	return nil
}

const settlementColumns = `id, agreement_id, period_start, period_end, gross_revenue_cents,
	platform_fees_cents, net_distributable_cents, distributed_cents, unallocated_cents,
	status, status_reason, calculated_at, updated_at`

// GetSettlement retrieves a settlement with its items.
func (s *Store) GetSettlement(ctx context.Context, id waterfall.SettlementID) (*waterfall.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.GetSettlement(ctx, id)
}

func (c conn) GetSettlement(ctx context.Context, id waterfall.SettlementID) (*waterfall.Settlement, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+settlementColumns+" FROM settlements WHERE id = ?", id)
	st, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", waterfall.ErrSettlementNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if st.Items, err = c.listItems(ctx, "WHERE settlement_id = ?", id); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSettlements returns an agreement's settlements in period order.
func (s *Store) ListSettlements(ctx context.Context, id waterfall.AgreementID) ([]waterfall.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.ListSettlements(ctx, id)
}

func (c conn) ListSettlements(ctx context.Context, id waterfall.AgreementID) ([]waterfall.Settlement, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE agreement_id = ? ORDER BY period_start", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	var out []waterfall.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Items are fetched after the settlement cursor is closed: the store
	// runs on a single connection.
	items, err := c.listItems(ctx, "WHERE agreement_id = ?", id)
	if err != nil {
		return nil, err
	}
	bySettlement := make(map[waterfall.SettlementID][]waterfall.SettlementItem)
	for _, item := range items {
		bySettlement[item.SettlementID] = append(bySettlement[item.SettlementID], item)
	}
	for i := range out {
		out[i].Items = bySettlement[out[i].ID]
	}
	return out, nil
}

func scanSettlement(row scanner) (waterfall.Settlement, error) {
	var (
		st                      waterfall.Settlement
		periodStart, periodEnd  string
		status                  string
		reason                  sql.NullString
		calculatedAt, updatedAt string
	)
	err := row.Scan(&st.ID, &st.AgreementID, &periodStart, &periodEnd,
		&st.GrossRevenueCents, &st.PlatformFeesCents, &st.NetDistributableCents,
		&st.DistributedCents, &st.UnallocatedCents, &status, &reason, &calculatedAt, &updatedAt)
	if err != nil {
		return st, err
	}
	if st.Period, err = parsePeriod(periodStart, periodEnd); err != nil {
		return st, err
	}
	if st.Status, err = waterfall.ParseSettlementStatus(status); err != nil {
		return st, err
	}
	st.StatusReason = reason.String
	st.CalculatedAt = parseTime(calculatedAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

func (c conn) listItems(ctx context.Context, where string, args ...any) ([]waterfall.SettlementItem, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, settlement_id, agreement_id, term_id, party_id, recoupment_order, amount_cents,
			share_type, share_value, recouped_in_period_cents, recoupment_remaining_cents, cap_applied, notes
		FROM settlement_items `+where+` ORDER BY recoupment_order`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement items: %w", err)
	}
	defer rows.Close()

	var items []waterfall.SettlementItem
	for rows.Next() {
		var (
			item       waterfall.SettlementItem
			shareType  string
			shareValue string
			notes      sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.SettlementID, &item.AgreementID, &item.TermID, &item.PartyID,
			&item.Order, &item.AmountCents, &shareType, &shareValue,
			&item.RecoupedInPeriodCents, &item.RecoupmentRemainingCents, &item.CapApplied, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan settlement item: %w", err)
		}
		item.ShareType = waterfall.ShareType(shareType)
		if item.ShareValue, err = decimal.NewFromString(shareValue); err != nil {
			return nil, fmt.Errorf("item %s share value %q: %w", item.ID, shareValue, err)
		}
		item.Notes = notes.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateSettlementStatus is the only UPDATE ever issued against settlements.
func (s *Store) UpdateSettlementStatus(ctx context.Context, id waterfall.SettlementID, from, to waterfall.SettlementStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{q: s.db}.UpdateSettlementStatus(ctx, id, from, to, reason, at)
}

func (c conn) UpdateSettlementStatus(ctx context.Context, id waterfall.SettlementID, from, to waterfall.SettlementStatus, reason string, at time.Time) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE settlements SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), nullString(reason), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update settlement status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := c.GetSettlement(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: settlement %s is not %s", waterfall.ErrInvalidTransition, id, from)
	}
	return nil
}

// SaveTermStates overwrites mutable term state after a monotonicity check.
func (s *Store) SaveTermStates(ctx context.Context, terms []waterfall.Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c conn) error { return c.saveTermStates(ctx, terms) })
}

func (c conn) saveTermStates(ctx context.Context, terms []waterfall.Term) error {
	for _, next := range terms {
		row := c.q.QueryRowContext(ctx, `
			SELECT id, party_id, recoupment_order, share_type, share_value, cap_cents, cap_multiplier,
				recoup_target_cents, recouped_cents, recoupment_complete, cap_reached, last_settlement_id
			FROM terms WHERE agreement_id = ? AND id = ?
		`, next.AgreementID, next.ID)
		prev, err := scanTerm(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: unknown term %s", waterfall.ErrInvalidTerm, next.ID)
		}
		if err != nil {
			return err
		}
		if err := waterfall.CheckMonotonic(prev, next); err != nil {
			return err
		}

		_, err = c.q.ExecContext(ctx, `
			UPDATE terms SET recouped_cents = ?, recoupment_complete = ?, cap_reached = ?, last_settlement_id = ?
			WHERE agreement_id = ? AND id = ?
		`, int64(next.RecoupedCents), next.RecoupmentComplete, next.CapReached,
			nullString(string(next.LastSettlementID)), next.AgreementID, next.ID)
		if err != nil {
			return fmt.Errorf("failed to save term %s state: %w", next.ID, err)
		}
	}
	return nil
}

// CreditParties adds settlement payouts to party totals.
func (s *Store) CreditParties(ctx context.Context, id waterfall.AgreementID, credits map[waterfall.PartyID]waterfall.Cents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(c conn) error { return c.creditParties(ctx, id, credits) })
}

func (c conn) creditParties(ctx context.Context, id waterfall.AgreementID, credits map[waterfall.PartyID]waterfall.Cents) error {
	for pid, amount := range credits {
		res, err := c.q.ExecContext(ctx,
			"UPDATE parties SET total_received_cents = total_received_cents + ? WHERE agreement_id = ? AND id = ?",
			int64(amount), id, pid)
		if err != nil {
			return fmt.Errorf("failed to credit party %s: %w", pid, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: unknown party %s", waterfall.ErrInvalidTerm, pid)
		}
	}
	return nil
}

// SaveAgreementTotals replaces the cached display totals.
func (s *Store) SaveAgreementTotals(ctx context.Context, id waterfall.AgreementID, totals waterfall.AgreementTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{q: s.db}.SaveAgreementTotals(ctx, id, totals)
}

func (c conn) SaveAgreementTotals(ctx context.Context, id waterfall.AgreementID, t waterfall.AgreementTotals) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE agreements SET contributed_cents = ?, distributed_cents = ?, revenue_to_date_cents = ?,
			unallocated_cents = ?, settlement_count = ?
		WHERE id = ?
	`, int64(t.ContributedCents), int64(t.DistributedCents), int64(t.RevenueToDateCents),
		int64(t.UnallocatedCents), t.SettlementCount, id)
	if err != nil {
		return fmt.Errorf("failed to save agreement totals: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", waterfall.ErrAgreementNotFound, id)
	}
	return nil
}

// =============================================================================
// REVENUE STORE
// =============================================================================

// SaveRevenueReport records a report, replacing an unsettled one.
func (s *Store) SaveRevenueReport(ctx context.Context, r waterfall.RevenueReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn{q: s.db}.SaveRevenueReport(ctx, r)
}

func (c conn) SaveRevenueReport(ctx context.Context, r waterfall.RevenueReport) error {
	settled, err := c.SettlementExists(ctx, r.AgreementID, r.Period.Start)
	if err != nil {
		return err
	}
	if settled {
		return waterfall.ErrSettlementExists
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO revenue_reports (agreement_id, period_start, period_end,
			gross_revenue_cents, platform_fees_cents, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agreement_id, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			gross_revenue_cents = excluded.gross_revenue_cents,
			platform_fees_cents = excluded.platform_fees_cents,
			received_at = excluded.received_at
	`, r.AgreementID, r.Period.Start.String(), r.Period.End.String(),
		int64(r.GrossRevenueCents), int64(r.PlatformFeesCents), formatTime(receivedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("%w: %s", waterfall.ErrAgreementNotFound, r.AgreementID)
		}
		return fmt.Errorf("failed to save revenue report: %w", err)
	}
	return nil
}

// PendingRevenueReports returns closed, unsettled reports in period order.
func (s *Store) PendingRevenueReports(ctx context.Context, asOf waterfall.TimePoint) ([]waterfall.RevenueReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.PendingRevenueReports(ctx, asOf)
}

func (c conn) PendingRevenueReports(ctx context.Context, asOf waterfall.TimePoint) ([]waterfall.RevenueReport, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT r.agreement_id, r.period_start, r.period_end, r.gross_revenue_cents,
			r.platform_fees_cents, r.received_at
		FROM revenue_reports r
		LEFT JOIN settlements s
			ON s.agreement_id = r.agreement_id AND s.period_start = r.period_start
		WHERE s.id IS NULL AND r.period_end < ?
		ORDER BY r.period_start, r.agreement_id
	`, asOf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue reports: %w", err)
	}
	defer rows.Close()

	var out []waterfall.RevenueReport
	for rows.Next() {
		var (
			r                      waterfall.RevenueReport
			periodStart, periodEnd string
			receivedAt             string
		)
		if err := rows.Scan(&r.AgreementID, &periodStart, &periodEnd,
			&r.GrossRevenueCents, &r.PlatformFeesCents, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan revenue report: %w", err)
		}
		if r.Period, err = parsePeriod(periodStart, periodEnd); err != nil {
			return nil, err
		}
		r.ReceivedAt = parseTime(receivedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parsePeriod(start, end string) (waterfall.Period, error) {
	s, err := waterfall.ParseDate(start)
	if err != nil {
		return waterfall.Period{}, fmt.Errorf("period start %q: %w", start, err)
	}
	e, err := waterfall.ParseDate(end)
	if err != nil {
		return waterfall.Period{}, fmt.Errorf("period end %q: %w", end, err)
	}
	return waterfall.Period{Start: s, End: e}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullCents(c *waterfall.Cents) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
