package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"cashback-api/internal/models"
	"cashback-api/internal/store"
)

// DB wraps the database connection and implements store.Store on SQLite.
type DB struct {
	conn *sql.DB
	ids  *store.IDGenerator
}

var _ store.Store = (*DB)(nil)

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps the read-modify-write of ruleset counters serial.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, ids: store.NewIDGenerator()}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			id_numeric INTEGER NOT NULL DEFAULT 0,
			customer_id TEXT NOT NULL,
			customer_numeric INTEGER NOT NULL DEFAULT 0,
			date_raw TEXT NOT NULL,
			extra TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rulesets (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			start_raw TEXT NOT NULL,
			start_sec INTEGER NOT NULL,
			start_nsec INTEGER NOT NULL,
			end_raw TEXT NOT NULL,
			end_sec INTEGER NOT NULL,
			end_nsec INTEGER NOT NULL,
			budget INTEGER,
			pending_budget INTEGER,
			redemption_limit INTEGER,
			pending_redemption_limit INTEGER,
			min_transactions INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS cashbacks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ruleset_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			transaction_numeric INTEGER NOT NULL DEFAULT 0,
			amount INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_customer_id ON transactions(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rulesets_window ON rulesets(start_sec, end_sec)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cashbacks_ruleset_customer ON cashbacks(ruleset_id, customer_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// AddTransaction appends a transaction. Duplicate caller ids are allowed.
func (db *DB) AddTransaction(ctx context.Context, txn models.Transaction) (models.Transaction, error) {
	extraJSON, err := serializeExtra(txn.Extra)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to serialize transaction fields: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO transactions (id, id_numeric, customer_id, customer_numeric, date_raw, extra)
		VALUES (?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.NumericID,
		txn.CustomerID,
		txn.NumericCustomerID,
		txn.Date.String(),
		extraJSON,
	)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
	}

	return txn, nil
}

// AddRuleSet stores a ruleset under a newly generated id.
func (db *DB) AddRuleSet(ctx context.Context, rs models.RuleSet) (models.RuleSet, error) {
	rs.ID = db.ids.Next(store.RuleSetPrefix)

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO rulesets (
			id, start_raw, start_sec, start_nsec, end_raw, end_sec, end_nsec,
			budget, pending_budget, redemption_limit, pending_redemption_limit,
			min_transactions, amount
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rs.ID,
		rs.StartDate.String(),
		rs.StartDate.Unix(),
		rs.StartDate.Nanosecond(),
		rs.EndDate.String(),
		rs.EndDate.Unix(),
		rs.EndDate.Nanosecond(),
		nullInt(rs.Budget),
		nullInt(rs.PendingBudget),
		nullInt(rs.RedemptionLimit),
		nullInt(rs.PendingRedemptionLimit),
		rs.MinTransactions,
		rs.Amount,
	)
	if err != nil {
		return models.RuleSet{}, fmt.Errorf("failed to insert ruleset: %w", err)
	}

	return rs, nil
}

// AddCashback stores an award under a newly generated id.
func (db *DB) AddCashback(ctx context.Context, cb models.Cashback) (models.Cashback, error) {
	cb.ID = db.ids.Next(store.CashbackPrefix)

	if err := insertCashback(ctx, db.conn, cb); err != nil {
		return models.Cashback{}, err
	}

	return cb, nil
}

// RecordAward inserts the award and charges its ruleset in one transaction.
func (db *DB) RecordAward(ctx context.Context, cb models.Cashback, budget, redemptions int64) (models.Cashback, error) {
	cb.ID = db.ids.Next(store.CashbackPrefix)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Cashback{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertCashback(ctx, tx, cb); err != nil {
		return models.Cashback{}, err
	}
	if err := decrementRuleSet(ctx, tx, cb.RuleSetID, budget, redemptions); err != nil {
		return models.Cashback{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Cashback{}, fmt.Errorf("failed to commit award: %w", err)
	}

	return cb, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCashback(ctx context.Context, ex execer, cb models.Cashback) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO cashbacks (id, ruleset_id, customer_id, transaction_id, transaction_numeric, amount)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cb.ID,
		cb.RuleSetID,
		cb.CustomerID,
		cb.TransactionID,
		cb.NumericTransactionID,
		cb.Amount,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return store.ErrDuplicateCashback
		}
		return fmt.Errorf("failed to insert cashback: %w", err)
	}
	return nil
}

const ruleSetColumns = `id, start_raw, end_raw, budget, pending_budget,
	redemption_limit, pending_redemption_limit, min_transactions, amount`

// RuleSets returns every ruleset in insertion order.
func (db *DB) RuleSets(ctx context.Context) ([]models.RuleSet, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+ruleSetColumns+` FROM rulesets ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rulesets: %w", err)
	}
	defer rows.Close()

	return scanRuleSets(rows)
}

// RuleSetsActiveOn returns rulesets whose window contains date.
func (db *DB) RuleSetsActiveOn(ctx context.Context, date models.Date) ([]models.RuleSet, error) {
	sec, nsec := date.Unix(), date.Nanosecond()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+ruleSetColumns+` FROM rulesets
		WHERE (start_sec < ? OR (start_sec = ? AND start_nsec <= ?))
		AND (end_sec > ? OR (end_sec = ? AND end_nsec >= ?))
		ORDER BY seq`,
		sec, sec, nsec,
		sec, sec, nsec,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rulesets: %w", err)
	}
	defer rows.Close()

	return scanRuleSets(rows)
}

func scanRuleSets(rows *sql.Rows) ([]models.RuleSet, error) {
	var ruleSets []models.RuleSet
	for rows.Next() {
		var rs models.RuleSet
		var startRaw, endRaw string
		var budget, pendingBudget, limit, pendingLimit sql.NullInt64

		err := rows.Scan(
			&rs.ID,
			&startRaw,
			&endRaw,
			&budget,
			&pendingBudget,
			&limit,
			&pendingLimit,
			&rs.MinTransactions,
			&rs.Amount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ruleset: %w", err)
		}

		if rs.StartDate, err = models.ParseDate(startRaw); err != nil {
			return nil, fmt.Errorf("failed to parse start date: %w", err)
		}
		if rs.EndDate, err = models.ParseDate(endRaw); err != nil {
			return nil, fmt.Errorf("failed to parse end date: %w", err)
		}
		rs.Budget = intPtr(budget)
		rs.PendingBudget = intPtr(pendingBudget)
		rs.RedemptionLimit = intPtr(limit)
		rs.PendingRedemptionLimit = intPtr(pendingLimit)

		ruleSets = append(ruleSets, rs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rulesets: %w", err)
	}

	return ruleSets, nil
}

// Transactions returns every transaction in insertion order.
func (db *DB) Transactions(ctx context.Context) ([]models.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, id_numeric, customer_id, customer_numeric, date_raw, extra
		FROM transactions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		var dateRaw, extraJSON string

		err := rows.Scan(&txn.ID, &txn.NumericID, &txn.CustomerID, &txn.NumericCustomerID, &dateRaw, &extraJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		if txn.Date, err = models.ParseDate(dateRaw); err != nil {
			return nil, fmt.Errorf("failed to parse transaction date: %w", err)
		}
		if txn.Extra, err = deserializeExtra(extraJSON); err != nil {
			return nil, fmt.Errorf("failed to parse transaction fields: %w", err)
		}

		transactions = append(transactions, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

// CashbackSummaries returns the {transactionId, amount} projection of every award.
func (db *DB) CashbackSummaries(ctx context.Context) ([]models.CashbackSummary, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT transaction_id, transaction_numeric, amount FROM cashbacks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cashbacks: %w", err)
	}
	defer rows.Close()

	summaries := []models.CashbackSummary{}
	for rows.Next() {
		var s models.CashbackSummary
		if err := rows.Scan(&s.TransactionID, &s.NumericTransactionID, &s.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan cashback: %w", err)
		}
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cashbacks: %w", err)
	}

	return summaries, nil
}

// TransactionCountForCustomer counts all stored transactions of a customer.
func (db *DB) TransactionCountForCustomer(ctx context.Context, customerID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE customer_id = ?`, customerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	return count, nil
}

// HasCashback reports whether the customer already holds an award from the ruleset.
func (db *DB) HasCashback(ctx context.Context, ruleSetID, customerID string) (bool, error) {
	var exists int
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM cashbacks WHERE ruleset_id = ? AND customer_id = ?)`,
		ruleSetID, customerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check cashback: %w", err)
	}

	return exists == 1, nil
}

// DecrementRuleSet lowers the pending counters, flooring at zero. NULL
// (uncapped) counters stay NULL and unknown ids match no rows.
func (db *DB) DecrementRuleSet(ctx context.Context, ruleSetID string, budget, redemptions int64) error {
	return decrementRuleSet(ctx, db.conn, ruleSetID, budget, redemptions)
}

func decrementRuleSet(ctx context.Context, ex execer, ruleSetID string, budget, redemptions int64) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE rulesets SET
			pending_budget = MAX(pending_budget - ?, 0),
			pending_redemption_limit = MAX(pending_redemption_limit - ?, 0)
		WHERE id = ?`,
		budget, redemptions, ruleSetID,
	)
	if err != nil {
		return fmt.Errorf("failed to update ruleset %s: %w", ruleSetID, err)
	}

	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// serializeExtra stores pass-through transaction fields as a JSON object.
func serializeExtra(extra map[string]json.RawMessage) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func deserializeExtra(serialized string) (map[string]json.RawMessage, error) {
	if serialized == "" || serialized == "{}" {
		return nil, nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal([]byte(serialized), &extra); err != nil {
		return nil, err
	}
	return extra, nil
}
