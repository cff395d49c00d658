package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"callmeter/internal/domain"
)

// SQLiteLedger is a single-node balance ledger for self-hosted and
// development deployments. A single connection serializes every write, so
// the balance check and debit in Charge cannot interleave.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteLedger opens (creating if needed) the ledger database at path.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create ledger dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &SQLiteLedger{db: db, now: time.Now}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		account    TEXT PRIMARY KEY,
		balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		account    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		reference  TEXT NOT NULL,
		amount     INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (kind, reference)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("repository: init ledger schema: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) ReadBalance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account = ?`, account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("repository: ReadBalance: %w", err)
	}
	return balance, nil
}

// Charge records the charge reference and debits the account in one
// transaction.
func (l *SQLiteLedger) Charge(ctx context.Context, req domain.ChargeRequest) error {
	if err := validateCharge(req); err != nil {
		return fmt.Errorf("repository: Charge: %w", err)
	}
	return l.inTx(ctx, "Charge", func(tx *sql.Tx, now int64) error {
		inserted, err := insertEntry(ctx, tx, req.Account, domain.EntryCharge, req.Reference, req.Amount, now)
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrDuplicate
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - ?, updated_at = ? WHERE account = ? AND balance >= ?`,
			req.Amount, now, req.Account, req.Amount)
		if err != nil {
			return fmt.Errorf("debit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("debit rows: %w", err)
		}
		if n == 1 {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE account = ?`, req.Account).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup account: %w", err)
		}
		return domain.ErrInsufficientFunds
	})
}

// TopUp credits the account, creating it if needed. A repeated idempotency
// key returns domain.ErrDuplicate.
func (l *SQLiteLedger) TopUp(ctx context.Context, req domain.TopUpRequest) error {
	if err := validateTopUp(req); err != nil {
		return fmt.Errorf("repository: TopUp: %w", err)
	}
	return l.inTx(ctx, "TopUp", func(tx *sql.Tx, now int64) error {
		inserted, err := insertEntry(ctx, tx, req.Account, domain.EntryTopUp, req.IdempotencyKey, req.Amount, now)
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrDuplicate
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (account, balance, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (account) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
			req.Account, req.Amount, now)
		if err != nil {
			return fmt.Errorf("credit: %w", err)
		}
		return nil
	})
}

// OpenAccount creates an account with a zero balance if it does not exist.
func (l *SQLiteLedger) OpenAccount(ctx context.Context, account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("repository: OpenAccount: account is required")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO accounts (account, balance, updated_at) VALUES (?, 0, ?) ON CONFLICT (account) DO NOTHING`,
		account, l.now().Unix())
	if err != nil {
		return fmt.Errorf("repository: OpenAccount: %w", err)
	}
	return nil
}

// Entry is one row of an account's history.
type Entry struct {
	Kind      string
	Reference string
	Amount    int64
	CreatedAt time.Time
}

// Entries returns the most recent ledger entries for account, newest first.
func (l *SQLiteLedger) Entries(ctx context.Context, account string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, reference, amount, created_at FROM ledger_entries WHERE account = ? ORDER BY id DESC LIMIT ?`,
		account, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: Entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.Kind, &e.Reference, &e.Amount, &created); err != nil {
			return nil, fmt.Errorf("repository: Entries scan: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: Entries: %w", err)
	}
	return out, nil
}

func (l *SQLiteLedger) inTx(ctx context.Context, op string, fn func(tx *sql.Tx, now int64) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: %s begin: %w", op, err)
	}
	if err := fn(tx, l.now().Unix()); err != nil {
		_ = tx.Rollback()
		if isLedgerOutcome(err) {
			return err
		}
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: %s commit: %w", op, err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, kind, reference string, amount, now int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account, kind, reference, amount, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, reference) DO NOTHING`,
		account, kind, reference, amount, now)
	if err != nil {
		return false, fmt.Errorf("insert %s entry: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s entry rows: %w", kind, err)
	}
	return n == 1, nil
}

func isLedgerOutcome(err error) bool {
	return errors.Is(err, domain.ErrDuplicate) ||
		errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrAccountNotFound)
}
