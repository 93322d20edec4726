// Package postgres is the durable Store backend. Every Mutate is one SQL
// transaction: the account row is locked with SELECT ... FOR UPDATE, the
// generation's entries are read under that lock, and the account update plus
// entry inserts commit together. That row lock is the per-account atomic
// read-modify-write the engine's algorithms assume.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/turnstilehq/turnstile/internal/store"
)

const serializationFailure = "40001"

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and verifies connectivity.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id                 TEXT PRIMARY KEY,
			balance            BIGINT NOT NULL DEFAULT 0,
			tier               TEXT NOT NULL DEFAULT 'standard',
			daily_spend        DOUBLE PRECISION NOT NULL DEFAULT 0,
			daily_spend_limit  DOUBLE PRECISION NOT NULL DEFAULT 0,
			daily_window_start TIMESTAMPTZ NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id               UUID PRIMARY KEY,
			account_id       TEXT NOT NULL REFERENCES accounts(id),
			generation_id    TEXT NOT NULL DEFAULT '',
			delta            BIGINT NOT NULL,
			kind             TEXT NOT NULL,
			model_id         TEXT NOT NULL DEFAULT '',
			cost_in_currency DOUBLE PRECISION NOT NULL DEFAULT 0,
			note             TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entries_account
			ON ledger_entries (account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_generation
			ON ledger_entries (account_id, generation_id);
	`)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *Store) EnsureAccount(ctx context.Context, defaults store.Account) (store.Account, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, tier, daily_spend, daily_spend_limit, daily_window_start)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, defaults.ID, defaults.Balance, string(defaults.Tier), defaults.DailySpend, defaults.DailySpendLimit, defaults.DailyWindowStart)
	if err != nil {
		return store.Account{}, fmt.Errorf("postgres ensure account: %w", err)
	}
	return s.GetAccount(ctx, defaults.ID)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (store.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, balance, tier, daily_spend, daily_spend_limit, daily_window_start, created_at, updated_at
		FROM accounts WHERE id = $1
	`, accountID))
}

// Mutate retries on serialization failures; the engine's mutate closures are
// pure over their inputs so a retry replays them safely.
func (s *Store) Mutate(ctx context.Context, accountID, generationID string, fn store.MutateFn) (store.Account, error) {
	const maxRetries = 3

	var acc store.Account
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		acc, err = s.mutateOnce(ctx, accountID, generationID, fn)
		if err == nil {
			return acc, nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == serializationFailure && attempt < maxRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return store.Account{}, err
	}
	return store.Account{}, err
}

func (s *Store) mutateOnce(ctx context.Context, accountID, generationID string, fn store.MutateFn) (store.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Account{}, fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback()

	acc, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT id, balance, tier, daily_spend, daily_spend_limit, daily_window_start, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID))
	if err != nil {
		return store.Account{}, err
	}

	var gen []store.Entry
	if generationID != "" {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, account_id, generation_id, delta, kind, model_id, cost_in_currency, note, created_at
			FROM ledger_entries
			WHERE account_id = $1 AND generation_id = $2
			ORDER BY created_at
		`, accountID, generationID)
		if err != nil {
			return store.Account{}, fmt.Errorf("postgres generation entries: %w", err)
		}
		gen, err = collectEntries(rows)
		if err != nil {
			return store.Account{}, err
		}
	}

	appended, err := fn(&acc, gen)
	if err != nil {
		return store.Account{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance = $1, tier = $2, daily_spend = $3,
			daily_spend_limit = $4, daily_window_start = $5, updated_at = NOW()
		WHERE id = $6
	`, acc.Balance, string(acc.Tier), acc.DailySpend, acc.DailySpendLimit, acc.DailyWindowStart, accountID); err != nil {
		return store.Account{}, fmt.Errorf("postgres update account: %w", err)
	}

	for _, e := range appended {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
				(id, account_id, generation_id, delta, kind, model_id, cost_in_currency, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.ID, e.AccountID, e.GenerationID, e.Delta, string(e.Kind), e.ModelID, e.CostInCurrency, e.Note, e.CreatedAt); err != nil {
			return store.Account{}, fmt.Errorf("postgres append entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Account{}, fmt.Errorf("postgres commit: %w", err)
	}
	return acc, nil
}

func (s *Store) GenerationEntries(ctx context.Context, accountID, generationID string) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, generation_id, delta, kind, model_id, cost_in_currency, note, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND generation_id = $2
		ORDER BY created_at
	`, accountID, generationID)
	if err != nil {
		return nil, fmt.Errorf("postgres generation entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) AccountEntries(ctx context.Context, accountID string, limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, generation_id, delta, kind, model_id, cost_in_currency, note, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres account entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (store.Account, error) {
	var acc store.Account
	var tier string
	err := row.Scan(&acc.ID, &acc.Balance, &tier, &acc.DailySpend, &acc.DailySpendLimit, &acc.DailyWindowStart, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, store.ErrAccountNotFound
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("postgres scan account: %w", err)
	}
	acc.Tier = store.Tier(tier)
	return acc, nil
}

func collectEntries(rows *sql.Rows) ([]store.Entry, error) {
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var e store.Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.GenerationID, &e.Delta, &kind, &e.ModelID, &e.CostInCurrency, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres scan entry: %w", err)
		}
		e.Kind = store.EntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
