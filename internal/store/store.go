// Package store defines the persistence substrate the ledger engine runs on:
// one account record per customer plus an append-only entry log, mutated
// through a per-account atomic read-modify-write.
//
// The engine's correctness depends on exactly one property of Mutate: the
// account read, the generation-entry read, the account write, and the entry
// appends all happen in one atomic step per account. Two Mutate calls for the
// same account never interleave. Backends provide this with whatever
// primitive they have (a mutex, a SQL transaction with a row lock, a Redis
// WATCH transaction); the engine does no locking of its own.
package store

import (
	"context"
	"errors"
)

// ErrAccountNotFound is returned when a mutation targets an account that was
// never created.
var ErrAccountNotFound = errors.New("store: account not found")

// ErrConflict is returned by optimistic backends when a concurrent writer won
// the race. Callers retry; the memory and postgres backends never return it.
var ErrConflict = errors.New("store: concurrent update conflict")

// MutateFn is applied to an account inside the atomic step. gen holds every
// existing entry for the generation being mutated (nil when generationID is
// empty). The returned entries are appended in the same step; returning an
// error aborts the whole mutation with nothing persisted.
type MutateFn func(acc *Account, gen []Entry) ([]Entry, error)

// Store is the persistence substrate.
type Store interface {
	// EnsureAccount creates the account if absent and returns it.
	// Idempotent; an existing account is returned unchanged.
	EnsureAccount(ctx context.Context, defaults Account) (Account, error)

	// GetAccount returns the current account record.
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// Mutate runs fn atomically against the account and the generation's
	// entries, then persists the modified account and appends the
	// returned entries, all-or-nothing. Returns the account as persisted.
	Mutate(ctx context.Context, accountID, generationID string, fn MutateFn) (Account, error)

	// GenerationEntries returns all entries recorded for a generation,
	// oldest first.
	GenerationEntries(ctx context.Context, accountID, generationID string) ([]Entry, error)

	// AccountEntries returns the most recent entries for an account,
	// newest first, at most limit.
	AccountEntries(ctx context.Context, accountID string, limit int) ([]Entry, error)

	// ListAccounts returns every account id. Admin tooling only.
	ListAccounts(ctx context.Context) ([]string, error)
}
