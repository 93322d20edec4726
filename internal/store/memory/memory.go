// Package memory provides an in-process Store for tests and embedding.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/turnstilehq/turnstile/internal/store"
)

// Store is a mutex-guarded in-memory store.Store. The single mutex gives the
// per-account atomicity the engine requires (coarser than required, which is
// fine at this scale).
type Store struct {
	mu       sync.Mutex
	accounts map[string]store.Account
	entries  map[string][]store.Entry // accountID -> entries, oldest first
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]store.Account),
		entries:  make(map[string][]store.Entry),
	}
}

func (s *Store) EnsureAccount(_ context.Context, defaults store.Account) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[defaults.ID]; ok {
		return acc, nil
	}

	now := time.Now().UTC()
	defaults.CreatedAt = now
	defaults.UpdatedAt = now
	s.accounts[defaults.ID] = defaults
	return defaults, nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return store.Account{}, store.ErrAccountNotFound
	}
	return acc, nil
}

func (s *Store) Mutate(_ context.Context, accountID, generationID string, fn store.MutateFn) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return store.Account{}, store.ErrAccountNotFound
	}

	var gen []store.Entry
	if generationID != "" {
		for _, e := range s.entries[accountID] {
			if e.GenerationID == generationID {
				gen = append(gen, e)
			}
		}
	}

	appended, err := fn(&acc, gen)
	if err != nil {
		return store.Account{}, err
	}

	acc.UpdatedAt = time.Now().UTC()
	s.accounts[accountID] = acc
	s.entries[accountID] = append(s.entries[accountID], appended...)
	return acc, nil
}

func (s *Store) GenerationEntries(_ context.Context, accountID, generationID string) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Entry
	for _, e := range s.entries[accountID] {
		if e.GenerationID == generationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) AccountEntries(_ context.Context, accountID string, limit int) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[accountID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	// Newest first.
	out := make([]store.Entry, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	return ids, nil
}
