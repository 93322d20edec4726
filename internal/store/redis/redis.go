// Package redis is the hot-path Store backend. Per-account atomicity comes
// from optimistic WATCH transactions: the account hash and the generation's
// entry list are watched, the mutate closure runs against the read state,
// and the writes go through a MULTI/EXEC pipeline that aborts if any watched
// key changed. Losers retry a bounded number of times and then surface
// store.ErrConflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/turnstilehq/turnstile/internal/store"
)

const (
	accountKeyPrefix = "turnstile:account:"
	genKeyPrefix     = "turnstile:entries:gen:"
	acctLogPrefix    = "turnstile:entries:acct:"
	accountIndexKey  = "turnstile:accounts"

	maxRetries = 16
)

// Store is a Redis-backed store.Store.
type Store struct {
	client *redis.Client
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and verifies connectivity.
func Open(ctx context.Context, addr, password string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Store { return &Store{client: client} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.client.Close() }

func accountKey(id string) string { return accountKeyPrefix + id }

func genKey(accountID, generationID string) string {
	return genKeyPrefix + accountID + ":" + generationID
}

func (s *Store) EnsureAccount(ctx context.Context, defaults store.Account) (store.Account, error) {
	now := time.Now().UTC()
	defaults.CreatedAt = now
	defaults.UpdatedAt = now

	key := accountKey(defaults.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, accountFields(defaults)...)
			pipe.SAdd(ctx, accountIndexKey, defaults.ID)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return store.Account{}, fmt.Errorf("redis ensure account: %w", err)
	}
	return s.GetAccount(ctx, defaults.ID)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (store.Account, error) {
	raw, err := s.client.HGetAll(ctx, accountKey(accountID)).Result()
	if err != nil {
		return store.Account{}, fmt.Errorf("redis get account: %w", err)
	}
	return decodeAccount(accountID, raw)
}

func (s *Store) Mutate(ctx context.Context, accountID, generationID string, fn store.MutateFn) (store.Account, error) {
	aKey := accountKey(accountID)
	watched := []string{aKey}
	var gKey string
	if generationID != "" {
		gKey = genKey(accountID, generationID)
		watched = append(watched, gKey)
	}

	var result store.Account
	var fnErr error

	txf := func(tx *redis.Tx) error {
		fnErr = nil
		raw, err := tx.HGetAll(ctx, aKey).Result()
		if err != nil {
			return err
		}
		acc, err := decodeAccount(accountID, raw)
		if err != nil {
			return err
		}

		var gen []store.Entry
		if gKey != "" {
			items, err := tx.LRange(ctx, gKey, 0, -1).Result()
			if err != nil {
				return err
			}
			gen, err = decodeEntries(items)
			if err != nil {
				return err
			}
		}

		appended, err := fn(&acc, gen)
		if err != nil {
			// The closure rejected; nothing to write, nothing to retry.
			fnErr = err
			return nil
		}
		acc.UpdatedAt = time.Now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, aKey, accountFields(acc)...)
			for _, e := range appended {
				enc, err := json.Marshal(encodeEntry(e))
				if err != nil {
					return err
				}
				if e.GenerationID != "" {
					pipe.RPush(ctx, genKey(accountID, e.GenerationID), enc)
				}
				pipe.RPush(ctx, acctLogPrefix+accountID, enc)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = acc
		return nil
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return store.Account{}, fmt.Errorf("redis mutate: %w", err)
		}
		if fnErr != nil {
			return store.Account{}, fnErr
		}
		return result, nil
	}
	return store.Account{}, store.ErrConflict
}

func (s *Store) GenerationEntries(ctx context.Context, accountID, generationID string) ([]store.Entry, error) {
	items, err := s.client.LRange(ctx, genKey(accountID, generationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis generation entries: %w", err)
	}
	return decodeEntries(items)
}

func (s *Store) AccountEntries(ctx context.Context, accountID string, limit int) ([]store.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	// Newest entries sit at the tail of the list.
	items, err := s.client.LRange(ctx, acctLogPrefix+accountID, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis account entries: %w", err)
	}
	entries, err := decodeEntries(items)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, accountIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list accounts: %w", err)
	}
	return ids, nil
}

func accountFields(acc store.Account) []interface{} {
	return []interface{}{
		"balance", acc.Balance,
		"tier", string(acc.Tier),
		"daily_spend", acc.DailySpend,
		"daily_spend_limit", acc.DailySpendLimit,
		"daily_window_start", acc.DailyWindowStart.UTC().Format(time.RFC3339Nano),
		"created_at", acc.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at", acc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeAccount(accountID string, raw map[string]string) (store.Account, error) {
	if len(raw) == 0 {
		return store.Account{}, store.ErrAccountNotFound
	}

	acc := store.Account{ID: accountID, Tier: store.Tier(raw["tier"])}
	var err error
	if acc.Balance, err = strconv.ParseInt(raw["balance"], 10, 64); err != nil {
		return store.Account{}, fmt.Errorf("redis decode balance: %w", err)
	}
	if acc.DailySpend, err = strconv.ParseFloat(raw["daily_spend"], 64); err != nil {
		return store.Account{}, fmt.Errorf("redis decode daily_spend: %w", err)
	}
	if acc.DailySpendLimit, err = strconv.ParseFloat(raw["daily_spend_limit"], 64); err != nil {
		return store.Account{}, fmt.Errorf("redis decode daily_spend_limit: %w", err)
	}
	if acc.DailyWindowStart, err = time.Parse(time.RFC3339Nano, raw["daily_window_start"]); err != nil {
		return store.Account{}, fmt.Errorf("redis decode daily_window_start: %w", err)
	}
	if acc.CreatedAt, err = time.Parse(time.RFC3339Nano, raw["created_at"]); err != nil {
		return store.Account{}, fmt.Errorf("redis decode created_at: %w", err)
	}
	if acc.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw["updated_at"]); err != nil {
		return store.Account{}, fmt.Errorf("redis decode updated_at: %w", err)
	}
	return acc, nil
}

// entryJSON is the wire form of a ledger entry in Redis lists.
type entryJSON struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	GenerationID   string    `json:"generation_id,omitempty"`
	Delta          int64     `json:"delta"`
	Kind           string    `json:"kind"`
	ModelID        string    `json:"model_id,omitempty"`
	CostInCurrency float64   `json:"cost_in_currency,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func encodeEntry(e store.Entry) entryJSON {
	return entryJSON{
		ID:             e.ID,
		AccountID:      e.AccountID,
		GenerationID:   e.GenerationID,
		Delta:          e.Delta,
		Kind:           string(e.Kind),
		ModelID:        e.ModelID,
		CostInCurrency: e.CostInCurrency,
		Note:           e.Note,
		CreatedAt:      e.CreatedAt,
	}
}

func decodeEntries(items []string) ([]store.Entry, error) {
	var out []store.Entry
	for _, item := range items {
		var ej entryJSON
		if err := json.Unmarshal([]byte(item), &ej); err != nil {
			return nil, fmt.Errorf("redis decode entry: %w", err)
		}
		out = append(out, store.Entry{
			ID:             ej.ID,
			AccountID:      ej.AccountID,
			GenerationID:   ej.GenerationID,
			Delta:          ej.Delta,
			Kind:           store.EntryKind(ej.Kind),
			ModelID:        ej.ModelID,
			CostInCurrency: ej.CostInCurrency,
			Note:           ej.Note,
			CreatedAt:      ej.CreatedAt,
		})
	}
	return out, nil
}
