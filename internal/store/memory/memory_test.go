package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnstilehq/turnstile/internal/store"
	"github.com/turnstilehq/turnstile/internal/store/memory"
)

func TestEnsureAccount_Idempotent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first, err := s.EnsureAccount(ctx, store.Account{ID: "acc1", Balance: 50, Tier: store.TierStandard})
	require.NoError(t, err)
	assert.Equal(t, int64(50), first.Balance)
	assert.False(t, first.CreatedAt.IsZero())

	// A second call with different defaults returns the existing row.
	second, err := s.EnsureAccount(ctx, store.Account{ID: "acc1", Balance: 999})
	require.NoError(t, err)
	assert.Equal(t, int64(50), second.Balance)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestGetAccount_NotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetAccount(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestMutate_AppliesAndAppends(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, store.Account{ID: "acc1", Balance: 100})
	require.NoError(t, err)

	acc, err := s.Mutate(ctx, "acc1", "gen1", func(acc *store.Account, gen []store.Entry) ([]store.Entry, error) {
		assert.Empty(t, gen)
		acc.Balance -= 30
		return []store.Entry{{
			ID: "e1", AccountID: "acc1", GenerationID: "gen1",
			Delta: -30, Kind: store.KindReservation,
		}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70), acc.Balance)

	// The appended entry is visible to the next Mutate for the same
	// generation.
	_, err = s.Mutate(ctx, "acc1", "gen1", func(acc *store.Account, gen []store.Entry) ([]store.Entry, error) {
		require.Len(t, gen, 1)
		assert.Equal(t, store.KindReservation, gen[0].Kind)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestMutate_FnErrorLeavesStateUntouched(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, store.Account{ID: "acc1", Balance: 100})
	require.NoError(t, err)

	boom := errors.New("rejected")
	_, err = s.Mutate(ctx, "acc1", "gen1", func(acc *store.Account, _ []store.Entry) ([]store.Entry, error) {
		acc.Balance = 0
		return []store.Entry{{ID: "e1", AccountID: "acc1"}}, boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := s.GetAccount(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)

	entries, err := s.AccountEntries(ctx, "acc1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMutate_UnknownAccount(t *testing.T) {
	s := memory.New()
	_, err := s.Mutate(context.Background(), "ghost", "gen1", func(*store.Account, []store.Entry) ([]store.Entry, error) {
		t.Fatal("fn must not run for a missing account")
		return nil, nil
	})
	require.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestAccountEntries_NewestFirstWithLimit(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, store.Account{ID: "acc1", Balance: 100})
	require.NoError(t, err)

	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := s.Mutate(ctx, "acc1", "", func(_ *store.Account, _ []store.Entry) ([]store.Entry, error) {
			return []store.Entry{{ID: id, AccountID: "acc1", Kind: store.KindGrant}}, nil
		})
		require.NoError(t, err)
	}

	all, err := s.AccountEntries(ctx, "acc1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID)
	assert.Equal(t, "e1", all[2].ID)

	last, err := s.AccountEntries(ctx, "acc1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "e3", last[0].ID)
	assert.Equal(t, "e2", last[1].ID)
}

func TestGenerationEntries_FiltersByGeneration(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, store.Account{ID: "acc1", Balance: 100})
	require.NoError(t, err)

	_, err = s.Mutate(ctx, "acc1", "", func(_ *store.Account, _ []store.Entry) ([]store.Entry, error) {
		return []store.Entry{
			{ID: "e1", AccountID: "acc1", GenerationID: "gen1", Kind: store.KindReservation},
			{ID: "e2", AccountID: "acc1", GenerationID: "gen2", Kind: store.KindReservation},
		}, nil
	})
	require.NoError(t, err)

	gen, err := s.GenerationEntries(ctx, "acc1", "gen1")
	require.NoError(t, err)
	require.Len(t, gen, 1)
	assert.Equal(t, "e1", gen[0].ID)
}

func TestListAccounts(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := s.EnsureAccount(ctx, store.Account{ID: id})
		require.NoError(t, err)
	}
	ids, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
