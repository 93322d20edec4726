// Package ledger implements the credit reservation and settlement engine.
//
// Every metered operation follows the same lifecycle against one account:
//
//  1. Reserve debits a conservative estimate before the provider is called.
//  2. Settle converts the reservation into the actual charge once the real
//     cost is known, refunding or charging the difference.
//  3. Release restores the full reservation when the operation was canceled
//     or failed before settlement.
//
// Bookkeeping is debit-at-reserve: the balance field is always the amount the
// holder can still spend, so there is no separate reserved counter to drift.
// The price of that representation is discipline: every code path that can
// terminate a reservation without settling it must call Release.
//
// Idempotency comes from the append-only entry log, not from callers being
// well behaved. Before mutating a balance, every operation reads the entries
// already recorded for the generation id and derives its state from them:
// a second Reserve sees the reservation entry and no-ops, the loser of a
// racing Settle/Release pair sees the winner's entries and no-ops. This only
// works because the store's Mutate runs the entry read, the balance write,
// and the entry appends as one atomic step per account.
//
// Race condition prevention: without debit-at-reserve, multiple simultaneous
// requests could all check the balance, see enough funds, and all proceed
// even though collectively they exceed it. Here the first reservation's
// debit is visible to the second before its check runs.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/turnstilehq/turnstile/internal/metrics"
	"github.com/turnstilehq/turnstile/internal/store"
)

// Config tunes per-account defaults applied when an account is first seen.
type Config struct {
	// DefaultDailySpendLimit is the currency-unit ceiling on daily spend
	// for accounts without a per-account override.
	DefaultDailySpendLimit float64

	// DefaultTier is applied on first contact. Defaults to standard.
	DefaultTier store.Tier
}

// Engine is the ledger core. Safe for concurrent use; all serialization is
// delegated to the store's per-account atomic mutate.
type Engine struct {
	store   store.Store
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Set

	// now is swappable for tests that cross a UTC midnight.
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a prometheus instrument set.
func WithMetrics(m *metrics.Set) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine on top of the given store.
func New(st store.Store, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = store.TierStandard
	}
	e := &Engine{
		store: st,
		cfg:   cfg,
		log:   logger.With().Str("component", "ledger").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReserveRequest holds the parameters for Reserve.
type ReserveRequest struct {
	AccountID    string
	GenerationID string

	// Amount is the credit estimate to hold, already inflated by whatever
	// headroom the caller applies.
	Amount int64

	ModelID string

	// CostInCurrency is the currency-unit estimate counted against the
	// daily-spend gate. Zero when unknown.
	CostInCurrency float64
}

// ReserveResult is the outcome of a successful or idempotent Reserve.
type ReserveResult struct {
	NewBalance int64

	// AlreadyReserved is set when a reservation entry already existed for
	// the generation; nothing was mutated.
	AlreadyReserved bool

	// Bypassed is set for unlimited-tier accounts: no funds were held,
	// only a bypass entry was recorded for audit.
	Bypassed bool
}

// Reserve holds Amount credits for a generation before the provider call.
//
// Rejections (insufficient credits, daily limit) are detected inside the
// atomic step before any mutation, so a failed Reserve never partially
// debits. Retried calls with the same generation id are no-ops.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	start := e.now()
	if req.Amount <= 0 {
		return nil, fmt.Errorf("ledger: reserve amount must be positive, got %d", req.Amount)
	}
	if req.AccountID == "" || req.GenerationID == "" {
		return nil, fmt.Errorf("ledger: account id and generation id are required")
	}

	res := &ReserveResult{}
	acc, err := e.store.Mutate(ctx, req.AccountID, req.GenerationID, func(acc *store.Account, gen []store.Entry) ([]store.Entry, error) {
		if hasKind(gen, store.KindReservation) || hasKind(gen, store.KindBypassLog) {
			res.AlreadyReserved = true
			return nil, nil
		}

		if acc.Tier == store.TierUnlimited {
			res.Bypassed = true
			return []store.Entry{e.entry(req.AccountID, req.GenerationID, 0, store.KindBypassLog, req.ModelID, req.CostInCurrency, "unlimited tier bypass")}, nil
		}

		now := e.now()
		rollDailyWindow(acc, now)

		if acc.DailySpendLimit > 0 && acc.DailySpend+req.CostInCurrency > acc.DailySpendLimit {
			return nil, &DailyLimitError{
				Limit:     acc.DailySpendLimit,
				Spent:     acc.DailySpend,
				Remaining: math.Max(0, acc.DailySpendLimit-acc.DailySpend),
			}
		}

		if acc.Balance < req.Amount {
			return nil, &InsufficientCreditsError{Required: req.Amount, Available: acc.Balance}
		}

		acc.Balance -= req.Amount
		acc.DailySpend += req.CostInCurrency
		return []store.Entry{e.entry(req.AccountID, req.GenerationID, -req.Amount, store.KindReservation, req.ModelID, req.CostInCurrency, "")}, nil
	})
	if err != nil {
		switch {
		case IsInsufficientCredits(err):
			e.metrics.Reservation(metrics.OutcomeInsufficient)
		case IsDailyLimitExceeded(err):
			e.metrics.Reservation(metrics.OutcomeDailyLimit)
		}
		return nil, err
	}

	res.NewBalance = acc.Balance
	switch {
	case res.AlreadyReserved:
		e.metrics.Reservation(metrics.OutcomeAlreadyReserved)
	case res.Bypassed:
		e.metrics.Reservation(metrics.OutcomeBypassed)
	default:
		e.metrics.Reservation(metrics.OutcomeApproved)
	}
	e.metrics.Observe("reserve", e.now().Sub(start))

	e.log.Debug().
		Str("account_id", req.AccountID).
		Str("generation_id", req.GenerationID).
		Int64("amount", req.Amount).
		Int64("new_balance", res.NewBalance).
		Bool("already_reserved", res.AlreadyReserved).
		Bool("bypassed", res.Bypassed).
		Msg("reserve completed")

	return res, nil
}

// SettleRequest holds the parameters for Settle.
type SettleRequest struct {
	AccountID    string
	GenerationID string

	// ReservedAmount is what the caller believes was reserved. The ledger
	// entry is authoritative when they disagree.
	ReservedAmount int64

	// ActualAmount is the real cost in credits, known only after the
	// provider finished.
	ActualAmount int64

	ModelID string

	// CostInCurrency is the actual currency cost, reconciled into the
	// daily-spend counter against the reservation's estimate.
	CostInCurrency float64
}

// SettleResult is the outcome of Settle.
type SettleResult struct {
	NewBalance int64

	// AlreadyCharged is set when a settlement entry already existed.
	AlreadyCharged bool

	// AlreadyReleased is set when the reservation was released before
	// settlement arrived; nothing was charged.
	AlreadyReleased bool

	// Converted is set when a reservation was turned into a final charge.
	Converted bool

	// DirectDebit is set when no reservation existed and the actual
	// amount was debited outright.
	DirectDebit bool

	// Bypassed is set for unlimited-tier accounts: usage was recorded
	// for audit, the balance untouched.
	Bypassed bool

	// Refunded is the credit returned because the actual cost came in
	// under the reservation.
	Refunded int64

	// AdditionalCharged is the extra debit because the actual cost
	// exceeded the reservation.
	AdditionalCharged int64

	// Shortfall is the portion of an over-run the ledger declined to
	// collect because the balance could not cover it. The user keeps
	// their result; the operator sees the under-collection.
	Shortfall int64
}

// Settle converts a reservation into the final charge.
//
// The actual cost may differ from the reservation in either direction; the
// difference is refunded or additionally debited. When the balance cannot
// cover an over-run, only the reserved amount is kept and the shortfall is
// reported rather than driving the balance negative.
//
// Without a prior reservation (unlimited-tier audit path aside), Settle
// falls back to a direct debit of the actual amount.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	start := e.now()
	if req.ActualAmount < 0 {
		return nil, fmt.Errorf("ledger: actual amount cannot be negative, got %d", req.ActualAmount)
	}
	if req.AccountID == "" || req.GenerationID == "" {
		return nil, fmt.Errorf("ledger: account id and generation id are required")
	}

	res := &SettleResult{}
	acc, err := e.store.Mutate(ctx, req.AccountID, req.GenerationID, func(acc *store.Account, gen []store.Entry) ([]store.Entry, error) {
		if hasKind(gen, store.KindSettlement) {
			res.AlreadyCharged = true
			return nil, nil
		}

		if acc.Tier == store.TierUnlimited {
			// No funds were held and none are taken; the settlement
			// entry carries the usage for audit.
			res.Bypassed = true
			now := e.now()
			rollDailyWindow(acc, now)
			acc.DailySpend += req.CostInCurrency
			return []store.Entry{e.entry(req.AccountID, req.GenerationID, 0, store.KindSettlement, req.ModelID, req.CostInCurrency, "unlimited tier usage")}, nil
		}

		reservation, reserved := findReservation(gen)
		if reservation == nil {
			if hasKind(gen, store.KindRefund) {
				// Released before settlement arrived.
				res.AlreadyReleased = true
				return nil, nil
			}
			if acc.Balance < req.ActualAmount {
				return nil, &InsufficientCreditsError{Required: req.ActualAmount, Available: acc.Balance}
			}
			res.DirectDebit = true
			acc.Balance -= req.ActualAmount
			rollDailyWindow(acc, e.now())
			acc.DailySpend += req.CostInCurrency
			return []store.Entry{e.entry(req.AccountID, req.GenerationID, -req.ActualAmount, store.KindSettlement, req.ModelID, req.CostInCurrency, "direct debit")}, nil
		}
		if hasKind(gen, store.KindRefund) {
			res.AlreadyReleased = true
			return nil, nil
		}

		if req.ReservedAmount != 0 && req.ReservedAmount != reserved {
			e.log.Warn().
				Str("generation_id", req.GenerationID).
				Int64("caller_reserved", req.ReservedAmount).
				Int64("ledger_reserved", reserved).
				Msg("reserved amount mismatch, using ledger value")
		}

		res.Converted = true
		settled := req.ActualAmount
		diff := reserved - req.ActualAmount
		switch {
		case diff > 0:
			acc.Balance += diff
			res.Refunded = diff
		case diff < 0:
			need := -diff
			if acc.Balance >= need {
				acc.Balance -= need
				res.AdditionalCharged = need
			} else {
				// Keep the balance at or above zero: charge only what
				// was reserved and surface the gap.
				settled = reserved
				res.Shortfall = need
			}
		}

		if res.Shortfall == 0 {
			rollDailyWindow(acc, e.now())
			reconcileDailySpend(acc, req.CostInCurrency-reservation.CostInCurrency)
		}

		return []store.Entry{
			e.entry(req.AccountID, req.GenerationID, -settled, store.KindSettlement, req.ModelID, req.CostInCurrency, ""),
			e.entry(req.AccountID, req.GenerationID, reserved, store.KindRefund, req.ModelID, reservation.CostInCurrency, "reservation converted"),
		}, nil
	})
	if err != nil {
		if IsInsufficientCredits(err) {
			e.metrics.Settlement(metrics.OutcomeInsufficient)
		}
		return nil, err
	}

	res.NewBalance = acc.Balance
	switch {
	case res.AlreadyCharged:
		e.metrics.Settlement(metrics.OutcomeAlreadyCharged)
	case res.AlreadyReleased:
		e.metrics.Settlement(metrics.OutcomeNoop)
	case res.Bypassed:
		e.metrics.Settlement(metrics.OutcomeBypassed)
	case res.DirectDebit:
		e.metrics.Settlement(metrics.OutcomeDirectDebit)
	default:
		e.metrics.Settlement(metrics.OutcomeConverted)
	}
	e.metrics.Shortfall(res.Shortfall)
	e.metrics.Observe("settle", e.now().Sub(start))

	evt := e.log.Info().
		Str("account_id", req.AccountID).
		Str("generation_id", req.GenerationID).
		Int64("actual_amount", req.ActualAmount).
		Int64("new_balance", res.NewBalance).
		Bool("converted", res.Converted)
	if res.Shortfall > 0 {
		evt = evt.Int64("shortfall", res.Shortfall)
	}
	evt.Msg("settle completed")

	return res, nil
}

// ReleaseResult is the outcome of Release.
type ReleaseResult struct {
	NewBalance int64

	// Released is the credit restored to the balance.
	Released int64

	// AlreadyReleased is set when no outstanding reservation was found:
	// it was already settled, already released, or never made.
	AlreadyReleased bool
}

// Release restores an unsettled reservation in full.
//
// Safe to call repeatedly and safe to race with Settle: whichever observes
// the ledger first wins the conversion, the loser sees the entries already
// present and no-ops.
func (e *Engine) Release(ctx context.Context, accountID, generationID string) (*ReleaseResult, error) {
	start := e.now()
	if accountID == "" || generationID == "" {
		return nil, fmt.Errorf("ledger: account id and generation id are required")
	}

	res := &ReleaseResult{}
	acc, err := e.store.Mutate(ctx, accountID, generationID, func(acc *store.Account, gen []store.Entry) ([]store.Entry, error) {
		reservation, reserved := findReservation(gen)
		if reservation == nil || hasKind(gen, store.KindSettlement) || hasKind(gen, store.KindRefund) {
			res.AlreadyReleased = true
			return nil, nil
		}

		acc.Balance += reserved
		reconcileDailySpend(acc, -reservation.CostInCurrency)
		res.Released = reserved
		return []store.Entry{e.entry(accountID, generationID, reserved, store.KindRefund, reservation.ModelID, reservation.CostInCurrency, "reservation released")}, nil
	})
	if err != nil {
		return nil, err
	}

	res.NewBalance = acc.Balance
	if res.AlreadyReleased {
		e.metrics.Release(metrics.OutcomeNoop)
	} else {
		e.metrics.Release(metrics.OutcomeReleased)
	}
	e.metrics.Observe("release", e.now().Sub(start))

	e.log.Debug().
		Str("account_id", accountID).
		Str("generation_id", generationID).
		Int64("released", res.Released).
		Int64("new_balance", res.NewBalance).
		Bool("already_released", res.AlreadyReleased).
		Msg("release completed")

	return res, nil
}

// Grant credits an account unconditionally and returns the new balance.
// Used to fund balances after external payment confirmation and to refund
// failed dependent sub-operations. Never checks the daily-spend gate.
func (e *Engine) Grant(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: grant amount must be positive, got %d", amount)
	}

	acc, err := e.store.Mutate(ctx, accountID, "", func(acc *store.Account, _ []store.Entry) ([]store.Entry, error) {
		acc.Balance += amount
		return []store.Entry{e.entry(accountID, "", amount, store.KindGrant, "", 0, reason)}, nil
	})
	if err != nil {
		return 0, err
	}

	e.metrics.Grant()
	e.log.Info().
		Str("account_id", accountID).
		Int64("amount", amount).
		Str("reason", reason).
		Int64("new_balance", acc.Balance).
		Msg("grant applied")

	return acc.Balance, nil
}

// BalanceInfo is a read-only account snapshot.
type BalanceInfo struct {
	Balance         int64
	Tier            store.Tier
	DailySpend      float64
	DailySpendLimit float64
	DailyRemaining  float64
}

// Balance returns the current balance and daily budget without side effects.
// The daily window is evaluated lazily; a stale stored counter from a
// previous UTC day reads as zero.
func (e *Engine) Balance(ctx context.Context, accountID string) (*BalanceInfo, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	rollDailyWindow(&acc, e.now())
	return &BalanceInfo{
		Balance:         acc.Balance,
		Tier:            acc.Tier,
		DailySpend:      acc.DailySpend,
		DailySpendLimit: acc.DailySpendLimit,
		DailyRemaining:  math.Max(0, acc.DailySpendLimit-acc.DailySpend),
	}, nil
}

// EnsureAccount creates the account on first contact with configured
// defaults. Idempotent.
func (e *Engine) EnsureAccount(ctx context.Context, accountID string) (store.Account, error) {
	now := e.now()
	return e.store.EnsureAccount(ctx, store.Account{
		ID:               accountID,
		Tier:             e.cfg.DefaultTier,
		DailySpendLimit:  e.cfg.DefaultDailySpendLimit,
		DailyWindowStart: startOfUTCDay(now),
	})
}

func (e *Engine) entry(accountID, generationID string, delta int64, kind store.EntryKind, modelID string, cost float64, note string) store.Entry {
	return store.Entry{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		GenerationID:   generationID,
		Delta:          delta,
		Kind:           kind,
		ModelID:        modelID,
		CostInCurrency: cost,
		Note:           note,
		CreatedAt:      e.now(),
	}
}

func hasKind(entries []store.Entry, kind store.EntryKind) bool {
	for _, e := range entries {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// findReservation returns the reservation entry and its positive amount.
func findReservation(entries []store.Entry) (*store.Entry, int64) {
	for i := range entries {
		if entries[i].Kind == store.KindReservation {
			return &entries[i], -entries[i].Delta
		}
	}
	return nil, 0
}

// rollDailyWindow resets DailySpend when the stored window predates the
// current UTC day. No timer: reset happens on first touch after midnight.
func rollDailyWindow(acc *store.Account, now time.Time) {
	day := startOfUTCDay(now)
	if acc.DailyWindowStart.Before(day) {
		acc.DailySpend = 0
		acc.DailyWindowStart = day
	}
}

// reconcileDailySpend adjusts the daily counter by delta, clamped at zero.
func reconcileDailySpend(acc *store.Account, delta float64) {
	acc.DailySpend += delta
	if acc.DailySpend < 0 {
		acc.DailySpend = 0
	}
}

func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
