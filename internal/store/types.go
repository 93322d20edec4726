package store

import "time"

// Tier controls how the ledger treats an account.
type Tier string

const (
	// TierStandard accounts are subject to balance checks and the
	// daily-spend gate.
	TierStandard Tier = "standard"

	// TierUnlimited accounts bypass reservation entirely. Usage is still
	// recorded as bypass entries for audit.
	TierUnlimited Tier = "unlimited"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindReservation EntryKind = "reservation"
	KindSettlement  EntryKind = "settlement"
	KindRefund      EntryKind = "refund"
	KindGrant       EntryKind = "grant"
	KindBypassLog   EntryKind = "bypass_log"
)

// Account is the single mutable record per customer. Balance is in credits,
// the smallest billable increment. With debit-at-reserve bookkeeping, Balance
// is always the amount the holder can still spend: outstanding reservations
// have already been subtracted.
type Account struct {
	ID              string
	Balance         int64
	Tier            Tier
	DailySpend      float64
	DailySpendLimit float64

	// DailyWindowStart is the start of the UTC day DailySpend accumulates
	// in. Reset is lazy: callers compare it against the current UTC day
	// before trusting DailySpend.
	DailyWindowStart time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry is one append-only ledger record. Entries for a generation net to
// exactly one of: 0 (released), -actualCost (settled), or -reservedAmount
// (still outstanding).
type Entry struct {
	ID           string
	AccountID    string
	GenerationID string
	Delta        int64
	Kind         EntryKind
	ModelID      string

	// CostInCurrency is the provider-facing cost estimate or actual, in
	// currency units rather than credits. Zero when unknown.
	CostInCurrency float64

	Note      string
	CreatedAt time.Time
}
