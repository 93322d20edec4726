package ledger

import (
	"errors"
	"fmt"

	"github.com/turnstilehq/turnstile/internal/store"
)

// ErrAccountNotFound is returned when an operation targets an unknown
// account. Aliased from the store so callers can match either.
var ErrAccountNotFound = store.ErrAccountNotFound

// InsufficientCreditsError rejects a reservation or direct debit that the
// balance cannot cover. Detected before any mutation.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits: required %d, available %d", e.Required, e.Available)
}

// DailyLimitError rejects a reservation that would push the account past its
// daily-spend ceiling. Amounts are in currency units, not credits.
type DailyLimitError struct {
	Limit     float64
	Spent     float64
	Remaining float64
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("ledger: daily spend limit exceeded: limit %.4f, spent %.4f, remaining %.4f", e.Limit, e.Spent, e.Remaining)
}

// IsInsufficientCredits reports whether err is an InsufficientCreditsError.
func IsInsufficientCredits(err error) bool {
	var ice *InsufficientCreditsError
	return errors.As(err, &ice)
}

// IsDailyLimitExceeded reports whether err is a DailyLimitError.
func IsDailyLimitExceeded(err error) bool {
	var dle *DailyLimitError
	return errors.As(err, &dle)
}
