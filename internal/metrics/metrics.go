// Package metrics holds the prometheus instruments for the credit ledger and
// the settlement orchestrators. A Set is created once at startup against the
// process registry and injected everywhere; a nil *Set disables recording so
// library consumers and tests don't have to wire one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reservation outcome labels.
const (
	OutcomeApproved        = "approved"
	OutcomeAlreadyReserved = "already_reserved"
	OutcomeBypassed        = "bypassed"
	OutcomeInsufficient    = "insufficient_credits"
	OutcomeDailyLimit      = "daily_limit"

	OutcomeConverted      = "converted"
	OutcomeAlreadyCharged = "already_charged"
	OutcomeDirectDebit    = "direct_debit"

	OutcomeReleased = "released"
	OutcomeNoop     = "noop"
)

// Set bundles every instrument the ledger path records.
type Set struct {
	Reservations *prometheus.CounterVec
	Settlements  *prometheus.CounterVec
	Releases     *prometheus.CounterVec
	Grants       prometheus.Counter

	// ShortfallCredits counts credits the ledger declined to collect to
	// keep a balance non-negative. Under-collection is silent to the user,
	// so this is the operator's only signal.
	ShortfallCredits prometheus.Counter

	// EstimateFallbacks counts settlements priced from our own estimate
	// because the provider reported no usage.
	EstimateFallbacks prometheus.Counter

	OpDuration *prometheus.HistogramVec
}

// New creates and registers the instrument set.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_reservations_total",
			Help: "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_settlements_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turnstile_releases_total",
			Help: "Reservation releases by outcome.",
		}, []string{"outcome"}),
		Grants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_grants_total",
			Help: "Unconditional credit grants.",
		}),
		ShortfallCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_shortfall_credits_total",
			Help: "Credits under-collected to keep balances non-negative.",
		}),
		EstimateFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_estimate_fallbacks_total",
			Help: "Settlements priced from the local estimate because the provider reported no usage.",
		}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turnstile_ledger_op_duration_seconds",
			Help:    "Ledger operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(
		s.Reservations, s.Settlements, s.Releases, s.Grants,
		s.ShortfallCredits, s.EstimateFallbacks, s.OpDuration,
	)
	return s
}

// Reservation records a reservation outcome. Nil-safe.
func (s *Set) Reservation(outcome string) {
	if s != nil {
		s.Reservations.WithLabelValues(outcome).Inc()
	}
}

// Settlement records a settlement outcome. Nil-safe.
func (s *Set) Settlement(outcome string) {
	if s != nil {
		s.Settlements.WithLabelValues(outcome).Inc()
	}
}

// Release records a release outcome. Nil-safe.
func (s *Set) Release(outcome string) {
	if s != nil {
		s.Releases.WithLabelValues(outcome).Inc()
	}
}

// Grant records a grant. Nil-safe.
func (s *Set) Grant() {
	if s != nil {
		s.Grants.Inc()
	}
}

// Shortfall records under-collected credits. Nil-safe.
func (s *Set) Shortfall(credits int64) {
	if s != nil && credits > 0 {
		s.ShortfallCredits.Add(float64(credits))
	}
}

// EstimateFallback records a settlement priced without provider usage. Nil-safe.
func (s *Set) EstimateFallback() {
	if s != nil {
		s.EstimateFallbacks.Inc()
	}
}

// Observe records an operation's latency. Nil-safe.
func (s *Set) Observe(op string, d time.Duration) {
	if s != nil {
		s.OpDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}
