package settle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/turnstilehq/turnstile/internal/ledger"
	"github.com/turnstilehq/turnstile/internal/metrics"
	"github.com/turnstilehq/turnstile/internal/pricing"
)

// TwoPhaseConfig tunes the two-phase orchestrator.
type TwoPhaseConfig struct {
	// Headroom inflates the reservation over the oracle's nominal price.
	// Image providers under-report their nominal prices often enough that
	// the goal is "never fail settlement due to under-reservation", at
	// the cost of rejecting some requests against the inflated estimate.
	// Tuned empirically per provider; treat as configuration. Values
	// below 1 are raised to 1.
	Headroom float64

	// PlanCredits is the direct-debit micro-charge for the optional
	// planning pre-step. Zero disables the charge.
	PlanCredits int64
}

// TwoPhase settles discrete operations whose cost is known atomically at
// completion: reserve a generous estimate, call the provider, then settle
// from reported usage or release on failure.
type TwoPhase struct {
	engine   *ledger.Engine
	oracle   pricing.Oracle
	provider ImageProvider
	planner  Planner
	cfg      TwoPhaseConfig
	log      zerolog.Logger
	metrics  *metrics.Set
}

// TwoPhaseOption configures a TwoPhase.
type TwoPhaseOption func(*TwoPhase)

// WithPlanner attaches the optional planning pre-step.
func WithPlanner(p Planner) TwoPhaseOption {
	return func(t *TwoPhase) { t.planner = p }
}

// WithTwoPhaseMetrics attaches prometheus instruments.
func WithTwoPhaseMetrics(m *metrics.Set) TwoPhaseOption {
	return func(t *TwoPhase) { t.metrics = m }
}

// NewTwoPhase creates a two-phase settlement orchestrator.
func NewTwoPhase(engine *ledger.Engine, oracle pricing.Oracle, provider ImageProvider, cfg TwoPhaseConfig, logger zerolog.Logger, opts ...TwoPhaseOption) *TwoPhase {
	if cfg.Headroom < 1 {
		cfg.Headroom = 1
	}
	t := &TwoPhase{
		engine:   engine,
		oracle:   oracle,
		provider: provider,
		cfg:      cfg,
		log:      logger.With().Str("component", "two_phase").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GenerateResult pairs the provider output with the ledger outcome.
type GenerateResult struct {
	Image  ImageResult
	Settle *ledger.SettleResult

	// EstimatedCost is set when the provider reported no usage and the
	// settlement fell back to the oracle's nominal price.
	EstimatedCost bool
}

// Generate runs one image generation end to end.
//
// An unpriced model rejects the whole operation before anything is reserved.
// Provider failures after the reservation release it and propagate the
// original error unchanged.
func (t *TwoPhase) Generate(ctx context.Context, accountID, generationID string, req ImageRequest) (*GenerateResult, error) {
	price, err := t.oracle.Price(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	if t.planner != nil {
		req, err = t.plan(ctx, accountID, generationID, req)
		if err != nil {
			return nil, err
		}
	}

	nominal := price.ImageCost(req.Count)
	if nominal <= 0 {
		return nil, fmt.Errorf("%w: %s has no image price", pricing.ErrUnpriced, req.ModelID)
	}
	reserveAmt := int64(float64(nominal) * t.cfg.Headroom)

	if _, err := t.engine.Reserve(ctx, ledger.ReserveRequest{
		AccountID:      accountID,
		GenerationID:   generationID,
		Amount:         reserveAmt,
		ModelID:        req.ModelID,
		CostInCurrency: price.CurrencyCost(nominal),
	}); err != nil {
		return nil, err
	}

	img, provErr := t.provider.Generate(ctx, req)
	if provErr != nil {
		// The caller's context may already be canceled; the release
		// must still reach the ledger.
		if _, relErr := t.engine.Release(context.Background(), accountID, generationID); relErr != nil {
			t.log.Error().Err(relErr).
				Str("account_id", accountID).
				Str("generation_id", generationID).
				Msg("release after provider failure did not reach the ledger")
		}
		return nil, provErr
	}

	// Settle from the provider's own usage when reported; otherwise fall
	// back to the nominal estimate, never the inflated reservation.
	actual := img.ReportedCredits
	estimated := actual <= 0
	if estimated {
		actual = nominal
		t.metrics.EstimateFallback()
		t.log.Warn().
			Str("generation_id", generationID).
			Str("model_id", req.ModelID).
			Int64("nominal", nominal).
			Msg("provider reported no usage, settling from estimate")
	}

	settle, err := t.engine.Settle(context.Background(), ledger.SettleRequest{
		AccountID:      accountID,
		GenerationID:   generationID,
		ReservedAmount: reserveAmt,
		ActualAmount:   actual,
		ModelID:        req.ModelID,
		CostInCurrency: price.CurrencyCost(actual),
	})
	if err != nil {
		return nil, fmt.Errorf("settle after generation: %w", err)
	}

	return &GenerateResult{Image: img, Settle: settle, EstimatedCost: estimated}, nil
}

// plan runs the planning pre-step. Its micro-charge is taken as an immediate
// direct debit under its own generation id; if the planner itself fails, the
// charge is handed back via grant, independent of the main reservation.
func (t *TwoPhase) plan(ctx context.Context, accountID, generationID string, req ImageRequest) (ImageRequest, error) {
	planGen := generationID + ":plan"
	var charge *ledger.SettleResult
	if t.cfg.PlanCredits > 0 {
		var err error
		charge, err = t.engine.Settle(ctx, ledger.SettleRequest{
			AccountID:    accountID,
			GenerationID: planGen,
			ActualAmount: t.cfg.PlanCredits,
			ModelID:      req.ModelID,
		})
		if err != nil {
			return ImageRequest{}, err
		}
	}

	planned, err := t.planner.Plan(ctx, req)
	if err != nil {
		// Refund only a charge this call actually took: an unlimited-tier
		// bypass and a retried, already-charged settle debited nothing.
		if charge != nil && !charge.Bypassed && !charge.AlreadyCharged {
			if _, grantErr := t.engine.Grant(context.Background(), accountID, t.cfg.PlanCredits, "planning step failed"); grantErr != nil {
				t.log.Error().Err(grantErr).
					Str("account_id", accountID).
					Str("generation_id", planGen).
					Msg("refund of failed planning step did not reach the ledger")
			}
		}
		return ImageRequest{}, fmt.Errorf("planning step: %w", err)
	}
	return planned, nil
}
