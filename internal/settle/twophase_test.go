package settle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnstilehq/turnstile/internal/ledger"
	"github.com/turnstilehq/turnstile/internal/metrics"
	"github.com/turnstilehq/turnstile/internal/pricing"
	"github.com/turnstilehq/turnstile/internal/settle"
	"github.com/turnstilehq/turnstile/internal/store"
	"github.com/turnstilehq/turnstile/internal/store/memory"
)

var testOracle = pricing.NewStatic([]pricing.ModelPrice{
	{ModelID: "image-one", PerImage: 100, CurrencyPerCredit: 0.0001},
	{ModelID: "chat-one", InputPerMillionTokens: 1_000_000, OutputPerMillionTokens: 1_000_000, CurrencyPerCredit: 0.0001},
})

type fakeImageProvider struct {
	result settle.ImageResult
	err    error
	calls  int
	gotReq settle.ImageRequest
}

func (f *fakeImageProvider) Generate(_ context.Context, req settle.ImageRequest) (settle.ImageResult, error) {
	f.calls++
	f.gotReq = req
	if f.err != nil {
		return settle.ImageResult{}, f.err
	}
	return f.result, nil
}

func newImageHarness(t *testing.T, balance int64, provider *fakeImageProvider, cfg settle.TwoPhaseConfig, opts ...settle.TwoPhaseOption) (*settle.TwoPhase, *ledger.Engine) {
	t.Helper()
	st := memory.New()
	engine := ledger.New(st, ledger.Config{DefaultDailySpendLimit: 1000}, zerolog.Nop())
	_, err := engine.EnsureAccount(context.Background(), "acc1")
	require.NoError(t, err)
	if balance > 0 {
		_, err = engine.Grant(context.Background(), "acc1", balance, "test funding")
		require.NoError(t, err)
	}
	return settle.NewTwoPhase(engine, testOracle, provider, cfg, zerolog.Nop(), opts...), engine
}

func balanceOf(t *testing.T, engine *ledger.Engine) int64 {
	t.Helper()
	info, err := engine.Balance(context.Background(), "acc1")
	require.NoError(t, err)
	return info.Balance
}

func TestTwoPhase_SettlesFromReportedUsage(t *testing.T) {
	provider := &fakeImageProvider{result: settle.ImageResult{
		Images:          []string{"https://img/1"},
		ReportedCredits: 80,
	}}
	tp, engine := newImageHarness(t, 1000, provider, settle.TwoPhaseConfig{Headroom: 1.5})

	res, err := tp.Generate(context.Background(), "acc1", "gen1", settle.ImageRequest{
		ModelID: "image-one", Prompt: "a lighthouse", Count: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Settle)

	// Reserved 150 (100 nominal * 1.5), settled at the reported 80.
	assert.True(t, res.Settle.Converted)
	assert.Equal(t, int64(70), res.Settle.Refunded)
	assert.False(t, res.EstimatedCost)
	assert.Equal(t, int64(920), balanceOf(t, engine))
}

func TestTwoPhase_ReleasesOnProviderFailure(t *testing.T) {
	provErr := errors.New("upstream returned 502")
	provider := &fakeImageProvider{err: provErr}
	tp, engine := newImageHarness(t, 1000, provider, settle.TwoPhaseConfig{Headroom: 1.5})

	_, err := tp.Generate(context.Background(), "acc1", "gen1", settle.ImageRequest{
		ModelID: "image-one", Count: 1,
	})
	// The provider error propagates unchanged; the reservation is gone.
	require.ErrorIs(t, err, provErr)
	assert.Equal(t, int64(1000), balanceOf(t, engine))
}

func TestTwoPhase_UnpricedModelRejectsBeforeReserving(t *testing.T) {
	provider := &fakeImageProvider{}
	tp, engine := newImageHarness(t, 1000, provider, settle.TwoPhaseConfig{Headroom: 1.5})

	_, err := tp.Generate(context.Background(), "acc1", "gen1", settle.ImageRequest{
		ModelID: "mystery-model", Count: 1,
	})
	require.ErrorIs(t, err, pricing.ErrUnpriced)
	assert.Zero(t, provider.calls)
	assert.Equal(t, int64(1000), balanceOf(t, engine))
}

func TestTwoPhase_InsufficientCreditsAgainstInflatedEstimate(t *testing.T) {
	provider := &fakeImageProvider{}
	// 120 covers the nominal 100 but not the 150 reservation.
	tp, engine := newImageHarness(t, 120, provider, settle.TwoPhaseConfig{Headroom: 1.5})

	_, err := tp.Generate(context.Background(), "acc1", "gen1", settle.ImageRequest{
		ModelID: "image-one", Count: 1,
	})
	require.True(t, ledger.IsInsufficientCredits(err))
	assert.Zero(t, provider.calls)
	assert.Equal(t, int64(120), balanceOf(t, engine))
}

func TestTwoPhase_FallsBackToEstimateWhenUsageMissing(t *testing.T) {
	reg := prometheus.NewRegistry()
	set := metrics.New(reg)

	provider := &fakeImageProvider{result: settle.ImageResult{Images: []string{"https://img/1"}}}
	tp, engine := newImageHarness(t, 1000, provider, settle.TwoPhaseConfig{Headroom: 1.5}, settle.WithTwoPhaseMetrics(set))

	res, err := tp.Generate(context.Background(), "acc1", "gen1", settle.ImageRequest{
		ModelID: "image-one", Count: 2,
	})
	require.NoError(t, err)

	// Settled at the nominal 200, not the inflated 300 reservation.
	assert.True(t, res.EstimatedCost)
	assert.Equal(t, int64(800), balanceOf(t, engine))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.EstimateFallbacks))
}

type fakePlanner struct {
	err   error
	calls int
}

func (f *fakePlanner) Plan(_ context.Context, req settle.ImageRequest) (settle.ImageRequest, error) {
	f.calls++
	if f.err != nil {
		return settle.ImageRequest{}, f.err
	}
	req.Prompt = req.Prompt + ", detailed"
	return req, nil
}

func TestTwoPhase_PlannerRefinesRequest(t *testing.T) {
	provider := &fakeImageProvider{result: settle.ImageResult{ReportedCredits: 100}}
	planner := &fakePlanner{}
	tp, engine := newImageHarness(t, 1000, provider,
		settle.TwoPhaseConfig{Headroom: 1.5, PlanCredits: 5},
		settle.WithPlanner(planner))

	_, err := tp.Generate(context.Background(), "acc1", "gen1", settle.ImageRequest{
		ModelID: "image-one", Prompt: "a lighthouse", Count: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, planner.calls)
	assert.Equal(t, "a lighthouse, detailed", provider.gotReq.Prompt)

	// 5 plan credits + 100 settled.
	assert.Equal(t, int64(895), balanceOf(t, engine))
}

func TestTwoPhase_FailedPlannerRefundedViaGrant(t *testing.T) {
	provider := &fakeImageProvider{}
	planner := &fakePlanner{err: errors.New("planner timed out")}
	tp, engine := newImageHarness(t, 1000, provider,
		settle.TwoPhaseConfig{Headroom: 1.5, PlanCredits: 5},
		settle.WithPlanner(planner))

	_, err := tp.Generate(context.Background(), "acc1", "gen1", settle.ImageRequest{
		ModelID: "image-one", Count: 1,
	})
	require.Error(t, err)
	assert.Zero(t, provider.calls)

	// The micro-charge was handed back; nothing else was held.
	assert.Equal(t, int64(1000), balanceOf(t, engine))
}

func TestTwoPhase_UnlimitedPlannerFailureDoesNotRefund(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	engine := ledger.New(st, ledger.Config{DefaultDailySpendLimit: 1000}, zerolog.Nop())
	_, err := engine.EnsureAccount(ctx, "acc1")
	require.NoError(t, err)
	_, err = engine.Grant(ctx, "acc1", 100, "test funding")
	require.NoError(t, err)
	_, err = st.Mutate(ctx, "acc1", "", func(acc *store.Account, _ []store.Entry) ([]store.Entry, error) {
		acc.Tier = store.TierUnlimited
		return nil, nil
	})
	require.NoError(t, err)

	provider := &fakeImageProvider{}
	planner := &fakePlanner{err: errors.New("planner timed out")}
	tp := settle.NewTwoPhase(engine, testOracle, provider,
		settle.TwoPhaseConfig{Headroom: 1.5, PlanCredits: 5},
		zerolog.Nop(), settle.WithPlanner(planner))

	_, err = tp.Generate(ctx, "acc1", "gen1", settle.ImageRequest{
		ModelID: "image-one", Count: 1,
	})
	require.Error(t, err)

	// The bypassed plan charge took nothing, so a refund would mint
	// credits the account never spent.
	assert.Equal(t, int64(100), balanceOf(t, engine))
}
