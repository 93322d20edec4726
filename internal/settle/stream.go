package settle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/turnstilehq/turnstile/internal/ledger"
	"github.com/turnstilehq/turnstile/internal/metrics"
	"github.com/turnstilehq/turnstile/internal/pricing"
)

// ChatConfig tunes the streaming orchestrator.
type ChatConfig struct {
	// Headroom inflates the upfront reservation over the token estimate.
	// Values below 1 are raised to 1.
	Headroom float64

	// DefaultMaxOutputTokens bounds the assumed response length when the
	// request does not set one. Exact output length is unknowable before
	// generation; the reservation is sized from this bound.
	DefaultMaxOutputTokens int64
}

// ChatSettler orchestrates streaming chat: reserve an upfront estimate,
// stream, then settle once on clean finish or release once on cancel/error.
type ChatSettler struct {
	engine   *ledger.Engine
	oracle   pricing.Oracle
	provider ChatProvider
	cfg      ChatConfig
	log      zerolog.Logger
	metrics  *metrics.Set
}

// ChatOption configures a ChatSettler.
type ChatOption func(*ChatSettler)

// WithChatMetrics attaches prometheus instruments.
func WithChatMetrics(m *metrics.Set) ChatOption {
	return func(c *ChatSettler) { c.metrics = m }
}

// NewChatSettler creates a streaming settlement orchestrator.
func NewChatSettler(engine *ledger.Engine, oracle pricing.Oracle, provider ChatProvider, cfg ChatConfig, logger zerolog.Logger, opts ...ChatOption) *ChatSettler {
	if cfg.Headroom < 1 {
		cfg.Headroom = 1
	}
	if cfg.DefaultMaxOutputTokens <= 0 {
		cfg.DefaultMaxOutputTokens = 1024
	}
	c := &ChatSettler{
		engine:   engine,
		oracle:   oracle,
		provider: provider,
		cfg:      cfg,
		log:      logger.With().Str("component", "chat_settler").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream reserves and starts a metered chat stream. The reservation happens
// before the provider call; streaming begins immediately after, so
// time-to-first-byte is one ledger round trip.
//
// An unpriced model rejects the operation before anything is reserved. A
// provider that fails to open the stream releases the reservation and
// propagates the original error.
func (c *ChatSettler) Stream(ctx context.Context, accountID, generationID string, req ChatRequest) (*MeteredStream, error) {
	price, err := c.oracle.Price(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}

	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = c.cfg.DefaultMaxOutputTokens
	}
	promptEst := EstimateTokens(req.Messages)
	estimate := price.TokenCost(promptEst, maxOut)
	reserveAmt := int64(float64(estimate) * c.cfg.Headroom)

	if _, err := c.engine.Reserve(ctx, ledger.ReserveRequest{
		AccountID:      accountID,
		GenerationID:   generationID,
		Amount:         reserveAmt,
		ModelID:        req.ModelID,
		CostInCurrency: price.CurrencyCost(estimate),
	}); err != nil {
		return nil, err
	}

	inner, err := c.provider.StreamChat(ctx, req)
	if err != nil {
		if _, relErr := c.engine.Release(context.Background(), accountID, generationID); relErr != nil {
			c.log.Error().Err(relErr).
				Str("generation_id", generationID).
				Msg("release after failed stream open did not reach the ledger")
		}
		return nil, err
	}

	ms := &MeteredStream{
		inner:        inner,
		engine:       c.engine,
		accountID:    accountID,
		generationID: generationID,
		modelID:      req.ModelID,
		price:        price,
		reserved:     reserveAmt,
		promptEst:    promptEst,
		log:          c.log,
		metrics:      c.metrics,
		done:         make(chan struct{}),
	}

	// Consumer disconnects surface as context cancellation, a termination
	// path with the same priority as an error. The watcher exits once any
	// terminal edge is taken.
	go func() {
		select {
		case <-ctx.Done():
			ms.abort(ctx.Err())
		case <-ms.done:
		}
	}()

	return ms, nil
}

// streamState is the terminal flag of the settle-exactly-once machine.
// Only the first edge out of stateReserved is honored; the ledger's
// idempotency absorbs anything that slips past (a second process, a
// transport-level double invocation).
type streamState int

const (
	stateReserved streamState = iota
	stateSettling
	stateSettled
	stateReleasing
	stateReleased
)

// MeteredStream is a chat stream that settles or releases its reservation
// exactly once, whichever of normal-finish, cancellation, or mid-stream
// error fires first.
type MeteredStream struct {
	inner        ChatStream
	engine       *ledger.Engine
	accountID    string
	generationID string
	modelID      string
	price        pricing.ModelPrice
	reserved     int64
	promptEst    int64
	log          zerolog.Logger
	metrics      *metrics.Set

	mu              sync.Mutex
	state           streamState
	usage           Usage
	completionChars int64
	ledgerErr       error
	done            chan struct{}
}

// Recv returns the next chunk. On the normal end of stream the settlement
// runs before io.EOF is returned, so a consumer observing completion is
// guaranteed the ledger is already consistent. A mid-stream error releases
// the reservation and propagates the error.
func (s *MeteredStream) Recv() (ChatChunk, error) {
	chunk, err := s.inner.Recv()
	if err == nil {
		s.mu.Lock()
		s.completionChars += int64(len(chunk.Content))
		if chunk.Usage != nil {
			s.usage = *chunk.Usage
		}
		s.mu.Unlock()
		return chunk, nil
	}

	if errors.Is(err, io.EOF) {
		s.finish()
		return chunk, io.EOF
	}

	s.abort(err)
	return chunk, err
}

// Close releases the reservation if the stream has not reached a terminal
// state (the client-cancel path), closes the provider stream, and reports
// any ledger failure from the terminal action. Idempotent.
func (s *MeteredStream) Close() error {
	s.abort(nil)

	closeErr := s.inner.Close()

	s.mu.Lock()
	ledgerErr := s.ledgerErr
	s.mu.Unlock()

	if ledgerErr != nil {
		if closeErr != nil {
			return errors.Join(closeErr, ledgerErr)
		}
		return fmt.Errorf("settle: %w", ledgerErr)
	}
	return closeErr
}

// transition takes the from→to edge if the stream is still in from.
func (s *MeteredStream) transition(from, to streamState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *MeteredStream) settleTerminal(state streamState, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil && s.ledgerErr == nil {
		s.ledgerErr = err
	}
	s.mu.Unlock()
	close(s.done)
}

// finish settles from reported usage on a clean end of stream.
func (s *MeteredStream) finish() {
	if !s.transition(stateReserved, stateSettling) {
		return
	}

	s.mu.Lock()
	usage := s.usage
	chars := s.completionChars
	s.mu.Unlock()

	// Providers normally report usage on the final chunk. When one does
	// not, estimate the completion from streamed length rather than
	// charging the full reservation.
	if usage.Total() == 0 {
		usage = Usage{PromptTokens: s.promptEst, CompletionTokens: chars / 4}
		s.metrics.EstimateFallback()
		s.log.Warn().
			Str("generation_id", s.generationID).
			Int64("completion_chars", chars).
			Msg("stream ended without usage, settling from estimate")
	}

	actual := s.price.TokenCost(usage.PromptTokens, usage.CompletionTokens)
	res, err := s.engine.Settle(context.Background(), ledger.SettleRequest{
		AccountID:      s.accountID,
		GenerationID:   s.generationID,
		ReservedAmount: s.reserved,
		ActualAmount:   actual,
		ModelID:        s.modelID,
		CostInCurrency: s.price.CurrencyCost(actual),
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("generation_id", s.generationID).
			Msg("stream settlement did not reach the ledger")
	} else {
		s.log.Info().
			Str("account_id", s.accountID).
			Str("generation_id", s.generationID).
			Int64("actual", actual).
			Int64("new_balance", res.NewBalance).
			Msg("stream settled")
	}

	s.settleTerminal(stateSettled, err)
}

// abort releases the reservation for cancellation or a mid-stream error.
// A no-op once any terminal edge has been taken.
func (s *MeteredStream) abort(cause error) {
	if !s.transition(stateReserved, stateReleasing) {
		return
	}

	_, err := s.engine.Release(context.Background(), s.accountID, s.generationID)
	if err != nil {
		s.log.Error().Err(err).
			Str("generation_id", s.generationID).
			Msg("stream release did not reach the ledger")
	} else {
		s.log.Info().
			Str("account_id", s.accountID).
			Str("generation_id", s.generationID).
			AnErr("cause", cause).
			Msg("stream released")
	}

	s.settleTerminal(stateReleased, err)
}
