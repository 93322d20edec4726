// Package pricing resolves model identifiers to credit prices. The ledger
// never guesses: an unpriced model rejects the operation before anything is
// reserved.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnpriced is returned when no price is known for a model.
var ErrUnpriced = errors.New("pricing: model is not priced")

// ModelPrice is the credit price for one model. Token prices are credits per
// million tokens; PerImage is credits per generated image.
type ModelPrice struct {
	ModelID                string  `yaml:"model"`
	InputPerMillionTokens  int64   `yaml:"input_per_million_tokens"`
	OutputPerMillionTokens int64   `yaml:"output_per_million_tokens"`
	PerImage               int64   `yaml:"per_image"`
	CurrencyPerCredit      float64 `yaml:"currency_per_credit"`
}

// TokenCost converts token counts to credits.
func (p ModelPrice) TokenCost(promptTokens, completionTokens int64) int64 {
	in := float64(promptTokens) * float64(p.InputPerMillionTokens) / 1_000_000
	out := float64(completionTokens) * float64(p.OutputPerMillionTokens) / 1_000_000
	cost := int64(in + out)
	if cost < 1 && promptTokens+completionTokens > 0 {
		cost = 1 // never meter usage as free
	}
	return cost
}

// ImageCost converts an image count to credits.
func (p ModelPrice) ImageCost(n int) int64 {
	return p.PerImage * int64(n)
}

// CurrencyCost converts credits to currency units for the daily-spend gate.
// Zero when the conversion rate is unknown.
func (p ModelPrice) CurrencyCost(credits int64) float64 {
	return float64(credits) * p.CurrencyPerCredit
}

// Oracle resolves a model id to a price.
type Oracle interface {
	Price(ctx context.Context, modelID string) (ModelPrice, error)
}

// Static is a fixed in-memory price table.
type Static struct {
	prices map[string]ModelPrice
}

var _ Oracle = (*Static)(nil)

// NewStatic builds a table from a slice of prices.
func NewStatic(prices []ModelPrice) *Static {
	m := make(map[string]ModelPrice, len(prices))
	for _, p := range prices {
		m[p.ModelID] = p
	}
	return &Static{prices: m}
}

// LoadFile reads a YAML price table.
//
// File shape:
//
//	models:
//	  - model: gpt-4o
//	    input_per_million_tokens: 2500
//	    output_per_million_tokens: 10000
//	    currency_per_credit: 0.000002
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", path, err)
	}

	var doc struct {
		Models []ModelPrice `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("pricing: %s contains no models", path)
	}
	return NewStatic(doc.Models), nil
}

func (s *Static) Price(_ context.Context, modelID string) (ModelPrice, error) {
	p, ok := s.prices[modelID]
	if !ok {
		return ModelPrice{}, fmt.Errorf("%w: %s", ErrUnpriced, modelID)
	}
	return p, nil
}

// Cached decorates an Oracle with a lookup cache so a slow backing oracle
// (a database, a remote catalog) is consulted once per model. Negative
// results are not cached: an unpriced model may become priced.
type Cached struct {
	inner Oracle
	cache sync.Map // modelID -> ModelPrice
}

var _ Oracle = (*Cached)(nil)

// NewCached wraps an Oracle with caching.
func NewCached(inner Oracle) *Cached {
	return &Cached{inner: inner}
}

func (c *Cached) Price(ctx context.Context, modelID string) (ModelPrice, error) {
	if v, ok := c.cache.Load(modelID); ok {
		return v.(ModelPrice), nil
	}

	p, err := c.inner.Price(ctx, modelID)
	if err != nil {
		return ModelPrice{}, err
	}
	c.cache.Store(modelID, p)
	return p, nil
}
