// Package fees converts settlement cost into the transferred asset.
package fees

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"gaslessrelay/internal/feerate"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/quote"
	"gaslessrelay/internal/validator"
)

const nativeDecimals = 18

// StalePolicy decides what a stale fee-rate reading means for pricing.
type StalePolicy string

const (
	StaleWiden  StalePolicy = "widen"
	StaleRefuse StalePolicy = "refuse"
)

type QuoteSource interface {
	Quote(ctx context.Context, ref quote.Ref) (quote.Quote, error)
}

type RateSource interface {
	Estimate() (feerate.Estimate, error)
}

// Refresher is a RateSource that can take a new reading on demand.
type Refresher interface {
	Refresh(ctx context.Context) (feerate.Estimate, error)
}

type Config struct {
	Markup      decimal.Decimal
	StaleMarkup decimal.Decimal
	StalePolicy StalePolicy
	// MinMargin is the minimum operator margin in wei.
	MinMargin    *big.Int
	QuoteMaxAge  time.Duration
	QuoteTimeout time.Duration
}

// Breakdown explains a computed fee.
type Breakdown struct {
	Fee        *big.Int
	TokenCost  *big.Int
	NativeCost *big.Int
	Margin     *big.Int
	FeeRate    *big.Int
	GasUsage   uint64
	Markup     decimal.Decimal
	Quote      quote.Quote
	Elevated   bool
	Degraded   bool
}

type Calculator struct {
	quotes QuoteSource
	rates  RateSource
	cfg    Config
	now    func() time.Time
}

func NewCalculator(quotes QuoteSource, rates RateSource, cfg Config) *Calculator {
	if cfg.StalePolicy == "" {
		cfg.StalePolicy = StaleWiden
	}
	if cfg.MinMargin == nil {
		cfg.MinMargin = new(big.Int)
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = time.Minute
	}
	return &Calculator{quotes: quotes, rates: rates, cfg: cfg, now: time.Now}
}

// Estimate prices a transfer of asset without checking caps.
func (c *Calculator) Estimate(ctx context.Context, asset validator.Asset) (Breakdown, error) {
	return c.estimate(ctx, asset, nil)
}

// EstimateAt prices asset at no less than rate without sampling again.
func (c *Calculator) EstimateAt(ctx context.Context, asset validator.Asset, rate *big.Int) (Breakdown, error) {
	return c.estimate(ctx, asset, rate)
}

// Reprice takes a new fee-rate reading when the source supports it and then
// prices asset at no less than rate. A failed reading falls back to the last
// known sample, flagged stale.
func (c *Calculator) Reprice(ctx context.Context, asset validator.Asset, rate *big.Int) (Breakdown, error) {
	if r, ok := c.rates.(Refresher); ok {
		_, _ = r.Refresh(ctx)
	}
	return c.estimate(ctx, asset, rate)
}

func (c *Calculator) estimate(ctx context.Context, asset validator.Asset, override *big.Int) (Breakdown, error) {
	q, err := c.freshQuote(ctx, asset)
	if err != nil {
		return Breakdown{}, err
	}

	est, err := c.rates.Estimate()
	if err != nil {
		return Breakdown{}, &intent.PricingError{Asset: asset.Symbol, Reason: err.Error()}
	}
	markup := c.cfg.Markup
	if est.Stale {
		if c.cfg.StalePolicy == StaleRefuse {
			return Breakdown{}, &intent.PricingError{Asset: asset.Symbol, Reason: "fee rate is stale"}
		}
		markup = markup.Add(c.cfg.StaleMarkup)
	}
	rate := est.Pricing()
	if override != nil && override.Cmp(rate) > 0 {
		rate = new(big.Int).Set(override)
	}

	nativeCost := new(big.Int).Mul(new(big.Int).SetUint64(asset.GasUsage), rate)
	tokenCost := decimal.NewFromBigInt(nativeCost, 0).
		Shift(asset.Decimals - nativeDecimals).
		DivRound(q.Price, nativeDecimals)
	fee := tokenCost.Mul(decimal.NewFromInt(1).Add(markup)).Ceil().BigInt()

	feeNative := decimal.NewFromBigInt(fee, 0).
		Mul(q.Price).
		Shift(nativeDecimals - asset.Decimals).
		Floor().BigInt()

	return Breakdown{
		Fee:        fee,
		TokenCost:  tokenCost.Ceil().BigInt(),
		NativeCost: nativeCost,
		Margin:     new(big.Int).Sub(feeNative, nativeCost),
		FeeRate:    rate,
		GasUsage:   asset.GasUsage,
		Markup:     markup,
		Quote:      q,
		Elevated:   est.Elevated,
		Degraded:   est.Stale,
	}, nil
}

// Price computes the fee for a transfer and checks it against the operator
// margin, the declared maximum and the transferred amount.
func (c *Calculator) Price(ctx context.Context, asset validator.Asset, amount, maxFee *big.Int) (Breakdown, error) {
	b, err := c.Estimate(ctx, asset)
	if err != nil {
		return Breakdown{}, err
	}
	return b, c.Check(b, amount, maxFee)
}

// Check applies the profitability and cap rules to a breakdown.
func (c *Calculator) Check(b Breakdown, amount, maxFee *big.Int) error {
	if b.Margin.Cmp(c.cfg.MinMargin) < 0 {
		return &intent.ProfitabilityError{Margin: b.Margin, MinMargin: c.cfg.MinMargin}
	}
	if b.Fee.Cmp(maxFee) > 0 {
		return &intent.FeeExceedsMaximumError{Fee: b.Fee, Limit: maxFee}
	}
	if b.Fee.Cmp(amount) >= 0 {
		return &intent.FeeExceedsMaximumError{Fee: b.Fee, Limit: amount, ByAmount: true}
	}
	return nil
}

func (c *Calculator) freshQuote(ctx context.Context, asset validator.Asset) (quote.Quote, error) {
	if c.cfg.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.QuoteTimeout)
		defer cancel()
	}
	q, err := c.quotes.Quote(ctx, quote.Ref{Address: asset.Address, Symbol: asset.Symbol})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return quote.Quote{}, &intent.PricingError{Asset: asset.Symbol, Reason: "quote lookup timed out"}
		}
		return quote.Quote{}, &intent.PricingError{Asset: asset.Symbol, Reason: err.Error()}
	}
	if !q.Fresh(c.cfg.QuoteMaxAge, c.now()) {
		return quote.Quote{}, &intent.PricingError{Asset: asset.Symbol, Reason: "quote is stale"}
	}
	if !q.Price.IsPositive() {
		return quote.Quote{}, &intent.PricingError{Asset: asset.Symbol, Reason: "non-positive price"}
	}
	return q, nil
}
