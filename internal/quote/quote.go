// Package quote supplies asset prices denominated in the native fee unit.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrNoQuote = errors.New("no quote available")

// Ref identifies the asset being priced.
type Ref struct {
	Address common.Address
	Symbol  string
}

// Quote is the price of one whole asset unit in whole native units.
type Quote struct {
	Asset     common.Address  `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	// Fallback is set when the quote came from a last-known-good cache.
	Fallback bool `json:"-"`
}

// Fresh reports whether q is no older than maxAge at now.
func (q Quote) Fresh(maxAge time.Duration, now time.Time) bool {
	if q.Timestamp.IsZero() {
		return false
	}
	return now.Sub(q.Timestamp) <= maxAge
}

// Source is one price provider.
type Source interface {
	Name() string
	Quote(ctx context.Context, ref Ref) (Quote, error)
}

// Cache stores last-known-good quotes.
type Cache interface {
	Get(ctx context.Context, asset common.Address) (Quote, bool, error)
	Put(ctx context.Context, q Quote) error
}
