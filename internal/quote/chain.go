package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Chain asks each source in order and falls back to the caches when every
// source fails. Callers decide whether a fallback quote is fresh enough.
type Chain struct {
	Sources []Source
	Caches  []Cache
	Timeout time.Duration
	Log     logrus.FieldLogger
	// Observe, when set, is told the result of every source lookup.
	Observe func(source string, err error)
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Quote(ctx context.Context, ref Ref) (Quote, error) {
	var lastErr error
	for _, src := range c.Sources {
		q, err := c.ask(ctx, src, ref)
		if c.Observe != nil {
			c.Observe(src.Name(), err)
		}
		if err != nil {
			lastErr = err
			c.logger().WithError(err).WithFields(logrus.Fields{
				"source": src.Name(),
				"asset":  ref.Symbol,
			}).Warn("quote source failed")
			continue
		}
		for _, cache := range c.Caches {
			if err := cache.Put(ctx, q); err != nil {
				c.logger().WithError(err).Debug("quote cache put failed")
			}
		}
		return q, nil
	}

	// The caches can disagree, e.g. a local one that missed writes from
	// other replicas. The newest entry wins.
	var (
		best  Quote
		found bool
	)
	for _, cache := range c.Caches {
		q, ok, err := cache.Get(ctx, ref.Address)
		if err != nil {
			c.logger().WithError(err).Debug("quote cache get failed")
			continue
		}
		if ok && (!found || q.Timestamp.After(best.Timestamp)) {
			best, found = q, true
		}
	}
	if found {
		best.Fallback = true
		return best, nil
	}

	if lastErr == nil {
		return Quote{}, ErrNoQuote
	}
	return Quote{}, fmt.Errorf("%w for %s: %v", ErrNoQuote, ref.Symbol, lastErr)
}

func (c *Chain) ask(ctx context.Context, src Source, ref Ref) (Quote, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	q, err := src.Quote(ctx, ref)
	if err != nil {
		return Quote{}, err
	}
	if !q.Price.IsPositive() {
		return Quote{}, fmt.Errorf("%s returned non-positive price %s", src.Name(), q.Price)
	}
	q.Asset = ref.Address
	if q.Source == "" {
		q.Source = src.Name()
	}
	return q, nil
}

func (c *Chain) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}
