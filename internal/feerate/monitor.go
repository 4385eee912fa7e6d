// Package feerate tracks the settlement layer's fee rate (gas price).
package feerate

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrNoSample = errors.New("no fee rate sample yet")

// Source reports the settlement layer's current fee rate in wei per gas.
type Source interface {
	FeeRate(ctx context.Context) (*big.Int, error)
}

// Estimate is what consumers see.
type Estimate struct {
	Current   *big.Int
	Predicted *big.Int
	// Elevated is set when the current rate sits beyond normal variance.
	Elevated bool
	// Stale is set when the latest sampling failed or the sample is too old.
	Stale     bool
	SampledAt time.Time
}

// Pricing returns the rate a fee computation should use.
func (e Estimate) Pricing() *big.Int {
	if e.Predicted != nil && e.Predicted.Cmp(e.Current) > 0 {
		return new(big.Int).Set(e.Predicted)
	}
	return new(big.Int).Set(e.Current)
}

type Config struct {
	Window        int
	SpikeSigma    float64
	MinSamples    int
	MaxAge        time.Duration
	SampleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.SpikeSigma <= 0 {
		c.SpikeSigma = 2
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Minute
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = 5 * time.Second
	}
	return c
}

type sample struct {
	rate *big.Int
	at   time.Time
}

type Monitor struct {
	src Source
	cfg Config
	log logrus.FieldLogger
	now func() time.Time

	mu       sync.RWMutex
	samples  []sample
	failing  bool
	observer func(Estimate)
}

func NewMonitor(src Source, cfg Config, log logrus.FieldLogger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{src: src, cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// OnSample registers a callback invoked after every sampling round.
func (m *Monitor) OnSample(fn func(Estimate)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Sample takes one reading. A failed reading keeps the last good sample and
// marks the estimate stale; it never clears history.
func (m *Monitor) Sample(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	defer cancel()

	rate, err := m.src.FeeRate(ctx)
	if err == nil && (rate == nil || rate.Sign() <= 0) {
		err = errors.New("non-positive fee rate")
	}

	m.mu.Lock()
	if err != nil {
		m.failing = true
	} else {
		m.failing = false
		m.samples = append(m.samples, sample{rate: new(big.Int).Set(rate), at: m.now()})
		if len(m.samples) > m.cfg.Window {
			m.samples = m.samples[len(m.samples)-m.cfg.Window:]
		}
	}
	observer := m.observer
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).Warn("fee rate sample failed, keeping last known rate")
	}
	if observer != nil {
		if est, estErr := m.Estimate(); estErr == nil {
			observer(est)
		}
	}
	return err
}

// Refresh samples once more and returns the resulting estimate.
func (m *Monitor) Refresh(ctx context.Context) (Estimate, error) {
	_ = m.Sample(ctx)
	return m.Estimate()
}

func (m *Monitor) Estimate() (Estimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.samples)
	if n == 0 {
		return Estimate{}, ErrNoSample
	}
	last := m.samples[n-1]
	est := Estimate{
		Current:   new(big.Int).Set(last.rate),
		Predicted: m.predict(),
		Elevated:  m.elevated(),
		Stale:     m.failing || m.now().Sub(last.at) > m.cfg.MaxAge,
		SampledAt: last.at,
	}
	return est, nil
}

// Elevated reports the spike signal without the rest of the estimate.
func (m *Monitor) Elevated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.elevated()
}

// predict extrapolates the mean step across the window one step ahead.
// Must be called with m.mu held.
func (m *Monitor) predict() *big.Int {
	n := len(m.samples)
	current := new(big.Int).Set(m.samples[n-1].rate)
	if n < 2 {
		return current
	}
	step := new(big.Int).Sub(m.samples[n-1].rate, m.samples[0].rate)
	step.Quo(step, big.NewInt(int64(n-1)))
	if step.Sign() <= 0 {
		return current
	}
	return current.Add(current, step)
}

// elevated compares the newest sample against the history before it.
// Must be called with m.mu held.
func (m *Monitor) elevated() bool {
	n := len(m.samples)
	if n < m.cfg.MinSamples+1 {
		return false
	}
	history := m.samples[:n-1]
	var sum float64
	values := make([]float64, len(history))
	for i, s := range history {
		values[i], _ = new(big.Float).SetInt(s.rate).Float64()
		sum += values[i]
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(len(values)))
	current, _ := new(big.Float).SetInt(m.samples[n-1].rate).Float64()
	return current > mean+m.cfg.SpikeSigma*stddev && current > mean
}

// Fixed is a constant Source for local runs without a node.
type Fixed struct {
	Rate *big.Int
}

func (f Fixed) FeeRate(context.Context) (*big.Int, error) {
	if f.Rate == nil {
		return nil, errors.New("fixed fee rate not configured")
	}
	return new(big.Int).Set(f.Rate), nil
}
