// Package engine wires validation, sequencing, pricing, queueing and
// broadcasting into the relay dispatch pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gaslessrelay/internal/broadcaster"
	"gaslessrelay/internal/feerate"
	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/metrics"
	"gaslessrelay/internal/queue"
	"gaslessrelay/internal/sequencer"
	"gaslessrelay/internal/store"
	"gaslessrelay/internal/validator"
)

// ErrBusy is returned when an operator action races the pipeline for the
// same intent.
var ErrBusy = errors.New("intent is being processed")

type Config struct {
	Workers       int
	DequeuePoll   time.Duration
	ProbeInterval time.Duration
	// FeeRateSchedule and SweepSchedule are cron specs, e.g. "@every 15s".
	FeeRateSchedule string
	SweepSchedule   string
	// AvgInclusion is the expected time from dispatch to confirmation.
	AvgInclusion time.Duration
	MaxAttempts  int
	BumpPercent  decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DequeuePoll <= 0 {
		c.DequeuePoll = time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.FeeRateSchedule == "" {
		c.FeeRateSchedule = "@every 15s"
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 10s"
	}
	if c.AvgInclusion <= 0 {
		c.AvgInclusion = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if !c.BumpPercent.IsPositive() {
		c.BumpPercent = decimal.NewFromFloat(12.5)
	}
	return c
}

// Deps are the engine's collaborators. Metrics may be nil.
type Deps struct {
	Validator   *validator.Validator
	Assets      *validator.Registry
	Sequencer   *sequencer.Sequencer
	Fees        *fees.Calculator
	FeeRates    *feerate.Monitor
	Queue       *queue.Queue
	Broadcaster *broadcaster.Broadcaster
	Ledger      ledger.Client
	Store       store.Store
	Metrics     *metrics.Registry
	Log         logrus.FieldLogger
}

type Engine struct {
	Deps
	cfg      Config
	locks    [64]sync.Mutex
	degraded atomic.Bool
	now      func() time.Time
}

func New(deps Deps, cfg Config) *Engine {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	e := &Engine{Deps: deps, cfg: cfg.withDefaults(), now: time.Now}
	if deps.Metrics != nil {
		deps.Broadcaster.Observe = deps.Metrics.IncBroadcast
		deps.FeeRates.OnSample(func(est feerate.Estimate) {
			deps.Metrics.SetFeeRate(est.Current, est.Elevated)
		})
	}
	return e
}

// lock serializes mutations of one record outside the broadcaster.
func (e *Engine) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &e.locks[h.Sum32()%uint32(len(e.locks))]
	mu.Lock()
	return mu.Unlock
}

// Accepted is the synchronous answer to a submission.
type Accepted struct {
	ID           string
	Status       intent.Status
	EstimatedFee *big.Int
	// Replayed is set when the same signed intent was already accepted.
	Replayed bool
}

// Submit validates, sequences, prices and enqueues in. Any error leaves no
// trace in the pipeline.
func (e *Engine) Submit(ctx context.Context, in intent.TransferIntent) (Accepted, error) {
	res, err := e.Validator.Validate(in)
	if err != nil {
		var dup *intent.DuplicateError
		if errors.As(err, &dup) {
			return e.replay(ctx, dup.ID, in)
		}
		return Accepted{}, err
	}

	// Identical submissions racing past validation serialize here; the loser
	// sees the winner's record.
	unlock := e.lock(res.ID)
	defer unlock()
	if rec, err := e.Store.Get(ctx, res.ID); err != nil {
		return Accepted{}, err
	} else if rec != nil {
		return e.replayLocked(ctx, rec, in)
	}

	log := e.Log.WithFields(logrus.Fields{
		"intent_id": res.ID,
		"sender":    in.From.Hex(),
		"nonce":     in.Nonce,
		"asset":     res.Asset.Symbol,
	})

	disp, err := e.Sequencer.Admit(ctx, sequencer.Entry{ID: res.ID, Intent: in})
	if err != nil {
		if errors.Is(err, sequencer.ErrNonceInUse) {
			return Accepted{}, fmt.Errorf("%w: %v", intent.ErrDuplicate, err)
		}
		return Accepted{}, err
	}

	now := e.now()
	rec := intent.NewRecord(res.ID, in, now)
	rec.Priority = queue.PriorityNormal

	if disp == sequencer.Held {
		_ = rec.Transition(intent.StatusValidated, now)
		if err := e.Store.Save(ctx, rec); err != nil {
			e.Sequencer.Drop(in.From, in.Nonce)
			return Accepted{}, fmt.Errorf("persist intent: %w", err)
		}
		e.Validator.Remember(in, res.ID)
		e.countStatus(intent.StatusValidated)
		log.Info("intent held until earlier nonce settles")
		return Accepted{ID: res.ID, Status: rec.Status}, nil
	}

	b, err := e.Fees.Price(ctx, res.Asset, in.Amount, in.MaxFee)
	if err != nil {
		e.Sequencer.Abort(in.From, in.Nonce)
		log.WithError(err).Info("intent refused at pricing")
		return Accepted{}, err
	}
	if err := e.enqueue(ctx, rec, b); err != nil {
		e.Sequencer.Abort(in.From, in.Nonce)
		return Accepted{}, err
	}
	e.Validator.Remember(in, res.ID)
	log.WithField("fee", b.Fee.String()).Info("intent queued")
	return Accepted{ID: res.ID, Status: rec.Status, EstimatedFee: b.Fee}, nil
}

// enqueue persists rec as queued and hands it to the dispatch queue.
func (e *Engine) enqueue(ctx context.Context, rec *intent.Record, b fees.Breakdown) error {
	now := e.now()
	rec.EstimatedFee = b.Fee
	if err := rec.Transition(intent.StatusQueued, now); err != nil {
		return err
	}
	if err := e.Store.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist intent: %w", err)
	}
	if _, err := e.Queue.Enqueue(&queue.Entry{
		ID:         rec.ID,
		Intent:     rec.Intent,
		Priority:   rec.Priority,
		EnqueuedAt: now,
		Attempts:   rec.Attempts,
		Fee:        b.Fee,
		FeeRate:    b.FeeRate,
		Ready:      true,
	}); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return err
	}
	e.countStatus(intent.StatusQueued)
	return nil
}

// replay answers a resubmission of an already accepted intent. A still queued
// entry is repriced.
func (e *Engine) replay(ctx context.Context, id string, in intent.TransferIntent) (Accepted, error) {
	unlock := e.lock(id)
	defer unlock()

	rec, err := e.Store.Get(ctx, id)
	if err != nil {
		return Accepted{}, err
	}
	if rec == nil {
		return Accepted{}, &intent.DuplicateError{ID: id}
	}
	return e.replayLocked(ctx, rec, in)
}

// replayLocked must be called with the lock for rec.ID held.
func (e *Engine) replayLocked(ctx context.Context, rec *intent.Record, in intent.TransferIntent) (Accepted, error) {
	id := rec.ID
	if rec.Status == intent.StatusQueued {
		if asset, ok := e.Assets.Snapshot().Lookup(in.Asset); ok {
			b, err := e.Fees.Price(ctx, asset, in.Amount, in.MaxFee)
			switch {
			case err != nil:
				e.Log.WithError(err).WithField("intent_id", id).Warn("reprice on resubmission failed, keeping previous price")
			case e.Queue.Reprice(in.Key(), b.Fee, b.FeeRate):
				rec.EstimatedFee = b.Fee
				rec.UpdatedAt = e.now()
				if err := e.Store.Save(ctx, rec); err != nil {
					return Accepted{}, err
				}
			}
		}
	}
	return Accepted{ID: rec.ID, Status: rec.Status, EstimatedFee: rec.EstimatedFee, Replayed: true}, nil
}

// Status returns the latest persisted record. It never blocks on the pipeline.
func (e *Engine) Status(ctx context.Context, id string) (*intent.Record, error) {
	rec, err := e.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", intent.ErrNotFound, id)
	}
	return rec, nil
}

// FeeQuote answers an estimate request.
type FeeQuote struct {
	Asset             validator.Asset
	Fee               *big.Int
	AmountAfterFee    *big.Int
	MaxRecommendedFee *big.Int
	FeeRate           *big.Int
	Price             decimal.Decimal
	QuoteSource       string
	QuotedAt          time.Time
	EstimatedWait     time.Duration
	Elevated          bool
	Degraded          bool
}

// Estimate prices a prospective transfer without touching any state.
// MaxRecommendedFee covers every fee bump the broadcaster may apply.
func (e *Engine) Estimate(ctx context.Context, assetAddr common.Address, amount *big.Int) (FeeQuote, error) {
	asset, ok := e.Assets.Snapshot().Lookup(assetAddr)
	if !ok {
		return FeeQuote{}, intent.Invalid(intent.CauseUnsupportedAsset, "%s", assetAddr.Hex())
	}
	if asset.Paused {
		return FeeQuote{}, intent.Invalid(intent.CauseAssetPaused, "%s", asset.Symbol)
	}
	if amount != nil && amount.Sign() <= 0 {
		return FeeQuote{}, intent.Invalid(intent.CauseInvalidAmount, "amount must be positive")
	}

	b, err := e.Fees.Estimate(ctx, asset)
	if err != nil {
		return FeeQuote{}, err
	}
	worst := b.FeeRate
	for i := 1; i < e.cfg.MaxAttempts; i++ {
		worst = broadcaster.Bump(worst, e.cfg.BumpPercent)
	}
	ceiling, err := e.Fees.EstimateAt(ctx, asset, worst)
	if err != nil {
		return FeeQuote{}, err
	}

	fq := FeeQuote{
		Asset:             asset,
		Fee:               b.Fee,
		MaxRecommendedFee: ceiling.Fee,
		FeeRate:           b.FeeRate,
		Price:             b.Quote.Price,
		QuoteSource:       b.Quote.Source,
		QuotedAt:          b.Quote.Timestamp,
		EstimatedWait:     e.estimatedWait(b.Elevated),
		Elevated:          b.Elevated,
		Degraded:          b.Degraded || e.degraded.Load(),
	}
	if amount != nil {
		fq.AmountAfterFee = new(big.Int).Sub(amount, b.Fee)
		if fq.AmountAfterFee.Sign() <= 0 {
			return fq, &intent.FeeExceedsMaximumError{Fee: b.Fee, Limit: amount, ByAmount: true}
		}
	}
	return fq, nil
}

func (e *Engine) estimatedWait(elevated bool) time.Duration {
	snap := e.Queue.Snapshot()
	rounds := (snap.Queued+snap.InFlight)/e.cfg.Workers + 1
	wait := time.Duration(rounds) * e.cfg.AvgInclusion
	if elevated {
		wait *= 2
	}
	return wait
}

// AssetList is the current whitelist snapshot.
type AssetList struct {
	Version uint64
	Assets  []validator.Asset
}

func (e *Engine) Whitelist() AssetList {
	snap := e.Assets.Snapshot()
	return AssetList{Version: snap.Version, Assets: snap.List()}
}

// ReplaceAssets installs a new whitelist. Queued intents keep their place.
func (e *Engine) ReplaceAssets(assets []validator.Asset) uint64 {
	version := e.Assets.Replace(assets)
	e.Log.WithFields(logrus.Fields{"version": version, "assets": len(assets)}).Info("asset whitelist replaced")
	return version
}

func (e *Engine) QueueSnapshot() queue.Snapshot {
	snap := e.Queue.Snapshot()
	if e.Metrics != nil {
		e.Metrics.SetQueue(snap.Queued, snap.InFlight)
	}
	return snap
}

// Prioritize moves a queued intent to another priority tier.
func (e *Engine) Prioritize(ctx context.Context, id string, priority int) (*intent.Record, error) {
	unlock := e.lock(id)
	defer unlock()

	rec, err := e.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", intent.ErrTerminal, id, rec.Status)
	}
	if rec.Status == intent.StatusQueued {
		if err := e.Queue.SetPriority(id, priority); err != nil {
			if errors.Is(err, queue.ErrInFlight) || errors.Is(err, queue.ErrNotFound) {
				return nil, ErrBusy
			}
			return nil, err
		}
	} else if rec.Status != intent.StatusValidated {
		return nil, ErrBusy
	}
	rec.Priority = priority
	rec.UpdatedAt = e.now()
	if err := e.Store.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Remove takes a queued or held intent out of the pipeline. It becomes
// rejected and its nonce stays unconsumed.
func (e *Engine) Remove(ctx context.Context, id string) (*intent.Record, error) {
	unlock := e.lock(id)
	defer unlock()

	rec, err := e.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	sender, nonce := rec.Intent.From, rec.Intent.Nonce
	switch rec.Status {
	case intent.StatusQueued:
		if _, err := e.Queue.Remove(id); err != nil {
			if errors.Is(err, queue.ErrInFlight) || errors.Is(err, queue.ErrNotFound) {
				return nil, ErrBusy
			}
			return nil, err
		}
		e.Sequencer.Abort(sender, nonce)
	case intent.StatusValidated:
		if !e.Sequencer.Drop(sender, nonce) {
			return nil, ErrBusy
		}
	case intent.StatusSubmitted:
		return nil, ErrBusy
	default:
		return nil, fmt.Errorf("%w: %s is %s", intent.ErrTerminal, id, rec.Status)
	}

	if err := rec.Fail(intent.StatusRejected, intent.ErrOperatorRemoved, e.now()); err != nil {
		return nil, err
	}
	if err := e.Store.Save(ctx, rec); err != nil {
		return nil, err
	}
	e.countStatus(intent.StatusRejected)
	e.Log.WithFields(logrus.Fields{"intent_id": id, "sender": sender.Hex(), "nonce": nonce}).Info("intent removed by operator")
	return rec, nil
}

// Health reports dependency reachability.
type Health struct {
	Ledger   error
	Store    error
	Degraded bool
	Queue    queue.Snapshot
}

func (e *Engine) Health(ctx context.Context) Health {
	return Health{
		Ledger:   e.Ledger.Ping(ctx),
		Store:    e.Store.Ping(ctx),
		Degraded: e.degraded.Load(),
		Queue:    e.QueueSnapshot(),
	}
}

// Degraded reports accept-and-queue-only mode.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

func (e *Engine) countStatus(s intent.Status) {
	if e.Metrics != nil {
		e.Metrics.IncIntent(string(s))
	}
}
