package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gaslessrelay/internal/broadcaster"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/queue"
	"gaslessrelay/internal/sequencer"
)

// Run starts the broadcast workers, the connectivity probe and the periodic
// jobs, and blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.FeeRates.Sample(ctx); err != nil {
		e.Log.WithError(err).Warn("initial fee rate sample failed")
	}

	g, ctx := errgroup.WithContext(ctx)

	// Schedules are checked before any goroutine starts.
	jobs := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := jobs.AddFunc(e.cfg.FeeRateSchedule, func() { _ = e.FeeRates.Sample(ctx) }); err != nil {
		return fmt.Errorf("fee rate schedule %q: %w", e.cfg.FeeRateSchedule, err)
	}
	if _, err := jobs.AddFunc(e.cfg.SweepSchedule, func() { e.Sweep(ctx) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", e.cfg.SweepSchedule, err)
	}

	for i := 0; i < e.cfg.Workers; i++ {
		worker := i
		g.Go(func() error { return e.work(ctx, worker) })
	}
	g.Go(func() error { return e.probe(ctx) })

	jobs.Start()
	g.Go(func() error {
		<-ctx.Done()
		<-jobs.Stop().Done()
		return nil
	})

	e.Log.WithField("workers", e.cfg.Workers).Info("relay engine started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) work(ctx context.Context, worker int) error {
	log := e.Log.WithField("worker", worker)
	for {
		if err := e.waitUntilHealthy(ctx); err != nil {
			return nil
		}
		entry, err := e.Queue.Dequeue(ctx, e.cfg.DequeuePoll)
		if err != nil {
			return nil
		}
		e.dispatch(ctx, entry, log)
	}
}

// waitUntilHealthy blocks while the engine is in accept-and-queue-only mode.
func (e *Engine) waitUntilHealthy(ctx context.Context) error {
	if !e.degraded.Load() {
		return nil
	}
	ticker := time.NewTicker(e.cfg.DequeuePoll)
	defer ticker.Stop()
	for e.degraded.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, entry *queue.Entry, log logrus.FieldLogger) {
	key := entry.Key()
	log = log.WithField("intent_id", entry.ID)

	unlock := e.lock(entry.ID)
	rec, err := e.Store.Get(ctx, entry.ID)
	unlock()
	if err != nil {
		log.WithError(err).Error("load intent record, returning to queue")
		_ = e.Queue.Return(key, entry.Attempts, nil)
		return
	}
	if rec == nil || rec.Status.Terminal() {
		e.Queue.Complete(key)
		return
	}

	asset, ok := e.Assets.Snapshot().Lookup(rec.Intent.Asset)
	if !ok || asset.Paused {
		cause := intent.Invalid(intent.CauseUnsupportedAsset, "%s", rec.Intent.Asset.Hex())
		if ok {
			cause = intent.Invalid(intent.CauseAssetPaused, "%s", asset.Symbol)
		}
		e.Queue.Complete(key)
		e.abandon(ctx, rec, intent.StatusRejected, cause)
		return
	}

	rate := entry.FeeRate
	if est, err := e.FeeRates.Estimate(); err == nil {
		rate = maxRate(rate, est.Pricing())
	}
	if rate == nil {
		log.Warn("no fee rate known yet, returning to queue")
		_ = e.Queue.Return(key, entry.Attempts, nil)
		return
	}

	res := e.Broadcaster.Dispatch(ctx, broadcaster.Job{Record: rec, Asset: asset, FeeRate: rate})
	e.settle(ctx, rec, res, log)
}

// settle applies a broadcaster verdict to the queue and the sequencer.
func (e *Engine) settle(ctx context.Context, rec *intent.Record, res broadcaster.Result, log logrus.FieldLogger) {
	key := rec.Intent.Key()
	switch res.Verdict {
	case broadcaster.Requeue:
		if errors.Is(res.Err, ledger.ErrUnavailable) {
			e.enterDegraded(res.Err)
		}
		if err := e.Queue.Return(key, rec.Attempts, nil); err != nil {
			log.WithError(err).Error("return intent to queue")
		}
		return
	case broadcaster.Interrupted:
		log.Info("broadcast interrupted, outstanding submission kept for recovery")
		return
	}

	e.Queue.Complete(key)
	e.countStatus(rec.Status)
	if !rec.Status.Terminal() {
		log.WithError(res.Err).Error("broadcast ended without a terminal status")
		return
	}
	if rec.Status == intent.StatusExpired {
		e.Sequencer.Abort(key.Sender, key.Nonce)
		return
	}
	e.advance(ctx, key)
}

// advance finalizes the sender's active nonce and releases the next held
// intent, if any.
func (e *Engine) advance(ctx context.Context, key intent.Key) {
	next, err := e.Sequencer.Finalize(ctx, key.Sender, key.Nonce)
	if err != nil {
		e.Log.WithError(err).WithField("sender", key.Sender.Hex()).Error("finalize nonce")
		return
	}
	if next != nil {
		e.release(ctx, *next)
	}
}

// release prices and enqueues an entry the sequencer just made ready.
func (e *Engine) release(ctx context.Context, entry sequencer.Entry) {
	unlock := e.lock(entry.ID)
	defer unlock()

	log := e.Log.WithFields(logrus.Fields{
		"intent_id": entry.ID,
		"sender":    entry.Intent.From.Hex(),
		"nonce":     entry.Intent.Nonce,
	})
	rec, err := e.Store.Get(ctx, entry.ID)
	if err != nil || rec == nil {
		log.WithError(err).Error("load released intent")
		e.Sequencer.Abort(entry.Intent.From, entry.Intent.Nonce)
		return
	}
	if rec.Status.Terminal() {
		e.Sequencer.Abort(entry.Intent.From, entry.Intent.Nonce)
		return
	}

	if !e.now().Before(rec.Intent.Deadline) {
		e.abandonLocked(ctx, rec, intent.StatusExpired, intent.ErrExpiredInQueue)
		return
	}
	asset, ok := e.Assets.Snapshot().Lookup(rec.Intent.Asset)
	if !ok {
		e.abandonLocked(ctx, rec, intent.StatusRejected, intent.Invalid(intent.CauseUnsupportedAsset, "%s", rec.Intent.Asset.Hex()))
		return
	}
	if asset.Paused {
		e.abandonLocked(ctx, rec, intent.StatusRejected, intent.Invalid(intent.CauseAssetPaused, "%s", asset.Symbol))
		return
	}
	b, err := e.Fees.Price(ctx, asset, rec.Intent.Amount, rec.Intent.MaxFee)
	if err != nil {
		e.abandonLocked(ctx, rec, intent.StatusRejected, err)
		return
	}
	if err := e.enqueue(ctx, rec, b); err != nil {
		log.WithError(err).Error("enqueue released intent")
		e.Sequencer.Abort(entry.Intent.From, entry.Intent.Nonce)
		return
	}
	log.WithField("fee", b.Fee.String()).Info("held intent released")
}

func (e *Engine) abandon(ctx context.Context, rec *intent.Record, status intent.Status, cause error) {
	unlock := e.lock(rec.ID)
	defer unlock()
	e.abandonLocked(ctx, rec, status, cause)
}

// abandonLocked ends a record that never reached the ledger. Its sender slot
// is released without consuming the nonce.
func (e *Engine) abandonLocked(ctx context.Context, rec *intent.Record, status intent.Status, cause error) {
	if err := rec.Fail(status, cause, e.now()); err != nil {
		return
	}
	if err := e.Store.Save(ctx, rec); err != nil {
		e.Log.WithError(err).WithField("intent_id", rec.ID).Error("persist abandoned intent")
	}
	e.Sequencer.Abort(rec.Intent.From, rec.Intent.Nonce)
	e.countStatus(status)
	e.Log.WithFields(logrus.Fields{
		"intent_id": rec.ID,
		"status":    status,
		"code":      rec.ErrorCode,
	}).Info("intent ended before submission")
}

// Sweep expires queued and held intents whose deadline passed. It runs even
// while broadcasting is halted.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()
	for _, entry := range e.Queue.Expired(now) {
		e.expire(ctx, entry.ID, func() { e.Sequencer.Abort(entry.Intent.From, entry.Intent.Nonce) })
	}
	for _, held := range e.Sequencer.Held() {
		if held.Intent.Deadline.After(now) {
			continue
		}
		if e.Sequencer.Drop(held.Intent.From, held.Intent.Nonce) {
			e.expire(ctx, held.ID, nil)
		}
	}
	e.QueueSnapshot()
}

func (e *Engine) expire(ctx context.Context, id string, release func()) {
	unlock := e.lock(id)
	defer unlock()

	if release != nil {
		release()
	}
	rec, err := e.Store.Get(ctx, id)
	if err != nil || rec == nil || rec.Status.Terminal() {
		return
	}
	if err := rec.Fail(intent.StatusExpired, intent.ErrExpiredInQueue, e.now()); err != nil {
		return
	}
	if err := e.Store.Save(ctx, rec); err != nil {
		e.Log.WithError(err).WithField("intent_id", id).Error("persist expired intent")
		return
	}
	e.countStatus(intent.StatusExpired)
	e.Log.WithFields(logrus.Fields{"intent_id": id, "sender": rec.Intent.From.Hex(), "nonce": rec.Intent.Nonce}).Info("intent expired before dispatch")
}

func (e *Engine) enterDegraded(cause error) {
	if e.degraded.CompareAndSwap(false, true) {
		e.Log.WithError(cause).Warn("settlement layer unreachable, accepting and queueing only")
		if e.Metrics != nil {
			e.Metrics.SetDegraded(true)
		}
	}
}

// probe leaves degraded mode once the ledger answers again.
func (e *Engine) probe(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !e.degraded.Load() {
			continue
		}
		if err := e.Ledger.Ping(ctx); err != nil {
			continue
		}
		if e.degraded.CompareAndSwap(true, false) {
			e.Log.Info("settlement layer reachable again, resuming broadcasts")
			if e.Metrics != nil {
				e.Metrics.SetDegraded(false)
			}
		}
	}
}

// Recover rebuilds the sequencer and queue from persisted open records. Call
// it once before Run.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.Store.ListOpen(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(open, func(i, j int) bool {
		a, b := open[i].Intent, open[j].Intent
		if a.From != b.From {
			return a.From.Hex() < b.From.Hex()
		}
		return a.Nonce < b.Nonce
	})

	var queued, held int
	for _, rec := range open {
		e.Validator.Remember(rec.Intent, rec.ID)
		disp, err := e.Sequencer.Restore(ctx, sequencer.Entry{ID: rec.ID, Intent: rec.Intent})
		if err != nil {
			e.Log.WithError(err).WithField("intent_id", rec.ID).Warn("open intent no longer fits its sender sequence")
			if errors.Is(err, intent.ErrReplay) {
				if ferr := rec.Fail(intent.StatusRejected, err, e.now()); ferr == nil {
					_ = e.Store.Save(ctx, rec)
				}
			}
			continue
		}
		if disp == sequencer.Held {
			held++
			if rec.Status != intent.StatusValidated {
				rec.Status = intent.StatusValidated
				rec.UpdatedAt = e.now()
				_ = e.Store.Save(ctx, rec)
			}
			continue
		}

		switch rec.Status {
		case intent.StatusQueued, intent.StatusSubmitted:
			_, err = e.Queue.Enqueue(&queue.Entry{
				ID:         rec.ID,
				Intent:     rec.Intent,
				Priority:   rec.Priority,
				EnqueuedAt: rec.CreatedAt,
				Attempts:   rec.Attempts,
				Fee:        rec.EstimatedFee,
				FeeRate:    lastFeeRate(rec),
				Ready:      true,
			})
			if err != nil {
				return err
			}
			queued++
		default:
			e.release(ctx, sequencer.Entry{ID: rec.ID, Intent: rec.Intent})
			queued++
		}
	}
	e.Log.WithFields(logrus.Fields{"queued": queued, "held": held}).Info("recovered open intents")
	return nil
}

func lastFeeRate(rec *intent.Record) *big.Int {
	if n := len(rec.Broadcasts); n > 0 {
		return rec.Broadcasts[n-1].FeeRate
	}
	return nil
}

func maxRate(a, b *big.Int) *big.Int {
	switch {
	case a == nil:
		return b
	case b == nil || a.Cmp(b) >= 0:
		return a
	}
	return b
}
