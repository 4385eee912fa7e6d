// Package broadcaster drives one intent from dequeue to a terminal outcome:
// submit, wait for inclusion, and resubmit with a higher fee rate when a
// submission is dropped or times out.
package broadcaster

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/validator"
)

type Config struct {
	MaxAttempts       int
	InclusionTimeout  time.Duration
	PollInterval      time.Duration
	BumpPercent       decimal.Decimal
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InclusionTimeout <= 0 {
		c.InclusionTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if !c.BumpPercent.IsPositive() {
		c.BumpPercent = decimal.NewFromFloat(12.5)
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

// Repricer samples the fee rate again and prices at no less than the given rate.
type Repricer interface {
	Reprice(ctx context.Context, asset validator.Asset, rate *big.Int) (fees.Breakdown, error)
}

// Recorder persists every state change of an in-flight record.
type Recorder interface {
	Save(ctx context.Context, rec *intent.Record) error
}

// Job is one dequeued intent. The broadcaster owns Record until Dispatch
// returns.
type Job struct {
	Record  *intent.Record
	Asset   validator.Asset
	FeeRate *big.Int
}

// Verdict says what the caller does with the job afterwards.
type Verdict int

const (
	// Done means Record reached a terminal status.
	Done Verdict = iota
	// Requeue means the settlement layer was unreachable; no attempt was used.
	Requeue
	// Interrupted means ctx ended mid-flight; Record keeps its outstanding
	// submission for recovery.
	Interrupted
)

type Result struct {
	Verdict Verdict
	Err     error
}

type Broadcaster struct {
	ledger  ledger.Client
	pricer  Repricer
	records Recorder
	cfg     Config
	log     logrus.FieldLogger
	now     func() time.Time
	// Observe is called once per submission outcome.
	Observe func(outcome string)
}

func New(client ledger.Client, pricer Repricer, records Recorder, cfg Config, log logrus.FieldLogger) *Broadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{
		ledger:  client,
		pricer:  pricer,
		records: records,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
	}
}

// Dispatch runs the submission state machine for job until the record is
// terminal, the ledger is unreachable, or ctx ends.
func (b *Broadcaster) Dispatch(ctx context.Context, job Job) Result {
	rec := job.Record
	rate := job.FeeRate
	backoff := b.cfg.BackoffInitial
	log := b.log.WithFields(logrus.Fields{
		"intent_id": rec.ID,
		"sender":    rec.Intent.From.Hex(),
		"nonce":     rec.Intent.Nonce,
		"asset":     job.Asset.Symbol,
	})
	var lastErr *intent.BroadcastError

	for {
		if out := rec.Outstanding(); out != nil {
			res, done, retry := b.recheck(ctx, rec, out, log)
			if done {
				return res
			}
			if retry != nil {
				lastErr = retry
			}
			rate = maxRate(rate, out.FeeRate)
		}

		if rec.Attempts >= b.cfg.MaxAttempts {
			if lastErr == nil {
				lastErr = &intent.BroadcastError{Kind: intent.BroadcastTimedOut}
			}
			lastErr.Reason = "retry limit reached"
			log.WithError(lastErr).Warn("giving up on intent")
			return b.finish(ctx, rec, intent.StatusFailed, lastErr)
		}
		if !b.now().Before(rec.Intent.Deadline) {
			if rec.Attempts == 0 {
				return b.finish(ctx, rec, intent.StatusExpired, intent.ErrExpiredInQueue)
			}
			return b.finish(ctx, rec, intent.StatusFailed,
				&intent.BroadcastError{Kind: intent.BroadcastTimedOut, Reason: "deadline passed before inclusion"})
		}

		if rec.Attempts > 0 {
			rate = b.reprice(ctx, job.Asset, rec, rate, log)
		}

		res, retry := b.attempt(ctx, rec, rate, log)
		if retry == nil {
			return res
		}
		lastErr = retry

		if err := sleep(ctx, b.until(backoff, rec.Intent.Deadline)); err != nil {
			return Result{Verdict: Interrupted, Err: err}
		}
		backoff = time.Duration(float64(backoff) * b.cfg.BackoffMultiplier)
		if b.cfg.BackoffMax > 0 && backoff > b.cfg.BackoffMax {
			backoff = b.cfg.BackoffMax
		}
	}
}

// attempt submits once and waits for inclusion. A non-nil retry means the
// submission was dropped or timed out and another attempt may follow.
func (b *Broadcaster) attempt(ctx context.Context, rec *intent.Record, rate *big.Int, log logrus.FieldLogger) (Result, *intent.BroadcastError) {
	var replaces string
	if n := len(rec.Broadcasts); n > 0 {
		replaces = rec.Broadcasts[n-1].SubmissionID
	}
	in := rec.Intent
	sub, err := b.ledger.Submit(ctx, ledger.ExecuteRequest{
		Asset:     in.Asset,
		From:      in.From,
		To:        in.To,
		Amount:    in.Amount,
		CappedFee: in.MaxFee,
		Nonce:     in.Nonce,
		Deadline:  in.Deadline,
		Signature: in.Signature,
		FeeRate:   rate,
		Replaces:  replaces,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			log.WithError(err).Warn("settlement layer unavailable, returning intent to queue")
			b.observe("unavailable")
			return Result{Verdict: Requeue, Err: err}, nil
		}
		if ctx.Err() != nil {
			return Result{Verdict: Interrupted, Err: ctx.Err()}, nil
		}
		// A replaced submission may have landed in the meantime.
		if prior, r := b.landedEarlier(ctx, rec, nil); prior != nil {
			return b.settle(ctx, rec, prior, r, log)
		}
		b.observe("rejected")
		return b.finish(ctx, rec, intent.StatusRejected,
			&intent.BroadcastError{Kind: intent.BroadcastRejected, Reason: err.Error()}), nil
	}

	now := b.now()
	rec.Attempts++
	rec.Broadcasts = append(rec.Broadcasts, intent.BroadcastRecord{
		ID:           uuid.NewString(),
		Attempt:      rec.Attempts,
		SubmissionID: sub.ID,
		FeeRate:      new(big.Int).Set(rate),
		Outcome:      intent.OutcomePending,
		SubmittedAt:  now,
	})
	if err := rec.Transition(intent.StatusSubmitted, now); err != nil {
		return Result{Verdict: Done, Err: err}, nil
	}
	b.save(ctx, rec, log)
	log.WithFields(logrus.Fields{
		"attempt":       rec.Attempts,
		"submission_id": sub.ID,
		"fee_rate":      rate.String(),
	}).Info("intent submitted")

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.InclusionTimeout)
	receipt, err := ledger.Await(waitCtx, b.ledger, sub.ID, b.cfg.PollInterval)
	cancel()
	out := &rec.Broadcasts[len(rec.Broadcasts)-1]

	switch {
	case err == nil:
		return b.settle(ctx, rec, out, receipt, log)
	case ctx.Err() != nil:
		return Result{Verdict: Interrupted, Err: ctx.Err()}, nil
	case errors.Is(err, context.DeadlineExceeded):
		terr := &intent.BroadcastError{Kind: intent.BroadcastTimedOut}
		b.observe("timed_out")
		rec.LastError = terr.Error()
		rec.UpdatedAt = b.now()
		b.save(ctx, rec, log)
		log.WithField("attempt", rec.Attempts).Warn("submission not included before timeout")
		return Result{}, terr
	default:
		// Status lookups failed outright; the submission stays outstanding.
		log.WithError(err).Warn("inclusion wait failed")
		return Result{Verdict: Requeue, Err: err}, nil
	}
}

// settle applies a non-pending receipt. Dropped submissions come back as retry.
func (b *Broadcaster) settle(ctx context.Context, rec *intent.Record, out *intent.BroadcastRecord, receipt ledger.Receipt, log logrus.FieldLogger) (Result, *intent.BroadcastError) {
	out.ResolvedAt = b.now()
	switch receipt.State {
	case ledger.StateConfirmed:
		out.Outcome = intent.OutcomeConfirmed
		out.Error = ""
		rec.ActualFee = receipt.ActualFee
		rec.Settlement = receipt.Reference
		b.observe("confirmed")
		log.WithField("actual_fee", bigString(receipt.ActualFee)).Info("intent confirmed")
		return b.finish(ctx, rec, intent.StatusConfirmed, nil), nil
	case ledger.StateRejected:
		out.Outcome = intent.OutcomeRejected
		out.Error = receipt.Reason
		// A replacement reverts when the submission it replaced was mined first.
		if prior, r := b.landedEarlier(ctx, rec, out); prior != nil {
			log.WithField("submission_id", prior.SubmissionID).Info("replacement reverted, earlier submission executed")
			return b.settle(ctx, rec, prior, r, log)
		}
		b.observe("rejected")
		log.WithField("reason", receipt.Reason).Warn("ledger rejected intent")
		return b.finish(ctx, rec, intent.StatusRejected,
			&intent.BroadcastError{Kind: intent.BroadcastRejected, Reason: receipt.Reason}), nil
	default:
		derr := &intent.BroadcastError{Kind: intent.BroadcastDropped}
		out.Outcome = intent.OutcomeDropped
		out.Error = derr.Error()
		rec.LastError = derr.Error()
		rec.UpdatedAt = out.ResolvedAt
		b.observe("dropped")
		b.save(ctx, rec, log)
		log.WithField("attempt", rec.Attempts).Warn("submission dropped")
		return Result{}, derr
	}
}

// landedEarlier returns a submission of rec other than skip that the ledger
// reports as executed.
func (b *Broadcaster) landedEarlier(ctx context.Context, rec *intent.Record, skip *intent.BroadcastRecord) (*intent.BroadcastRecord, ledger.Receipt) {
	for i := range rec.Broadcasts {
		prior := &rec.Broadcasts[i]
		if prior == skip || prior.Outcome == intent.OutcomeConfirmed {
			continue
		}
		r, err := b.ledger.Status(ctx, prior.SubmissionID)
		if err == nil && r.State == ledger.StateConfirmed {
			return prior, r
		}
	}
	return nil, ledger.Receipt{}
}

// recheck looks at a submission left outstanding by a timeout or a restart
// before anything is resubmitted. done is true when it decided the record.
func (b *Broadcaster) recheck(ctx context.Context, rec *intent.Record, out *intent.BroadcastRecord, log logrus.FieldLogger) (Result, bool, *intent.BroadcastError) {
	receipt, err := b.ledger.Status(ctx, out.SubmissionID)
	switch {
	case errors.Is(err, ledger.ErrUnknownSubmission):
		receipt = ledger.Receipt{State: ledger.StateDropped}
	case err != nil:
		return Result{Verdict: Requeue, Err: err}, true, nil
	}
	if receipt.State == ledger.StatePending {
		out.Outcome = intent.OutcomeDropped
		out.ResolvedAt = b.now()
		if rec.Attempts >= b.cfg.MaxAttempts {
			out.Error = "abandoned after inclusion timeout"
		} else {
			out.Error = "replaced after inclusion timeout"
		}
		return Result{}, false, nil
	}
	res, retry := b.settle(ctx, rec, out, receipt, log)
	if retry != nil {
		return Result{}, false, retry
	}
	return res, true, nil
}

func (b *Broadcaster) reprice(ctx context.Context, asset validator.Asset, rec *intent.Record, prev *big.Int, log logrus.FieldLogger) *big.Int {
	bumped := Bump(prev, b.cfg.BumpPercent)
	est, err := b.pricer.Reprice(ctx, asset, bumped)
	if err != nil {
		log.WithError(err).Warn("reprice failed, resubmitting at bumped rate")
		return bumped
	}
	rec.EstimatedFee = est.Fee
	return maxRate(bumped, est.FeeRate)
}

func (b *Broadcaster) finish(ctx context.Context, rec *intent.Record, status intent.Status, cause error) Result {
	now := b.now()
	var err error
	if cause == nil {
		err = rec.Transition(status, now)
	} else {
		err = rec.Fail(status, cause, now)
	}
	if err != nil {
		return Result{Verdict: Done, Err: err}
	}
	b.save(ctx, rec, b.log.WithField("intent_id", rec.ID))
	return Result{Verdict: Done, Err: cause}
}

func (b *Broadcaster) save(ctx context.Context, rec *intent.Record, log logrus.FieldLogger) {
	if b.records == nil {
		return
	}
	// Persist even while shutting down so recovery sees the latest submission.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := b.records.Save(ctx, rec); err != nil {
		log.WithError(err).Error("persist intent record")
	}
}

func (b *Broadcaster) observe(outcome string) {
	if b.Observe != nil {
		b.Observe(outcome)
	}
}

func (b *Broadcaster) until(d time.Duration, deadline time.Time) time.Duration {
	if left := deadline.Sub(b.now()); left < d {
		if left < 0 {
			return 0
		}
		return left
	}
	return d
}

// Bump raises rate by percent, rounding up.
func Bump(rate *big.Int, percent decimal.Decimal) *big.Int {
	factor := decimal.NewFromInt(1).Add(percent.Shift(-2))
	return decimal.NewFromBigInt(rate, 0).Mul(factor).Ceil().BigInt()
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

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
