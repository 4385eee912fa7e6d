package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaslessrelay/internal/broadcaster"
	"gaslessrelay/internal/feerate"
	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/metrics"
	"gaslessrelay/internal/queue"
	"gaslessrelay/internal/quote"
	"gaslessrelay/internal/sequencer"
	"gaslessrelay/internal/store"
	"gaslessrelay/internal/validator"
)

var (
	tokenX    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	collector = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	domain    = validator.Domain{
		Name:              "GaslessRelay",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
	}
)

func units(n string) *big.Int {
	return decimal.RequireFromString(n).Shift(18).BigInt()
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	eng    *Engine
	ledger *ledger.FakeLedger
	store  store.Store
	key    *ecdsa.PrivateKey
	sender common.Address
}

// newHarness builds an engine over a fake ledger charging the 1.5 unit fee
// that 75k gas at 1e12 wei and a 0.05 price produce.
func newHarness(t *testing.T, st store.Store, fl *ledger.FakeLedger) *harness {
	t.Helper()
	log := quiet()
	if st == nil {
		st = store.NewMemoryStore()
	}
	if fl == nil {
		fl = ledger.NewFakeLedger(collector)
		fl.SetFee(tokenX, units("1.5"))
		fl.Verify = verifySignature
	}

	assets := validator.NewRegistry([]validator.Asset{{Address: tokenX, Symbol: "X", Decimals: 18, GasUsage: 75_000}})
	v, err := validator.New(domain, assets)
	require.NoError(t, err)

	rates := feerate.NewMonitor(feerate.Fixed{Rate: big.NewInt(1_000_000_000_000)}, feerate.Config{}, log)
	require.NoError(t, rates.Sample(context.Background()))
	prices := &quote.StaticSource{Prices: map[string]decimal.Decimal{"X": decimal.RequireFromString("0.05")}}
	calc := fees.NewCalculator(prices, rates, fees.Config{})

	bc := broadcaster.New(fl, calc, st, broadcaster.Config{
		InclusionTimeout: 50 * time.Millisecond,
		PollInterval:     2 * time.Millisecond,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
	}, log)

	eng := New(Deps{
		Validator:   v,
		Assets:      assets,
		Sequencer:   sequencer.New(st, sequencer.WithChainNonces(fl)),
		Fees:        calc,
		FeeRates:    rates,
		Queue:       queue.New(queue.WithDeferral(rates.Elevated)),
		Broadcaster: bc,
		Ledger:      fl,
		Store:       st,
		Metrics:     metrics.New(),
		Log:         log,
	}, Config{
		Workers:         2,
		DequeuePoll:     5 * time.Millisecond,
		ProbeInterval:   5 * time.Millisecond,
		FeeRateSchedule: "@every 1h",
		SweepSchedule:   "@every 1h",
	})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &harness{eng: eng, ledger: fl, store: st, key: key, sender: crypto.PubkeyToAddress(key.PublicKey)}
}

// verifySignature is the contract's own signature check.
func verifySignature(req ledger.ExecuteRequest) error {
	digest, err := domain.Digest(intent.TransferIntent{
		Asset:    req.Asset,
		From:     req.From,
		To:       req.To,
		Amount:   req.Amount,
		MaxFee:   req.CappedFee,
		Nonce:    req.Nonce,
		Deadline: req.Deadline,
	})
	if err != nil {
		return err
	}
	signer, err := validator.Recover(digest, req.Signature)
	if err != nil {
		return err
	}
	if signer != req.From {
		return errors.New("invalid signature")
	}
	return nil
}

func (h *harness) sign(t *testing.T, nonce uint64, amount, maxFee string) intent.TransferIntent {
	t.Helper()
	in := intent.TransferIntent{
		Asset:    tokenX,
		From:     h.sender,
		To:       recipient,
		Amount:   units(amount),
		MaxFee:   units(maxFee),
		Nonce:    nonce,
		Deadline: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	sig, err := domain.Sign(in, h.key)
	require.NoError(t, err)
	in.Signature = sig
	return in
}

// drain dispatches queued work on the calling goroutine until the queue is
// empty or the engine halts broadcasting.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for !h.eng.Degraded() {
		entry, ok := h.eng.Queue.TryDequeue()
		if !ok {
			return
		}
		h.eng.dispatch(ctx, entry, h.eng.Log)
	}
}

func (h *harness) record(t *testing.T, id string) *intent.Record {
	t.Helper()
	rec, err := h.eng.Status(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestSubmitSettlesTransferAndFee(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ledger.Credit(tokenX, h.sender, units("100"))

	acc, err := h.eng.Submit(context.Background(), h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	assert.Equal(t, intent.StatusQueued, acc.Status)
	assert.Equal(t, units("1.5").String(), acc.EstimatedFee.String())

	h.drain(t)

	rec := h.record(t, acc.ID)
	assert.Equal(t, intent.StatusConfirmed, rec.Status)
	assert.Equal(t, units("1.5").String(), rec.ActualFee.String())
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "0", h.ledger.Balance(tokenX, h.sender).String())
	assert.Equal(t, units("98.5").String(), h.ledger.Balance(tokenX, recipient).String())
	assert.Equal(t, units("1.5").String(), h.ledger.Balance(tokenX, collector).String())
	assert.Equal(t, uint64(1), h.eng.Sequencer.View(h.sender).NextNonce)
}

func TestOutOfOrderNoncesSettleInOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ledger.Credit(tokenX, h.sender, units("200"))
	ctx := context.Background()

	later, err := h.eng.Submit(ctx, h.sign(t, 1, "100", "2"))
	require.NoError(t, err)
	assert.Equal(t, intent.StatusValidated, later.Status)
	assert.Nil(t, later.EstimatedFee)

	first, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	assert.Equal(t, intent.StatusQueued, first.Status)

	h.drain(t)

	assert.Equal(t, intent.StatusConfirmed, h.record(t, first.ID).Status)
	assert.Equal(t, intent.StatusConfirmed, h.record(t, later.ID).Status)

	subs := h.ledger.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, uint64(0), subs[0].Nonce)
	assert.Equal(t, uint64(1), subs[1].Nonce)
	assertNextNonce(t, h.ledger, h.sender, 2)
}

func TestResubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	in := h.sign(t, 0, "100", "2")

	first, err := h.eng.Submit(context.Background(), in)
	require.NoError(t, err)
	again, err := h.eng.Submit(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, again.Replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, h.eng.QueueSnapshot().Queued)
}

func TestSecondIntentForClaimedNonceIsDuplicate(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.eng.Submit(context.Background(), h.sign(t, 0, "100", "2"))
	require.NoError(t, err)

	_, err = h.eng.Submit(context.Background(), h.sign(t, 0, "50", "2"))
	assert.ErrorIs(t, err, intent.ErrDuplicate)
}

func TestFinalizedNonceIsReplay(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ledger.Credit(tokenX, h.sender, units("100"))
	_, err := h.eng.Submit(context.Background(), h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	h.drain(t)

	_, err = h.eng.Submit(context.Background(), h.sign(t, 0, "10", "2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, intent.ErrReplay)
	assert.Equal(t, "replay", intent.Code(err))
}

func TestPricingRefusalLeavesNoState(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	low := h.sign(t, 0, "100", "1")
	_, err := h.eng.Submit(ctx, low)
	var ferr *intent.FeeExceedsMaximumError
	require.True(t, errors.As(err, &ferr), "got %v", err)
	assert.False(t, ferr.ByAmount)

	digest, err := domain.Digest(low)
	require.NoError(t, err)
	_, err = h.eng.Status(ctx, digest.Hex())
	assert.ErrorIs(t, err, intent.ErrNotFound)
	assert.Nil(t, h.eng.Sequencer.View(h.sender).ActiveNonce)

	_, err = h.eng.Submit(ctx, h.sign(t, 0, "1", "2"))
	require.True(t, errors.As(err, &ferr))
	assert.True(t, ferr.ByAmount)
	assert.Equal(t, "fee_exceeds_amount", intent.Code(err))

	acc, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	assert.Equal(t, intent.StatusQueued, acc.Status)
}

func TestSweepExpiresQueuedAndHeld(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	queued, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	held, err := h.eng.Submit(ctx, h.sign(t, 2, "100", "2"))
	require.NoError(t, err)
	require.Equal(t, intent.StatusValidated, held.Status)

	h.eng.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.eng.Sweep(ctx)

	for _, id := range []string{queued.ID, held.ID} {
		rec := h.record(t, id)
		assert.Equal(t, intent.StatusExpired, rec.Status)
		assert.Equal(t, "expired_in_queue", rec.ErrorCode)
	}
	view := h.eng.Sequencer.View(h.sender)
	assert.Nil(t, view.ActiveNonce)
	assert.Empty(t, view.HeldNonces)
	assert.Equal(t, uint64(0), view.NextNonce, "expired intents never consume a nonce")
	assert.Zero(t, h.eng.QueueSnapshot().Queued)
	assert.Empty(t, h.ledger.Submissions())
}

func TestUnreachableLedgerQueuesUntilProbeSucceeds(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ledger.Credit(tokenX, h.sender, units("100"))
	h.ledger.SetUnavailable(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acc, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	h.drain(t)

	require.True(t, h.eng.Degraded())
	rec := h.record(t, acc.ID)
	assert.Equal(t, intent.StatusQueued, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Equal(t, 1, h.eng.QueueSnapshot().Queued)

	go func() { _ = h.eng.probe(ctx) }()
	h.ledger.SetUnavailable(false)
	require.Eventually(t, func() bool { return !h.eng.Degraded() }, time.Second, 5*time.Millisecond)

	h.drain(t)
	assert.Equal(t, intent.StatusConfirmed, h.record(t, acc.ID).Status)
}

func TestOperatorRemoveAndPrioritize(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	acc, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)

	rec, err := h.eng.Prioritize(ctx, acc.ID, queue.PriorityFast)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityFast, rec.Priority)
	assert.Equal(t, 1, h.eng.QueueSnapshot().ByPriority[queue.PriorityFast])

	rec, err = h.eng.Remove(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusRejected, rec.Status)
	assert.Equal(t, "operator_removed", rec.ErrorCode)
	assert.Zero(t, h.eng.QueueSnapshot().Queued)

	_, err = h.eng.Remove(ctx, acc.ID)
	assert.ErrorIs(t, err, intent.ErrTerminal)
	_, err = h.eng.Remove(ctx, "0xmissing")
	assert.ErrorIs(t, err, intent.ErrNotFound)

	// the nonce was never consumed
	replacement, err := h.eng.Submit(ctx, h.sign(t, 0, "90", "2"))
	require.NoError(t, err)
	assert.Equal(t, intent.StatusQueued, replacement.Status)
}

func TestEstimateReportsCeilingForBumps(t *testing.T) {
	h := newHarness(t, nil, nil)

	fq, err := h.eng.Estimate(context.Background(), tokenX, units("100"))
	require.NoError(t, err)
	assert.Equal(t, units("1.5").String(), fq.Fee.String())
	assert.Equal(t, units("98.5").String(), fq.AmountAfterFee.String())
	// two 12.5% bumps: 1e12 -> 1.125e12 -> 1.265625e12
	assert.Equal(t, units("1.8984375").String(), fq.MaxRecommendedFee.String())
	assert.Equal(t, "static", fq.QuoteSource)
	assert.False(t, fq.Degraded)

	_, err = h.eng.Estimate(context.Background(), common.HexToAddress("0x01"), nil)
	var verr *intent.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, intent.CauseUnsupportedAsset, verr.Cause)
}

func TestPausedAssetRejectsQueuedIntent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	acc, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	h.eng.ReplaceAssets([]validator.Asset{{Address: tokenX, Symbol: "X", Decimals: 18, GasUsage: 75_000, Paused: true}})
	assert.Equal(t, uint64(1), h.eng.Whitelist().Version)

	h.drain(t)
	rec := h.record(t, acc.ID)
	assert.Equal(t, intent.StatusRejected, rec.Status)
	assert.Equal(t, "asset_paused", rec.ErrorCode)
	assert.Nil(t, h.eng.Sequencer.View(h.sender).ActiveNonce)
}

func TestRecoverRebuildsQueueAndHeld(t *testing.T) {
	st := store.NewMemoryStore()
	first := newHarness(t, st, nil)
	ctx := context.Background()

	in0 := first.sign(t, 0, "100", "2")
	in1 := first.sign(t, 1, "50", "2")
	a0, err := first.eng.Submit(ctx, in0)
	require.NoError(t, err)
	a1, err := first.eng.Submit(ctx, in1)
	require.NoError(t, err)

	// restart on the same store and ledger
	second := newHarness(t, st, first.ledger)
	second.key, second.sender = first.key, first.sender
	first.ledger.Credit(tokenX, first.sender, units("150"))
	require.NoError(t, second.eng.Recover(ctx))

	assert.Equal(t, 1, second.eng.QueueSnapshot().Queued)
	assert.Equal(t, []uint64{1}, second.eng.Sequencer.View(second.sender).HeldNonces)

	again, err := second.eng.Submit(ctx, in0)
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	second.drain(t)
	assert.Equal(t, intent.StatusConfirmed, second.record(t, a0.ID).Status)
	assert.Equal(t, intent.StatusConfirmed, second.record(t, a1.ID).Status)
}

func TestRunDispatchesUntilCancelled(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ledger.Credit(tokenX, h.sender, units("100"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	acc, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.record(t, acc.ID).Status == intent.StatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func assertNextNonce(t *testing.T, f *ledger.FakeLedger, sender common.Address, want uint64) {
	t.Helper()
	n, err := f.NextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

func TestNonceSpentOutsideRelayIsPickedUp(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ledger.Credit(tokenX, h.sender, units("200"))
	ctx := context.Background()

	direct := h.sign(t, 0, "100", "2")
	sub, err := h.ledger.Submit(ctx, ledger.ExecuteRequest{
		Asset:     direct.Asset,
		From:      direct.From,
		To:        direct.To,
		Amount:    direct.Amount,
		CappedFee: direct.MaxFee,
		Nonce:     direct.Nonce,
		Deadline:  direct.Deadline,
		Signature: direct.Signature,
	})
	require.NoError(t, err)
	r, err := h.ledger.Status(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateConfirmed, r.State)
	assertNextNonce(t, h.ledger, h.sender, 1)

	acc, err := h.eng.Submit(ctx, h.sign(t, 1, "50", "2"))
	require.NoError(t, err)
	assert.Equal(t, intent.StatusQueued, acc.Status)

	h.drain(t)
	assert.Equal(t, intent.StatusConfirmed, h.record(t, acc.ID).Status)
	assertNextNonce(t, h.ledger, h.sender, 2)
}

func TestRunWithBadScheduleStartsNothing(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.ledger.Credit(tokenX, h.sender, units("100"))
	h.eng.cfg.SweepSchedule = "every now and then"
	ctx := context.Background()

	acc, err := h.eng.Submit(ctx, h.sign(t, 0, "100", "2"))
	require.NoError(t, err)

	err = h.eng.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep schedule")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.ledger.Submissions())
	assert.Equal(t, intent.StatusQueued, h.record(t, acc.ID).Status)
}

func TestConcurrentIdenticalSubmitsReplay(t *testing.T) {
	h := newHarness(t, nil, nil)
	in := h.sign(t, 0, "100", "2")

	const n = 8
	results := make([]Accepted, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.eng.Submit(context.Background(), in)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, h.eng.QueueSnapshot().Queued)
}
