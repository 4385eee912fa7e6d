package broadcaster

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaslessrelay/internal/feerate"
	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/quote"
	"gaslessrelay/internal/validator"
)

var (
	tokenX    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	holder    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	recipient = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	collector = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	assetX    = validator.Asset{Address: tokenX, Symbol: "X", Decimals: 18, GasUsage: 75_000}
)

// echoPricer returns the requested rate unchanged.
type echoPricer struct{ err error }

func (p echoPricer) Reprice(_ context.Context, _ validator.Asset, rate *big.Int) (fees.Breakdown, error) {
	if p.err != nil {
		return fees.Breakdown{}, p.err
	}
	return fees.Breakdown{Fee: big.NewInt(1), FeeRate: new(big.Int).Set(rate)}, nil
}

type memRecorder struct {
	mu    sync.Mutex
	saves int
	last  intent.Status
}

func (m *memRecorder) Save(_ context.Context, rec *intent.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.last = rec.Status
	return nil
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastConfig() Config {
	return Config{
		MaxAttempts:      3,
		InclusionTimeout: 20 * time.Millisecond,
		PollInterval:     2 * time.Millisecond,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
	}
}

func queuedRecord(t *testing.T) *intent.Record {
	t.Helper()
	now := time.Now()
	rec := intent.NewRecord("0xid", intent.TransferIntent{
		Asset:     tokenX,
		From:      holder,
		To:        recipient,
		Amount:    big.NewInt(100),
		MaxFee:    big.NewInt(20),
		Nonce:     0,
		Deadline:  now.Add(time.Hour),
		Signature: []byte{1},
	}, now)
	require.NoError(t, rec.Transition(intent.StatusQueued, now))
	return rec
}

func fundedLedger() *ledger.FakeLedger {
	f := ledger.NewFakeLedger(collector)
	f.Credit(tokenX, holder, big.NewInt(100))
	f.SetFee(tokenX, big.NewInt(15))
	return f
}

func TestDispatchConfirmsFirstAttempt(t *testing.T) {
	f := fundedLedger()
	rec := &memRecorder{}
	b := New(f, echoPricer{}, rec, fastConfig(), quiet())
	r := queuedRecord(t)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	require.Equal(t, Done, res.Verdict)
	require.NoError(t, res.Err)
	assert.Equal(t, intent.StatusConfirmed, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, int64(15), r.ActualFee.Int64())
	assert.Equal(t, int64(85), f.Balance(tokenX, recipient).Int64())
	assert.Equal(t, intent.StatusConfirmed, rec.last)
}

func TestDispatchTimesOutTwiceThenConfirms(t *testing.T) {
	f := fundedLedger()
	f.Script(ledger.Stall, ledger.Stall)
	b := New(f, echoPricer{}, &memRecorder{}, fastConfig(), quiet())
	var outcomes []string
	b.Observe = func(o string) { outcomes = append(outcomes, o) }
	r := queuedRecord(t)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	require.NoError(t, res.Err)
	assert.Equal(t, intent.StatusConfirmed, r.Status)
	assert.Equal(t, 3, r.Attempts)
	require.Len(t, r.Broadcasts, 3)
	assert.Equal(t, intent.OutcomeDropped, r.Broadcasts[0].Outcome)
	assert.Equal(t, intent.OutcomeDropped, r.Broadcasts[1].Outcome)
	assert.Equal(t, intent.OutcomeConfirmed, r.Broadcasts[2].Outcome)
	assert.Equal(t, []string{"timed_out", "timed_out", "confirmed"}, outcomes)

	subs := f.Submissions()
	require.Len(t, subs, 3)
	assert.Equal(t, int64(100), subs[0].FeeRate.Int64())
	assert.Equal(t, int64(113), subs[1].FeeRate.Int64())
	assert.Equal(t, int64(128), subs[2].FeeRate.Int64())
	assert.Equal(t, r.Broadcasts[0].SubmissionID, subs[1].Replaces)
	for _, s := range subs {
		assert.Equal(t, recipient, s.To)
		assert.Equal(t, int64(100), s.Amount.Int64())
	}
	assert.Equal(t, int64(85), f.Balance(tokenX, recipient).Int64())
}

func TestRevertedReplacementSettlesOnExecutedOriginal(t *testing.T) {
	f := fundedLedger()
	f.Script(ledger.Stall, ledger.LoseRace)
	b := New(f, echoPricer{}, &memRecorder{}, fastConfig(), quiet())
	r := queuedRecord(t)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	require.NoError(t, res.Err)
	assert.Equal(t, intent.StatusConfirmed, r.Status)
	assert.Equal(t, 2, r.Attempts)
	require.Len(t, r.Broadcasts, 2)
	assert.Equal(t, intent.OutcomeConfirmed, r.Broadcasts[0].Outcome)
	assert.Equal(t, intent.OutcomeRejected, r.Broadcasts[1].Outcome)
	assert.Equal(t, r.Broadcasts[0].SubmissionID, r.Settlement)
	assert.Equal(t, int64(15), r.ActualFee.Int64())
	assert.Equal(t, int64(85), f.Balance(tokenX, recipient).Int64())
}

type settableSource struct {
	mu   sync.Mutex
	rate *big.Int
}

func (s *settableSource) set(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = big.NewInt(v)
}

func (s *settableSource) FeeRate(context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.rate), nil
}

func TestRetryPricesFromNewFeeRateReading(t *testing.T) {
	src := &settableSource{rate: big.NewInt(100)}
	monitor := feerate.NewMonitor(src, feerate.Config{}, quiet())
	require.NoError(t, monitor.Sample(context.Background()))
	prices := &quote.StaticSource{Prices: map[string]decimal.Decimal{"X": decimal.RequireFromString("1000000")}}
	calc := fees.NewCalculator(prices, monitor, fees.Config{})

	f := fundedLedger()
	f.Script(ledger.Stall)
	b := New(f, calc, &memRecorder{}, fastConfig(), quiet())
	r := queuedRecord(t)

	// the market moves while the first submission is stuck
	src.set(1000)
	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	require.NoError(t, res.Err)
	assert.Equal(t, intent.StatusConfirmed, r.Status)

	subs := f.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, int64(100), subs[0].FeeRate.Int64())
	assert.GreaterOrEqual(t, subs[1].FeeRate.Int64(), int64(1000))
}

func TestDispatchFailsAfterRetryLimit(t *testing.T) {
	f := fundedLedger()
	f.Script(ledger.Drop, ledger.Drop, ledger.Drop)
	b := New(f, echoPricer{}, &memRecorder{}, fastConfig(), quiet())
	r := queuedRecord(t)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	assert.Equal(t, Done, res.Verdict)
	assert.ErrorIs(t, res.Err, intent.ErrBroadcast)
	assert.Equal(t, intent.StatusFailed, r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, "broadcast_dropped", r.ErrorCode)
	assert.Equal(t, int64(100), f.Balance(tokenX, holder).Int64())
}

func TestDispatchRejectionIsTerminal(t *testing.T) {
	f := fundedLedger()
	f.SetFee(tokenX, big.NewInt(50))
	b := New(f, echoPricer{}, &memRecorder{}, fastConfig(), quiet())
	r := queuedRecord(t)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	var berr *intent.BroadcastError
	require.True(t, errors.As(res.Err, &berr))
	assert.Equal(t, intent.BroadcastRejected, berr.Kind)
	assert.Equal(t, "fee exceeds cap", berr.Reason)
	assert.Equal(t, intent.StatusRejected, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Len(t, f.Submissions(), 1)
}

func TestDispatchRequeuesWhenLedgerUnavailable(t *testing.T) {
	f := fundedLedger()
	f.SetUnavailable(true)
	b := New(f, echoPricer{}, &memRecorder{}, fastConfig(), quiet())
	r := queuedRecord(t)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	assert.Equal(t, Requeue, res.Verdict)
	assert.ErrorIs(t, res.Err, ledger.ErrUnavailable)
	assert.Equal(t, 0, r.Attempts)
	assert.Equal(t, intent.StatusQueued, r.Status)
}

func TestDispatchRechecksOutstandingSubmission(t *testing.T) {
	f := fundedLedger()
	r := queuedRecord(t)
	in := r.Intent
	sub, err := f.Submit(context.Background(), ledger.ExecuteRequest{
		Asset: in.Asset, From: in.From, To: in.To, Amount: in.Amount,
		CappedFee: in.MaxFee, Nonce: in.Nonce, Deadline: in.Deadline,
		Signature: in.Signature, FeeRate: big.NewInt(100),
	})
	require.NoError(t, err)
	r.Attempts = 1
	r.Broadcasts = []intent.BroadcastRecord{{ID: "b1", Attempt: 1, SubmissionID: sub.ID, FeeRate: big.NewInt(100), Outcome: intent.OutcomePending}}
	require.NoError(t, r.Transition(intent.StatusSubmitted, time.Now()))

	b := New(f, echoPricer{}, &memRecorder{}, fastConfig(), quiet())
	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	require.NoError(t, res.Err)
	assert.Equal(t, intent.StatusConfirmed, r.Status)
	assert.Len(t, f.Submissions(), 1, "no resubmission once the outstanding one confirmed")
}

func TestDispatchExpiresBeforeFirstSubmission(t *testing.T) {
	f := fundedLedger()
	b := New(f, echoPricer{}, &memRecorder{}, fastConfig(), quiet())
	r := queuedRecord(t)
	r.Intent.Deadline = time.Now().Add(-time.Second)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	assert.ErrorIs(t, res.Err, intent.ErrExpiredInQueue)
	assert.Equal(t, intent.StatusExpired, r.Status)
	assert.Empty(t, f.Submissions())
}

func TestDispatchInterruptedKeepsOutstanding(t *testing.T) {
	f := fundedLedger()
	f.Script(ledger.Stall)
	cfg := fastConfig()
	cfg.InclusionTimeout = time.Minute
	b := New(f, echoPricer{}, &memRecorder{}, cfg, quiet())
	r := queuedRecord(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := b.Dispatch(ctx, Job{Record: r, Asset: assetX, FeeRate: big.NewInt(100)})
	assert.Equal(t, Interrupted, res.Verdict)
	assert.Equal(t, intent.StatusSubmitted, r.Status)
	require.NotNil(t, r.Outstanding())
}

func TestRepriceFailureStillBumps(t *testing.T) {
	f := fundedLedger()
	f.Script(ledger.Drop)
	b := New(f, echoPricer{err: errors.New("no quote")}, &memRecorder{}, fastConfig(), quiet())
	r := queuedRecord(t)

	res := b.Dispatch(context.Background(), Job{Record: r, Asset: assetX, FeeRate: big.NewInt(1000)})
	require.NoError(t, res.Err)
	subs := f.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, int64(1125), subs[1].FeeRate.Int64())
}

func TestBump(t *testing.T) {
	assert.Equal(t, int64(110), Bump(big.NewInt(100), decimal.NewFromInt(10)).Int64())
	assert.Equal(t, int64(2), Bump(big.NewInt(1), decimal.NewFromInt(10)).Int64())
}
