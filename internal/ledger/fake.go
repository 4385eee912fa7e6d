package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Script tells the fake what happens to an upcoming submission.
type Script int

const (
	// Include executes the transfer and confirms it.
	Include Script = iota
	// Stall keeps the submission pending forever.
	Stall
	// Drop reports the submission as dropped.
	Drop
	// LoseRace executes the pending submission this one replaces first, so
	// the replacement itself reverts.
	LoseRace
)

type fakeSubmission struct {
	req     ExecuteRequest
	receipt Receipt
}

// FakeLedger is an in-memory settlement layer. It executes transfers
// atomically, keeps one nonce counter per sender and charges a configured
// per-asset fee.
type FakeLedger struct {
	FeeCollector common.Address
	// Verify, when set, is run before execution; an error rejects the call.
	Verify func(ExecuteRequest) error

	mu          sync.Mutex
	balances    map[common.Address]map[common.Address]*big.Int
	nonces      map[common.Address]uint64
	fees        map[common.Address]*big.Int
	script      []Script
	submissions map[string]*fakeSubmission
	order       []string
	unavailable bool
	now         func() time.Time
}

func NewFakeLedger(collector common.Address) *FakeLedger {
	return &FakeLedger{
		FeeCollector: collector,
		balances:     make(map[common.Address]map[common.Address]*big.Int),
		nonces:       make(map[common.Address]uint64),
		fees:         make(map[common.Address]*big.Int),
		submissions:  make(map[string]*fakeSubmission),
		now:          time.Now,
	}
}

// Credit mints amount of asset to holder.
func (f *FakeLedger) Credit(asset, holder common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balance(asset, holder)
	bal.Add(bal, amount)
}

func (f *FakeLedger) Balance(asset, holder common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance(asset, holder))
}

// SetFee fixes the fee the ledger charges for transfers of asset.
func (f *FakeLedger) SetFee(asset common.Address, fee *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees[asset] = new(big.Int).Set(fee)
}

// Script queues outcomes for the next submissions, in order. Submissions
// beyond the script are included.
func (f *FakeLedger) Script(outcomes ...Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
}

// SetClock replaces the clock used for deadline checks.
func (f *FakeLedger) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *FakeLedger) SetUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = down
}

// NextNonce returns the next unconsumed nonce for sender.
func (f *FakeLedger) NextNonce(_ context.Context, sender common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return 0, ErrUnavailable
	}
	return f.nonces[sender], nil
}

// Submissions returns every request received, oldest first.
func (f *FakeLedger) Submissions() []ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ExecuteRequest, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.submissions[id].req)
	}
	return out
}

func (f *FakeLedger) Submit(_ context.Context, req ExecuteRequest) (Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unavailable {
		return Submission{}, ErrUnavailable
	}
	id := f.submissionID(req)
	sub := &fakeSubmission{req: req, receipt: Receipt{State: StatePending}}
	f.submissions[id] = sub
	f.order = append(f.order, id)

	next := Include
	if len(f.script) > 0 {
		next = f.script[0]
		f.script = f.script[1:]
	}
	switch next {
	case Include:
		sub.receipt = f.execute(req, id)
	case Drop:
		sub.receipt = Receipt{State: StateDropped}
	case LoseRace:
		if prev, ok := f.submissions[req.Replaces]; ok && prev.receipt.State == StatePending {
			prev.receipt = f.execute(prev.req, req.Replaces)
		}
		sub.receipt = f.execute(req, id)
	}
	return Submission{ID: id, SubmittedAt: f.now()}, nil
}

func (f *FakeLedger) Status(_ context.Context, submissionID string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unavailable {
		return Receipt{}, ErrUnavailable
	}
	sub, ok := f.submissions[submissionID]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownSubmission, submissionID)
	}
	return sub.receipt, nil
}

func (f *FakeLedger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return ErrUnavailable
	}
	return nil
}

// execute applies the transfer or rejects it whole. Must hold f.mu.
func (f *FakeLedger) execute(req ExecuteRequest, id string) Receipt {
	reject := func(reason string) Receipt { return Receipt{State: StateRejected, Reason: reason} }

	if f.Verify != nil {
		if err := f.Verify(req); err != nil {
			return reject(err.Error())
		}
	}
	if !req.Deadline.IsZero() && !f.now().Before(req.Deadline) {
		return reject("deadline passed")
	}
	if req.Nonce != f.nonces[req.From] {
		return reject("nonce already consumed")
	}
	fee := new(big.Int)
	if configured, ok := f.fees[req.Asset]; ok {
		fee.Set(configured)
	}
	if fee.Cmp(req.CappedFee) > 0 {
		return reject("fee exceeds cap")
	}
	if fee.Cmp(req.Amount) >= 0 {
		return reject("fee exceeds amount")
	}
	from := f.balance(req.Asset, req.From)
	if from.Cmp(req.Amount) < 0 {
		return reject("insufficient balance")
	}

	from.Sub(from, req.Amount)
	to := f.balance(req.Asset, req.To)
	to.Add(to, new(big.Int).Sub(req.Amount, fee))
	collector := f.balance(req.Asset, f.FeeCollector)
	collector.Add(collector, fee)
	f.nonces[req.From]++

	return Receipt{State: StateConfirmed, ActualFee: fee, Reference: id}
}

func (f *FakeLedger) balance(asset, holder common.Address) *big.Int {
	byHolder, ok := f.balances[asset]
	if !ok {
		byHolder = make(map[common.Address]*big.Int)
		f.balances[asset] = byHolder
	}
	bal, ok := byHolder[holder]
	if !ok {
		bal = new(big.Int)
		byHolder[holder] = bal
	}
	return bal
}

func (f *FakeLedger) submissionID(req ExecuteRequest) string {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(len(f.order)))
	h := sha256.New()
	h.Write(req.From.Bytes())
	h.Write(req.To.Bytes())
	h.Write(req.Signature)
	h.Write(seq[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
