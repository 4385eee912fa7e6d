// Package sequencer enforces strict per-sender nonce ordering.
//
// Each sender owns one active slot. An intent whose nonce equals the sender's
// expected nonce takes the slot and is released to pricing; later nonces wait
// in the held set until the gap closes. The expected nonce moves only when the
// active intent is finalized.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"gaslessrelay/internal/intent"
)

// ErrNonceInUse is returned when another intent already claims the nonce.
var ErrNonceInUse = errors.New("nonce already claimed by another intent")

// DefaultMaxHeld bounds the held set of a single sender.
const DefaultMaxHeld = 64

// NonceStore persists the next expected nonce per sender.
type NonceStore interface {
	LoadNonce(ctx context.Context, sender common.Address) (uint64, bool, error)
	SaveNonce(ctx context.Context, sender common.Address, next uint64) error
}

// ChainNonces reads the next nonce the settlement layer will accept.
type ChainNonces interface {
	NextNonce(ctx context.Context, sender common.Address) (uint64, error)
}

// Entry is the unit the sequencer orders.
type Entry struct {
	ID     string
	Intent intent.TransferIntent
}

// Disposition of an admitted entry.
type Disposition int

const (
	// Ready means the entry holds the sender slot and may be priced now.
	Ready Disposition = iota + 1
	// Held means the entry waits for an earlier nonce.
	Held
)

func (d Disposition) String() string {
	switch d {
	case Ready:
		return "ready"
	case Held:
		return "held"
	}
	return "unknown"
}

type senderState struct {
	mu      sync.Mutex
	loaded  bool
	next    uint64
	active  *Entry
	pending map[uint64]*Entry
}

type Sequencer struct {
	mu      sync.Mutex // guards the senders map only
	senders map[common.Address]*senderState
	nonces  NonceStore
	chain   ChainNonces
	maxHeld int
}

type Option func(*Sequencer)

// WithChainNonces lets the sequencer catch up with nonces consumed on the
// ledger outside the relay.
func WithChainNonces(c ChainNonces) Option {
	return func(s *Sequencer) { s.chain = c }
}

// WithMaxHeld overrides DefaultMaxHeld. Zero or less disables the limit.
func WithMaxHeld(n int) Option {
	return func(s *Sequencer) { s.maxHeld = n }
}

func New(nonces NonceStore, opts ...Option) *Sequencer {
	s := &Sequencer{
		senders: make(map[common.Address]*senderState),
		nonces:  nonces,
		maxHeld: DefaultMaxHeld,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sequencer) state(sender common.Address) *senderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.senders[sender]
	if !ok {
		st = &senderState{pending: make(map[uint64]*Entry)}
		s.senders[sender] = st
	}
	return st
}

// load must be called with st.mu held.
func (s *Sequencer) load(ctx context.Context, sender common.Address, st *senderState) error {
	if st.loaded {
		return nil
	}
	if s.nonces != nil {
		next, ok, err := s.nonces.LoadNonce(ctx, sender)
		if err != nil {
			return fmt.Errorf("load nonce for %s: %w", sender.Hex(), err)
		}
		if ok {
			st.next = next
		}
	}
	st.loaded = true
	return nil
}

// catchUp raises the expected nonce to the ledger's while the sender has
// nothing in flight or held. An unreachable ledger leaves the local value as
// is; dispatch will surface the outage.
func (s *Sequencer) catchUp(ctx context.Context, sender common.Address, st *senderState) error {
	if s.chain == nil || st.active != nil || len(st.pending) > 0 {
		return nil
	}
	next, err := s.chain.NextNonce(ctx, sender)
	if err != nil || next <= st.next {
		return nil
	}
	if s.nonces != nil {
		if err := s.nonces.SaveNonce(ctx, sender, next); err != nil {
			return fmt.Errorf("save nonce for %s: %w", sender.Hex(), err)
		}
	}
	st.next = next
	return nil
}

// Admit places a validated entry into its sender's sequence.
func (s *Sequencer) Admit(ctx context.Context, e Entry) (Disposition, error) {
	return s.admit(ctx, e, true)
}

// Restore re-admits a persisted open entry at startup. It trusts the stored
// nonce only, since the entry's own submission may already have consumed its
// nonce on the ledger, and ignores the held limit.
func (s *Sequencer) Restore(ctx context.Context, e Entry) (Disposition, error) {
	return s.admit(ctx, e, false)
}

func (s *Sequencer) admit(ctx context.Context, e Entry, live bool) (Disposition, error) {
	sender := e.Intent.From
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()

	fresh := !st.loaded
	if err := s.load(ctx, sender, st); err != nil {
		return 0, err
	}

	nonce := e.Intent.Nonce
	if live && (fresh || nonce > st.next) {
		if err := s.catchUp(ctx, sender, st); err != nil {
			return 0, err
		}
	}
	if nonce < st.next {
		return 0, &intent.ReplayError{Key: e.Intent.Key(), Expected: st.next}
	}
	if st.active != nil && st.active.Intent.Nonce == nonce {
		return 0, fmt.Errorf("%w: %s", ErrNonceInUse, st.active.ID)
	}
	if held, ok := st.pending[nonce]; ok {
		return 0, fmt.Errorf("%w: %s", ErrNonceInUse, held.ID)
	}

	entry := e
	if nonce == st.next && st.active == nil {
		st.active = &entry
		return Ready, nil
	}
	if live && s.maxHeld > 0 && len(st.pending) >= s.maxHeld {
		return 0, fmt.Errorf("%w: %s already has %d", intent.ErrTooManyHeld, sender.Hex(), len(st.pending))
	}
	st.pending[nonce] = &entry
	return Held, nil
}

// Abort frees the active slot without advancing, e.g. when pricing fails
// synchronously or the intent expired before it was ever submitted. Held
// entries stay held: the nonce is still unconsumed.
func (s *Sequencer) Abort(sender common.Address, nonce uint64) bool {
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active == nil || st.active.Intent.Nonce != nonce {
		return false
	}
	st.active = nil
	return true
}

// Finalize records a terminal outcome for the active entry, advances the
// expected nonce and returns the next entry that became ready, if any.
func (s *Sequencer) Finalize(ctx context.Context, sender common.Address, nonce uint64) (*Entry, error) {
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active == nil || st.active.Intent.Nonce != nonce {
		return nil, fmt.Errorf("finalize %s/%d: not the active nonce", sender.Hex(), nonce)
	}
	next := nonce + 1
	if s.nonces != nil {
		if err := s.nonces.SaveNonce(ctx, sender, next); err != nil {
			return nil, fmt.Errorf("save nonce for %s: %w", sender.Hex(), err)
		}
	}
	st.active = nil
	st.next = next
	return st.promote(), nil
}

// promote must be called with st.mu held.
func (st *senderState) promote() *Entry {
	e, ok := st.pending[st.next]
	if !ok {
		return nil
	}
	delete(st.pending, st.next)
	st.active = e
	return e
}

// Drop removes a held entry (operator removal, expiry while held).
func (s *Sequencer) Drop(sender common.Address, nonce uint64) bool {
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.pending[nonce]; !ok {
		return false
	}
	delete(st.pending, nonce)
	return true
}

// SenderView is a point-in-time copy of a SenderState.
type SenderView struct {
	Sender      common.Address
	NextNonce   uint64
	ActiveNonce *uint64
	HeldNonces  []uint64
}

func (s *Sequencer) View(sender common.Address) SenderView {
	st := s.state(sender)
	st.mu.Lock()
	defer st.mu.Unlock()

	v := SenderView{Sender: sender, NextNonce: st.next}
	if st.active != nil {
		n := st.active.Intent.Nonce
		v.ActiveNonce = &n
	}
	for n := range st.pending {
		v.HeldNonces = append(v.HeldNonces, n)
	}
	sort.Slice(v.HeldNonces, func(i, j int) bool { return v.HeldNonces[i] < v.HeldNonces[j] })
	return v
}

// Held returns every held entry; used by the expiry sweep.
func (s *Sequencer) Held() []Entry {
	s.mu.Lock()
	states := make([]*senderState, 0, len(s.senders))
	for _, st := range s.senders {
		states = append(states, st)
	}
	s.mu.Unlock()

	var out []Entry
	for _, st := range states {
		st.mu.Lock()
		for _, e := range st.pending {
			out = append(out, *e)
		}
		st.mu.Unlock()
	}
	return out
}
