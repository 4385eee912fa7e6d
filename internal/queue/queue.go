// Package queue holds validated, ready and priced intents until a broadcaster
// takes them.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gaslessrelay/internal/intent"
)

const (
	PriorityNormal = 0
	// PriorityFast is the operator fast-track tier. It is never deferred.
	PriorityFast = 10
)

var (
	ErrDuplicate = errors.New("intent already queued")
	ErrNotFound  = errors.New("entry not found")
	ErrInFlight  = errors.New("entry is being broadcast")
)

// Entry is one queued intent.
type Entry struct {
	ID         string
	Intent     intent.TransferIntent
	Priority   int
	EnqueuedAt time.Time
	Attempts   int
	Fee        *big.Int
	FeeRate    *big.Int
	// Ready is false only for entries whose sender slot is not yet theirs.
	Ready bool

	seq   uint64
	index int
}

func (e *Entry) Key() intent.Key { return e.Intent.Key() }

func (e *Entry) copy() *Entry {
	cp := *e
	if e.Fee != nil {
		cp.Fee = new(big.Int).Set(e.Fee)
	}
	if e.FeeRate != nil {
		cp.FeeRate = new(big.Int).Set(e.FeeRate)
	}
	return &cp
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Ready != b.Ready {
		return a.Ready
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type Queue struct {
	mu       sync.Mutex
	heap     entryHeap
	byKey    map[intent.Key]*Entry
	byID     map[string]*Entry
	inflight map[intent.Key]*Entry
	seq      uint64
	notify   chan struct{}

	// deferLow, when it returns true, holds back entries below PriorityFast.
	deferLow func() bool
	now      func() time.Time
}

type Option func(*Queue)

// WithDeferral installs the signal used to hold back normal-priority entries.
func WithDeferral(elevated func() bool) Option {
	return func(q *Queue) { q.deferLow = elevated }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		byKey:    make(map[intent.Key]*Entry),
		byID:     make(map[string]*Entry),
		inflight: make(map[intent.Key]*Entry),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds e. An entry with the same sender+nonce is never added twice;
// the existing entry's id is returned with ErrDuplicate.
func (q *Queue) Enqueue(e *Entry) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[e.Key()]; ok {
		return existing.ID, ErrDuplicate
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.seq++
	e.seq = q.seq
	heap.Push(&q.heap, e)
	q.byKey[e.Key()] = e
	q.byID[e.ID] = e
	q.signal()
	return e.ID, nil
}

// Reprice replaces the fee and fee rate on a queued entry. In-flight entries
// are repriced by their broadcaster.
func (q *Queue) Reprice(key intent.Key, fee, rate *big.Int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byKey[key]
	if !ok {
		return false
	}
	if _, busy := q.inflight[key]; busy {
		return false
	}
	e.Fee = new(big.Int).Set(fee)
	if rate != nil {
		e.FeeRate = new(big.Int).Set(rate)
	}
	return true
}

// TryDequeue hands the best eligible entry to the caller without blocking.
func (q *Queue) TryDequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil, false
	}
	top := q.heap[0]
	if !top.Ready {
		return nil, false
	}
	if top.Priority < PriorityFast && q.deferLow != nil && q.deferLow() {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*Entry)
	q.inflight[e.Key()] = e
	return e.copy(), true
}

// Dequeue blocks until an entry is eligible or ctx ends. Deferred entries are
// re-checked every poll interval.
func (q *Queue) Dequeue(ctx context.Context, poll time.Duration) (*Entry, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if e, ok := q.TryDequeue(); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// Return puts an in-flight entry back after a retryable failure.
func (q *Queue) Return(key intent.Key, attempts int, fee *big.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[key]
	if !ok {
		return ErrNotFound
	}
	delete(q.inflight, key)
	e.Attempts = attempts
	if fee != nil {
		e.Fee = new(big.Int).Set(fee)
	}
	heap.Push(&q.heap, e)
	q.signal()
	return nil
}

// Complete forgets an in-flight entry once it reached a terminal state.
func (q *Queue) Complete(key intent.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.inflight[key]; ok {
		delete(q.inflight, key)
		delete(q.byKey, key)
		delete(q.byID, e.ID)
	}
}

// Remove takes a queued (not in-flight) entry out by id.
func (q *Queue) Remove(id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if _, busy := q.inflight[e.Key()]; busy {
		return nil, ErrInFlight
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byKey, e.Key())
	delete(q.byID, id)
	return e.copy(), nil
}

// SetPriority moves a queued entry to another tier.
func (q *Queue) SetPriority(id string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	if _, busy := q.inflight[e.Key()]; busy {
		return ErrInFlight
	}
	e.Priority = priority
	heap.Fix(&q.heap, e.index)
	q.signal()
	return nil
}

// Expired removes and returns queued entries whose deadline is not after now.
func (q *Queue) Expired(now time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for i := 0; i < len(q.heap); {
		e := q.heap[i]
		if e.Intent.Deadline.After(now) {
			i++
			continue
		}
		heap.Remove(&q.heap, i)
		delete(q.byKey, e.Key())
		delete(q.byID, e.ID)
		out = append(out, e.copy())
		i = 0
	}
	return out
}

// Contains reports whether the key is queued or in flight.
func (q *Queue) Contains(key intent.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

// Snapshot is a point-in-time summary for monitoring.
type Snapshot struct {
	Queued     int                    `json:"queued"`
	InFlight   int                    `json:"inFlight"`
	ByPriority map[int]int            `json:"byPriority"`
	ByAsset    map[common.Address]int `json:"byAsset"`
	OldestAge  time.Duration          `json:"oldestAgeNs"`
	Deferring  bool                   `json:"deferring"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		Queued:     len(q.heap),
		InFlight:   len(q.inflight),
		ByPriority: make(map[int]int),
		ByAsset:    make(map[common.Address]int),
		Deferring:  q.deferLow != nil && q.deferLow(),
	}
	now := q.now()
	for _, e := range q.heap {
		s.ByPriority[e.Priority]++
		s.ByAsset[e.Intent.Asset]++
		if age := now.Sub(e.EnqueuedAt); age > s.OldestAge {
			s.OldestAge = age
		}
	}
	return s
}
