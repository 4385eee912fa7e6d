package intent

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of an IntentRecord.
type Status string

const (
	StatusReceived  Status = "received"
	StatusValidated Status = "validated"
	StatusQueued    Status = "queued"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// TransferIntent is the signed, immutable request from a holder.
type TransferIntent struct {
	Asset     common.Address `json:"asset"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    *big.Int       `json:"amount"`
	MaxFee    *big.Int       `json:"maxFee"`
	Nonce     uint64         `json:"nonce"`
	Deadline  time.Time      `json:"deadline"`
	Signature []byte         `json:"signature"`
}

// Key returns the sender+nonce dedupe key.
func (t TransferIntent) Key() Key {
	return Key{Sender: t.From, Nonce: t.Nonce}
}

// Key identifies an intent within its sender's nonce sequence.
type Key struct {
	Sender common.Address
	Nonce  uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", strings.ToLower(k.Sender.Hex()), k.Nonce)
}

// Outcome of a single BroadcastRecord.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDropped   Outcome = "dropped"
	OutcomeRejected  Outcome = "rejected"
)

// BroadcastRecord tracks one submission attempt.
type BroadcastRecord struct {
	ID           string    `json:"id"`
	Attempt      int       `json:"attempt"`
	SubmissionID string    `json:"submissionId"`
	FeeRate      *big.Int  `json:"feeRate"`
	Outcome      Outcome   `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
	ResolvedAt   time.Time `json:"resolvedAt,omitempty"`
}

// Record is the relay's mutable companion of a TransferIntent.
type Record struct {
	ID           string            `json:"id"`
	Intent       TransferIntent    `json:"intent"`
	Status       Status            `json:"status"`
	Priority     int               `json:"priority"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"lastError,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	EstimatedFee *big.Int          `json:"estimatedFee,omitempty"`
	ActualFee    *big.Int          `json:"actualFee,omitempty"`
	Settlement   string            `json:"settlement,omitempty"`
	Broadcasts   []BroadcastRecord `json:"broadcasts,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// NewRecord wraps a validated intent.
func NewRecord(id string, in TransferIntent, now time.Time) *Record {
	return &Record{
		ID:        id,
		Intent:    in,
		Status:    StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep enough copy for handing to readers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Broadcasts = append([]BroadcastRecord(nil), r.Broadcasts...)
	return &cp
}

// Transition moves the record to next. Terminal records never change.
func (r *Record) Transition(next Status, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// Fail records a terminal error on the record.
func (r *Record) Fail(next Status, err error, now time.Time) error {
	if err := r.Transition(next, now); err != nil {
		return err
	}
	r.LastError = err.Error()
	r.ErrorCode = Code(err)
	return nil
}

// Outstanding returns the broadcast still awaiting an outcome, if any.
func (r *Record) Outstanding() *BroadcastRecord {
	for i := len(r.Broadcasts) - 1; i >= 0; i-- {
		if r.Broadcasts[i].Outcome == OutcomePending {
			return &r.Broadcasts[i]
		}
	}
	return nil
}
