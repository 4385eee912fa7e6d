// Package ledger is the boundary to the settlement layer: one atomic
// executeTransfer call per intent plus status lookups for what was submitted.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnavailable means the settlement layer could not be reached. Nothing
	// was submitted and the caller should try again later.
	ErrUnavailable = errors.New("settlement layer unavailable")
	// ErrUnknownSubmission is returned by Status for ids this client never issued.
	ErrUnknownSubmission = errors.New("unknown submission")
)

// ExecuteRequest is the ledger-layer call built from an intent and its cap.
type ExecuteRequest struct {
	Asset     common.Address
	From      common.Address
	To        common.Address
	Amount    *big.Int
	CappedFee *big.Int
	Nonce     uint64
	Deadline  time.Time
	Signature []byte
	// FeeRate is the settlement fee rate offered for inclusion, in wei per gas.
	FeeRate *big.Int
	// Replaces is the id of the submission this one supersedes.
	Replaces string
}

type Submission struct {
	ID          string
	SubmittedAt time.Time
}

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateRejected  State = "rejected"
	StateDropped   State = "dropped"
)

// Receipt is the settlement layer's view of one submission.
type Receipt struct {
	State State
	// ActualFee is what the ledger charged, set when confirmed.
	ActualFee *big.Int
	Reference string
	// Reason is the ledger-reported cause, set when rejected.
	Reason string
}

// Client abstracts the on-chain relay contract.
type Client interface {
	Submit(ctx context.Context, req ExecuteRequest) (Submission, error)
	Status(ctx context.Context, submissionID string) (Receipt, error)
	// NextNonce is the sender's next unconsumed intent nonce on the ledger.
	NextNonce(ctx context.Context, sender common.Address) (uint64, error)
	Ping(ctx context.Context) error
}

// Await polls Status until the submission leaves pending or ctx ends.
func Await(ctx context.Context, c Client, submissionID string, every time.Duration) (Receipt, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := c.Status(ctx, submissionID)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return Receipt{}, err
		}
		if err == nil && receipt.State != StatePending {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return Receipt{State: StatePending}, ctx.Err()
		case <-ticker.C:
		}
	}
}
