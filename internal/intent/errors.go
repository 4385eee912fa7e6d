package intent

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrReplay            = errors.New("nonce already finalized")
	ErrDuplicate         = errors.New("intent already accepted")
	ErrPricing           = errors.New("no fresh price")
	ErrProfitability     = errors.New("fee below operating margin")
	ErrFeeExceedsMaximum = errors.New("fee exceeds maximum")
	ErrBroadcast         = errors.New("broadcast failed")
	ErrExpiredInQueue    = errors.New("deadline passed before dispatch")
	ErrTerminal          = errors.New("record is terminal")
	ErrNotFound          = errors.New("intent not found")
	ErrOperatorRemoved   = errors.New("removed by operator")
	ErrTooManyHeld       = errors.New("too many intents waiting on an earlier nonce")
)

// Cause tags the specific validation failure.
type Cause string

const (
	CauseExpired          Cause = "expired"
	CauseBadSignature     Cause = "bad_signature"
	CauseUnsupportedAsset Cause = "unsupported_asset"
	CauseAssetPaused      Cause = "asset_paused"
	CauseInvalidAmount    Cause = "invalid_amount"
	CauseInvalidMaxFee    Cause = "invalid_max_fee"
	CauseMalformed        Cause = "malformed"
)

type ValidationError struct {
	Cause  Cause
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation failed: %s", e.Cause)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Cause, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(cause Cause, format string, args ...any) error {
	return &ValidationError{Cause: cause, Detail: fmt.Sprintf(format, args...)}
}

type ReplayError struct {
	Key      Key
	Expected uint64
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay: nonce %d for %s is below expected %d", e.Key.Nonce, e.Key.Sender.Hex(), e.Expected)
}

func (e *ReplayError) Unwrap() error { return ErrReplay }

// DuplicateError carries the id of the record that already owns the tuple.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string { return "duplicate intent " + e.ID }

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

type PricingError struct {
	Asset  string
	Reason string
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("pricing %s: %s", e.Asset, e.Reason)
}

func (e *PricingError) Unwrap() error { return ErrPricing }

type ProfitabilityError struct {
	Margin    *big.Int
	MinMargin *big.Int
}

func (e *ProfitabilityError) Error() string {
	return fmt.Sprintf("operator margin %s below minimum %s", e.Margin, e.MinMargin)
}

func (e *ProfitabilityError) Unwrap() error { return ErrProfitability }

// FeeExceedsMaximumError covers both the declared max fee and the amount bound.
type FeeExceedsMaximumError struct {
	Fee   *big.Int
	Limit *big.Int
	// ByAmount is set when the fee would consume the whole transfer.
	ByAmount bool
}

func (e *FeeExceedsMaximumError) Error() string {
	if e.ByAmount {
		return fmt.Sprintf("fee %s is not below amount %s", e.Fee, e.Limit)
	}
	return fmt.Sprintf("fee %s exceeds max fee %s", e.Fee, e.Limit)
}

func (e *FeeExceedsMaximumError) Unwrap() error { return ErrFeeExceedsMaximum }

// BroadcastKind classifies settlement-layer failures.
type BroadcastKind string

const (
	BroadcastDropped  BroadcastKind = "dropped"
	BroadcastTimedOut BroadcastKind = "timed_out"
	BroadcastRejected BroadcastKind = "rejected"
)

type BroadcastError struct {
	Kind   BroadcastKind
	Reason string
}

func (e *BroadcastError) Error() string {
	if e.Reason == "" {
		return "broadcast " + string(e.Kind)
	}
	return fmt.Sprintf("broadcast %s: %s", e.Kind, e.Reason)
}

func (e *BroadcastError) Unwrap() error { return ErrBroadcast }

// Retryable reports whether a resubmission may follow.
func (e *BroadcastError) Retryable() bool {
	return e.Kind == BroadcastDropped || e.Kind == BroadcastTimedOut
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	var (
		verr *ValidationError
		ferr *FeeExceedsMaximumError
		berr *BroadcastError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return string(verr.Cause)
	case errors.As(err, &ferr):
		if ferr.ByAmount {
			return "fee_exceeds_amount"
		}
		return "fee_exceeds_maximum"
	case errors.As(err, &berr):
		return "broadcast_" + string(berr.Kind)
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrPricing):
		return "pricing"
	case errors.Is(err, ErrProfitability):
		return "unprofitable"
	case errors.Is(err, ErrExpiredInQueue):
		return "expired_in_queue"
	case errors.Is(err, ErrOperatorRemoved):
		return "operator_removed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTooManyHeld):
		return "too_many_held"
	}
	return "internal"
}
