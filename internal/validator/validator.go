// Package validator checks signed transfer intents before they enter the relay pipeline.
package validator

import (
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"

	"gaslessrelay/internal/intent"
)

const defaultSeenSize = 65536

// Result is what a successful validation yields.
type Result struct {
	ID     string
	Digest common.Hash
	Asset  Asset
}

type Validator struct {
	domain Domain
	assets *Registry
	seen   *lru.Cache[seenKey, string]
	now    func() time.Time
}

type seenKey struct {
	key     intent.Key
	sigHash common.Hash
}

type Option func(*Validator)

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func New(domain Domain, assets *Registry, opts ...Option) (*Validator, error) {
	seen, err := lru.New[seenKey, string](defaultSeenSize)
	if err != nil {
		return nil, err
	}
	v := &Validator{domain: domain, assets: assets, seen: seen, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Validator) Domain() Domain { return v.domain }

// Validate runs expiry, signature, asset and amount checks in that order.
// It has no side effects; call Remember once the intent is accepted.
func (v *Validator) Validate(in intent.TransferIntent) (Result, error) {
	if id, ok := v.seen.Get(keyOf(in)); ok {
		return Result{}, &intent.DuplicateError{ID: id}
	}

	if !in.Deadline.After(v.now()) {
		return Result{}, intent.Invalid(intent.CauseExpired, "deadline %s passed", in.Deadline.UTC().Format(time.RFC3339))
	}

	if in.Amount == nil || in.MaxFee == nil {
		return Result{}, intent.Invalid(intent.CauseMalformed, "amount and maxFee are required")
	}
	// Negative values have no uint256 encoding, so no signature can cover them.
	if in.Amount.Sign() < 0 {
		return Result{}, intent.Invalid(intent.CauseInvalidAmount, "amount must be positive")
	}
	if in.MaxFee.Sign() < 0 {
		return Result{}, intent.Invalid(intent.CauseInvalidMaxFee, "maxFee must not be negative")
	}
	if in.Nonce >= math.MaxInt64 {
		return Result{}, intent.Invalid(intent.CauseMalformed, "nonce %d out of range", in.Nonce)
	}
	digest, err := v.domain.Digest(in)
	if err != nil {
		return Result{}, intent.Invalid(intent.CauseMalformed, "%v", err)
	}
	signer, err := Recover(digest, in.Signature)
	if err != nil {
		return Result{}, intent.Invalid(intent.CauseBadSignature, "%v", err)
	}
	if signer != in.From {
		return Result{}, intent.Invalid(intent.CauseBadSignature, "recovered %s, declared %s", signer.Hex(), in.From.Hex())
	}

	asset, ok := v.assets.Snapshot().Lookup(in.Asset)
	if !ok {
		return Result{}, intent.Invalid(intent.CauseUnsupportedAsset, "%s", in.Asset.Hex())
	}
	if asset.Paused {
		return Result{}, intent.Invalid(intent.CauseAssetPaused, "%s", asset.Symbol)
	}

	if in.Amount.Sign() == 0 {
		return Result{}, intent.Invalid(intent.CauseInvalidAmount, "amount must be positive")
	}

	return Result{ID: digest.Hex(), Digest: digest, Asset: asset}, nil
}

// Remember marks the (sender, nonce, signature) tuple as accepted under id.
func (v *Validator) Remember(in intent.TransferIntent, id string) {
	v.seen.Add(keyOf(in), id)
}

func keyOf(in intent.TransferIntent) seenKey {
	return seenKey{key: in.Key(), sigHash: crypto.Keccak256Hash(in.Signature)}
}
