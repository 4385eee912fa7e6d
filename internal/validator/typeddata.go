package validator

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"gaslessrelay/internal/intent"
)

const primaryType = "GaslessTransfer"

// Domain separates signatures between chains and relay deployments.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var transferTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "token", Type: "address"},
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "maxFee", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// TypedData builds the EIP-712 payload a wallet signs for in.
func (d Domain) TypedData(in intent.TransferIntent) (apitypes.TypedData, error) {
	if in.Amount == nil || in.MaxFee == nil {
		return apitypes.TypedData{}, errors.New("amount and max fee are required")
	}
	if in.Amount.Sign() < 0 || in.MaxFee.Sign() < 0 {
		return apitypes.TypedData{}, errors.New("negative uint256 value")
	}
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return apitypes.TypedData{
		Types:       transferTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"token":    in.Asset.Hex(),
			"from":     in.From.Hex(),
			"to":       in.To.Hex(),
			"amount":   in.Amount.String(),
			"maxFee":   in.MaxFee.String(),
			"nonce":    strconv.FormatUint(in.Nonce, 10),
			"deadline": strconv.FormatInt(in.Deadline.Unix(), 10),
		},
	}, nil
}

// Digest returns the EIP-712 signing hash of in.
func (d Domain) Digest(in intent.TransferIntent) (common.Hash, error) {
	td, err := d.TypedData(in)
	if err != nil {
		return common.Hash{}, err
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// Recover returns the address that produced sig over digest.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	// Only the lower-s form is accepted, as the contract does.
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, errors.New("signature values out of range")
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a wallet-style (v = 27/28) signature over in.
func (d Domain) Sign(in intent.TransferIntent, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := d.Digest(in)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
