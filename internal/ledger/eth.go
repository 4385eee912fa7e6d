package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthLedger submits executeTransfer calls to the relay contract.
type EthLedger struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	relayer   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts

	// mu serializes relayer nonce allocation.
	mu   sync.Mutex
	sent map[common.Hash]uint64
}

type EthLedgerConfig struct {
	RPCURL        string
	PrivateKeyHex string
	RelayContract string
}

// TransferExecuted mirrors the contract event.
type TransferExecuted struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
	Fee    *big.Int
	Nonce  *big.Int
}

func NewEthLedger(ctx context.Context, cfg EthLedgerConfig) (*EthLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.RelayContract == "" {
		return nil, fmt.Errorf("relay contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transfers")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(RelayABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	address := common.HexToAddress(cfg.RelayContract)
	return &EthLedger{
		client:    cli,
		contract:  bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		abi:       parsedABI,
		address:   address,
		relayer:   crypto.PubkeyToAddress(pk.PublicKey),
		chainID:   chainID,
		transacts: txOpts,
		sent:      make(map[common.Hash]uint64),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// ChainID is the chain the ledger is bound to.
func (l *EthLedger) ChainID() *big.Int { return new(big.Int).Set(l.chainID) }

// Close releases the RPC connection.
func (l *EthLedger) Close() { l.client.Close() }

// Submit sends executeTransfer at req.FeeRate. A replacement reuses the
// relayer nonce of the submission it supersedes so at most one can execute.
func (l *EthLedger) Submit(ctx context.Context, req ExecuteRequest) (Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.relayerNonce(ctx, req.Replaces)
	if err != nil {
		return Submission{}, err
	}

	opts := *l.transacts
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasPrice = req.FeeRate

	tx, err := l.contract.Transact(&opts, "executeTransfer",
		req.Asset,
		req.From,
		req.To,
		req.Amount,
		req.CappedFee,
		new(big.Int).SetUint64(req.Nonce),
		big.NewInt(req.Deadline.Unix()),
		req.Signature,
	)
	if err != nil {
		if pingErr := l.Ping(ctx); pingErr != nil {
			return Submission{}, fmt.Errorf("%w: %v", ErrUnavailable, pingErr)
		}
		return Submission{}, fmt.Errorf("execute transfer tx: %w", err)
	}
	l.sent[tx.Hash()] = nonce
	return Submission{ID: tx.Hash().Hex(), SubmittedAt: time.Now()}, nil
}

// nonceReader is the part of the node API relayer nonce allocation needs.
type nonceReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

func (l *EthLedger) relayerNonce(ctx context.Context, replaces string) (uint64, error) {
	return relayerNonce(ctx, l.client, l.sent, l.relayer, replaces)
}

// relayerNonce reuses the nonce of the replaced transaction. After a restart
// the node is asked for it; only a transaction the node no longer knows gets a
// fresh nonce.
func relayerNonce(ctx context.Context, node nonceReader, sent map[common.Hash]uint64, relayer common.Address, replaces string) (uint64, error) {
	if replaces != "" {
		hash := common.HexToHash(replaces)
		if n, ok := sent[hash]; ok {
			return n, nil
		}
		tx, _, err := node.TransactionByHash(ctx, hash)
		switch {
		case err == nil:
			return tx.Nonce(), nil
		case !errors.Is(err, ethereum.NotFound):
			return 0, fmt.Errorf("%w: replaced transaction: %v", ErrUnavailable, err)
		}
	}
	n, err := node.PendingNonceAt(ctx, relayer)
	if err != nil {
		return 0, fmt.Errorf("%w: pending nonce: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Status looks the submission up by transaction hash. A hash the node no
// longer knows was replaced or evicted and is reported dropped.
func (l *EthLedger) Status(ctx context.Context, submissionID string) (Receipt, error) {
	if len(submissionID) != 66 || !strings.HasPrefix(submissionID, "0x") {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownSubmission, submissionID)
	}
	hash := common.HexToHash(submissionID)

	receipt, err := l.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, _, err = l.client.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{State: StateDropped}, nil
		}
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Receipt{State: StatePending}, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.mu.Lock()
	delete(l.sent, hash)
	l.mu.Unlock()

	ref := fmt.Sprintf("%s@%s", hash.Hex(), receipt.BlockNumber)
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{State: StateRejected, Reason: "execution reverted", Reference: ref}, nil
	}
	ev, err := l.executed(receipt)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{State: StateConfirmed, ActualFee: ev.Fee, Reference: ref}, nil
}

func (l *EthLedger) executed(receipt *types.Receipt) (TransferExecuted, error) {
	topic := l.abi.Events["TransferExecuted"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != l.address || len(lg.Topics) == 0 || lg.Topics[0] != topic {
			continue
		}
		var ev TransferExecuted
		if err := l.contract.UnpackLog(&ev, "TransferExecuted", *lg); err != nil {
			return TransferExecuted{}, fmt.Errorf("decode TransferExecuted: %w", err)
		}
		return ev, nil
	}
	return TransferExecuted{}, fmt.Errorf("receipt %s has no TransferExecuted log", receipt.TxHash.Hex())
}

func (l *EthLedger) Ping(ctx context.Context) error {
	if l.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := l.client.BlockNumber(ctx)
	return err
}

// NextNonce reads the holder's nonce counter from the relay contract.
func (l *EthLedger) NextNonce(ctx context.Context, sender common.Address) (uint64, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "nonces", sender); err != nil {
		return 0, fmt.Errorf("%w: nonces: %v", ErrUnavailable, err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("nonces: unexpected %d return values", len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("nonces: unexpected value %v", out[0])
	}
	return n.Uint64(), nil
}

// FeeRate reports the node's suggested gas price.
func (l *EthLedger) FeeRate(ctx context.Context) (*big.Int, error) {
	return l.client.SuggestGasPrice(ctx)
}
