package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

// rewardPoolABI is the slice of the reward pool contract the service uses:
// idempotent payouts keyed by claim id, the claim guard, and balances.
const rewardPoolABI = `[
	{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"bytes32","name":"claimId","type":"bytes32"}],"name":"payReward","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"claimId","type":"bytes32"}],"name":"claimed","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// EVMClient is the subset of the Ethereum RPC the adapter depends on.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMConfig captures the dependencies required to construct the adapter.
type EVMConfig struct {
	Client        EVMClient
	PoolAddress   common.Address
	ChainID       *big.Int
	Key           *ecdsa.PrivateKey
	Confirmations uint64
	// GasBumpPercent pads the gas estimate; defaults to 20.
	GasBumpPercent uint64
}

// EVM settles rewards through the reward pool contract.
type EVM struct {
	client        EVMClient
	pool          common.Address
	chainID       *big.Int
	key           *ecdsa.PrivateKey
	from          common.Address
	confirmations uint64
	gasBump       uint64
	abi           abi.ABI

	// Serialises nonce assignment across concurrent submissions.
	mu sync.Mutex
}

// NewEVM constructs the adapter.
func NewEVM(cfg EVMConfig) (*EVM, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("ledger: evm client required")
	}
	if cfg.PoolAddress == (common.Address{}) {
		return nil, fmt.Errorf("ledger: pool address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("ledger: signing key required")
	}
	parsed, err := abi.JSON(strings.NewReader(rewardPoolABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse abi: %w", err)
	}
	bump := cfg.GasBumpPercent
	if bump == 0 {
		bump = 20
	}
	return &EVM{
		client:        cfg.Client,
		pool:          cfg.PoolAddress,
		chainID:       new(big.Int).Set(cfg.ChainID),
		key:           cfg.Key,
		from:          gethcrypto.PubkeyToAddress(cfg.Key.PublicKey),
		confirmations: cfg.Confirmations,
		gasBump:       bump,
		abi:           parsed,
	}, nil
}

// ClaimID derives the on-chain claim identifier from an idempotency key.
// The same key always produces the same id, which is what lets the contract
// dedupe resubmissions.
func ClaimID(idempotencyKey string) common.Hash {
	return gethcrypto.Keccak256Hash([]byte(idempotencyKey))
}

// Submit pays the reward through the pool contract. When a transaction was
// signed, its hash is returned even on error so callers can resolve an
// unknown delivery outcome through Status.
func (l *EVM) Submit(ctx context.Context, to common.Address, amount *big.Int, idempotencyKey string) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("ledger: amount must be positive")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return "", ErrAmountOutOfRange
	}
	claimID := [32]byte(ClaimID(idempotencyKey))

	settled, err := l.claimedOnChain(ctx, claimID)
	if err != nil {
		return "", err
	}
	if settled {
		return "", fmt.Errorf("%w: claim id already settled", ErrRejected)
	}

	calldata, err := l.abi.Pack("payReward", to, amount, claimID)
	if err != nil {
		return "", fmt.Errorf("ledger: pack payReward: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", classify(err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify(err)
	}
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From: l.from,
		To:   &l.pool,
		Data: calldata,
	})
	if err != nil {
		return "", classify(err)
	}
	gas += gas * l.gasBump / 100

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &l.pool,
		Value:    new(big.Int),
		Data:     calldata,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("ledger: sign transaction: %w", err)
	}
	ref := signed.Hash().Hex()
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		// The node may have accepted the transaction before the
		// transport failed, so the reference stays with the error.
		return ref, classify(err)
	}
	return ref, nil
}

// Status resolves the observed state of a submitted settlement, requiring
// the configured confirmation depth before reporting it confirmed.
func (l *EVM) Status(ctx context.Context, ref string) (Status, error) {
	txHash := common.HexToHash(ref)
	if (txHash == common.Hash{}) {
		return StatusPending, fmt.Errorf("ledger: settlement ref required")
	}
	receipt, err := l.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		return StatusPending, classify(err)
	}
	if receipt == nil {
		return StatusPending, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return StatusFailed, nil
	}
	if l.confirmations > 0 {
		header, err := l.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return StatusPending, classify(err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return StatusPending, fmt.Errorf("ledger: block metadata unavailable")
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(l.confirmations)) < 0 {
			return StatusPending, nil
		}
	}
	return StatusConfirmed, nil
}

// BalanceOf queries the reward token balance of an address.
func (l *EVM) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	calldata, err := l.abi.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack balanceOf: %w", err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.pool, Data: calldata}, nil)
	if err != nil {
		return nil, classify(err)
	}
	results, err := l.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: unexpected balanceOf result")
	}
	return balance, nil
}

func (l *EVM) claimedOnChain(ctx context.Context, claimID [32]byte) (bool, error) {
	calldata, err := l.abi.Pack("claimed", claimID)
	if err != nil {
		return false, fmt.Errorf("ledger: pack claimed: %w", err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.pool, Data: calldata}, nil)
	if err != nil {
		return false, classify(err)
	}
	results, err := l.abi.Unpack("claimed", out)
	if err != nil {
		return false, fmt.Errorf("ledger: unpack claimed: %w", err)
	}
	settled, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("ledger: unexpected claimed result")
	}
	return settled, nil
}

// classify buckets ledger errors into the retry taxonomy. Gas funding and
// reverts are terminal for the attempt; transport failures are the only
// class the caller may retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "revert") || strings.Contains(msg, "already claimed"):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}
