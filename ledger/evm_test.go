package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var testPool = common.HexToAddress("0x00000000000000000000000000000000000000ee")

type fakeEVMClient struct {
	nonce      uint64
	gasPrice   *big.Int
	gas        uint64
	sendErr    error
	sent       []*gethtypes.Transaction
	callErr    error
	claimed    bool
	balance    *big.Int
	receipt    *gethtypes.Receipt
	receiptErr error
	head       *gethtypes.Header
	headErr    error
}

func testABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(rewardPoolABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func (f *fakeEVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1), nil
	}
	return f.gasPrice, nil
}

func (f *fakeEVMClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.gas == 0 {
		return 100_000, nil
	}
	return f.gas, nil
}

func (f *fakeEVMClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	parsed, err := abi.JSON(strings.NewReader(rewardPoolABI))
	if err != nil {
		return nil, err
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "claimed":
		return method.Outputs.Pack(f.claimed)
	case "balanceOf":
		balance := f.balance
		if balance == nil {
			balance = big.NewInt(0)
		}
		return method.Outputs.Pack(balance)
	}
	return nil, fmt.Errorf("unexpected call to %s", method.Name)
}

func (f *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeEVMClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return f.head, nil
}

func newTestEVM(t *testing.T, client *fakeEVMClient, confirmations uint64) *EVM {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	adapter, err := NewEVM(EVMConfig{
		Client:        client,
		PoolAddress:   testPool,
		ChainID:       big.NewInt(1337),
		Key:           key,
		Confirmations: confirmations,
	})
	if err != nil {
		t.Fatalf("NewEVM: %v", err)
	}
	return adapter
}

func TestClaimIDDeterministic(t *testing.T) {
	a := ClaimID("claim:vid-1")
	b := ClaimID("claim:vid-1")
	if a != b {
		t.Fatal("claim ids must be deterministic")
	}
	if a == ClaimID("claim:vid-2") {
		t.Fatal("claim ids must differ per key")
	}
}

func TestSubmitSignsAndSends(t *testing.T) {
	client := &fakeEVMClient{nonce: 7, gas: 50_000}
	adapter := newTestEVM(t, client, 0)

	ref, err := adapter.Submit(context.Background(), common.HexToAddress("0xaa"), big.NewInt(1234), "claim:vid-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ref == "" {
		t.Fatal("missing settlement ref")
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one sent transaction, got %d", len(client.sent))
	}
	tx := client.sent[0]
	if tx.Nonce() != 7 {
		t.Fatalf("nonce: got %d", tx.Nonce())
	}
	// 20% pad over the 50k estimate.
	if tx.Gas() != 60_000 {
		t.Fatalf("gas: got %d want 60000", tx.Gas())
	}
	if tx.To() == nil || *tx.To() != testPool {
		t.Fatal("transaction not addressed to the pool contract")
	}
	if tx.Hash().Hex() != ref {
		t.Fatal("ref must be the signed transaction hash")
	}

	parsed := testABI(t)
	calldata, err := parsed.Pack("payReward",
		common.HexToAddress("0xaa"), big.NewInt(1234), [32]byte(ClaimID("claim:vid-1")))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if string(tx.Data()) != string(calldata) {
		t.Fatal("calldata mismatch")
	}
}

func TestSubmitRejectsDuplicateClaimID(t *testing.T) {
	client := &fakeEVMClient{claimed: true}
	adapter := newTestEVM(t, client, 0)

	_, err := adapter.Submit(context.Background(), common.HexToAddress("0xaa"), big.NewInt(1), "claim:vid-1")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatal("no transaction should have been sent")
	}
}

func TestSubmitAmountOutOfRange(t *testing.T) {
	adapter := newTestEVM(t, &fakeEVMClient{}, 0)
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)

	_, err := adapter.Submit(context.Background(), common.HexToAddress("0xaa"), tooBig, "claim:vid-1")
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
}

func TestSubmitTransportFailureKeepsRef(t *testing.T) {
	client := &fakeEVMClient{sendErr: errors.New("write: broken pipe")}
	adapter := newTestEVM(t, client, 0)

	ref, err := adapter.Submit(context.Background(), common.HexToAddress("0xaa"), big.NewInt(1), "claim:vid-1")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if ref == "" {
		t.Fatal("ref must survive a transport failure so the outcome can be resolved")
	}
}

func TestStatusPendingWhileUnmined(t *testing.T) {
	client := &fakeEVMClient{receiptErr: ethereum.NotFound}
	adapter := newTestEVM(t, client, 0)

	status, err := adapter.Status(context.Background(), "0x1111111111111111111111111111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusPending {
		t.Fatalf("expected pending, got %s", status)
	}
}

func TestStatusFailedReceipt(t *testing.T) {
	client := &fakeEVMClient{receipt: &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(10),
	}}
	adapter := newTestEVM(t, client, 0)

	status, err := adapter.Status(context.Background(), "0x1111111111111111111111111111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
}

func TestStatusHonoursConfirmationDepth(t *testing.T) {
	receipt := &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
	}
	ref := "0x1111111111111111111111111111111111111111111111111111111111111111"

	shallow := &fakeEVMClient{receipt: receipt, head: &gethtypes.Header{Number: big.NewInt(11)}}
	adapter := newTestEVM(t, shallow, 3)
	status, err := adapter.Status(context.Background(), ref)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusPending {
		t.Fatalf("expected pending at two confirmations, got %s", status)
	}

	deep := &fakeEVMClient{receipt: receipt, head: &gethtypes.Header{Number: big.NewInt(12)}}
	adapter = newTestEVM(t, deep, 3)
	status, err = adapter.Status(context.Background(), ref)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusConfirmed {
		t.Fatalf("expected confirmed at three confirmations, got %s", status)
	}
}

func TestBalanceOf(t *testing.T) {
	client := &fakeEVMClient{balance: big.NewInt(42)}
	adapter := newTestEVM(t, client, 0)

	balance, err := adapter.BalanceOf(context.Background(), common.HexToAddress("0xaa"))
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if balance.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("balance: got %s", balance)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), ErrInsufficientFunds},
		{"revert", errors.New("execution reverted: RewardPool: already claimed"), ErrRejected},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connection refused"), ErrUnreachable},
		{"no such host", errors.New("dial tcp: lookup rpc.invalid: no such host"), ErrUnreachable},
		{"timeout", errors.New("post failed: i/o timeout"), ErrUnreachable},
		{"deadline", context.DeadlineExceeded, ErrUnreachable},
		{"canceled", context.Canceled, ErrUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}

	unknown := errors.New("something odd happened")
	if got := classify(unknown); !errors.Is(got, unknown) {
		t.Fatalf("unknown errors must pass through, got %v", got)
	}
	if classify(nil) != nil {
		t.Fatal("nil must classify to nil")
	}
}
