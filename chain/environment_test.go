package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/michaelpento.lv/flashsettle/utils/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	contract = testutils.Address(8)
	aavePool = common.HexToAddress("0x220c6A7D868FC38ECB47d5E69b99e9906300286A")
	usdc     = testutils.USDC
)

type mockEthClient struct {
	mu        sync.Mutex
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	balances  map[common.Address]*big.Int
	callErr   error
	calls     int
	gasPrice  *big.Int
	blockNum  uint64
	chainID   *big.Int
	lastBlock *big.Int
}

func newMockEthClient() *mockEthClient {
	return &mockEthClient{
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		balances: make(map[common.Address]*big.Int),
		gasPrice: big.NewInt(25_000_000_000),
		blockNum: 1200,
		chainID:  big.NewInt(5),
	}
}

func (m *mockEthClient) ChainID(context.Context) (*big.Int, error) {
	return m.chainID, nil
}

func (m *mockEthClient) BlockNumber(context.Context) (uint64, error) {
	return m.blockNum, nil
}

func (m *mockEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.sent)), nil
}

func (m *mockEthClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return m.gasPrice, nil
}

func (m *mockEthClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockEthClient) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockEthClient) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastBlock = block
	if m.callErr != nil {
		return nil, m.callErr
	}

	// balanceOf(account) and getBalance(token) both take one address
	key := common.BytesToAddress(msg.Data[4:36])
	bal, ok := m.balances[key]
	if !ok {
		bal = new(big.Int)
	}
	return common.LeftPadBytes(bal.Bytes(), 32), nil
}

func (m *mockEthClient) mine(hash common.Hash, status, gasUsed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[hash] = testutils.CreateMockReceipt(hash, status, gasUsed, m.blockNum+1)
}

func newTestEnvironment(t *testing.T, client *mockEthClient) *Environment {
	t.Helper()
	env, err := NewEnvironment(context.Background(), client, testutils.NewKey(t), Config{
		Contract:     contract,
		Pool:         aavePool,
		FeeBps:       9,
		PollInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return env
}

func TestEnvironmentSubmit(t *testing.T) {
	ctx := context.Background()
	client := newMockEthClient()
	env := newTestEnvironment(t, client)

	assert.Equal(t, aavePool, env.Pool())
	assert.Equal(t, uint16(9), env.FeeBps())

	req := types.LoanRequest{Asset: usdc, Principal: big.NewInt(10_000_000), Budget: 250_000}
	hash, err := env.Submit(ctx, req)
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, contract, *tx.To())
	assert.Equal(t, uint64(250_000), tx.Gas())
	assert.Equal(t, client.gasPrice, tx.GasPrice())

	method := flashLoanContract.Methods["requestFlashLoan"]
	assert.True(t, bytes.Equal(method.ID, tx.Data()[:4]))
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, usdc.Address, args[0])
	assert.Equal(t, big.NewInt(10_000_000), args[1])

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(client.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, env.From(), sender)
	assert.Equal(t, 1, env.gasLimits.Len())
}

func TestEnvironmentGasLimitsBounded(t *testing.T) {
	env := newTestEnvironment(t, newMockEthClient())
	for i := 0; i < gasLimitCacheSize+10; i++ {
		env.gasLimits.Add(common.BigToHash(big.NewInt(int64(i))), uint64(21000))
	}
	assert.Equal(t, gasLimitCacheSize, env.gasLimits.Len())
}

func TestEnvironmentWaitFinality(t *testing.T) {
	ctx := context.Background()
	req := types.LoanRequest{Asset: usdc, Principal: big.NewInt(10_000_000), Budget: 250_000}

	tests := []struct {
		name       string
		status     uint64
		gasUsed    uint64
		wantStatus types.Status
		wantCode   apperror.Code
	}{
		{name: "success", status: gethtypes.ReceiptStatusSuccessful, gasUsed: 180_000, wantStatus: types.StatusSettled},
		{name: "out_of_gas", status: gethtypes.ReceiptStatusFailed, gasUsed: 250_000, wantStatus: types.StatusReverted, wantCode: apperror.CodeResourceExhausted},
		{name: "revert_without_reason", status: gethtypes.ReceiptStatusFailed, gasUsed: 90_000, wantStatus: types.StatusReverted, wantCode: apperror.CodeUnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockEthClient()
			env := newTestEnvironment(t, client)

			hash, err := env.Submit(ctx, req)
			require.NoError(t, err)

			go func() {
				time.Sleep(20 * time.Millisecond)
				client.mine(hash, tt.status, tt.gasUsed)
			}()

			receipt, err := env.WaitFinality(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, receipt.Status)
			assert.Equal(t, uint64(1201), receipt.Block)
			assert.Equal(t, tt.gasUsed, receipt.GasUsed)
			if tt.wantStatus == types.StatusReverted {
				assert.Equal(t, tt.wantCode, apperror.GetCode(receipt.Reason))
			} else {
				assert.NoError(t, receipt.Reason)
			}

			// A second read classifies the receipt the same way
			again, err := env.WaitFinality(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, apperror.GetCode(receipt.Reason), apperror.GetCode(again.Reason))
		})
	}

	t.Run("timeout", func(t *testing.T) {
		env := newTestEnvironment(t, newMockEthClient())
		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := env.WaitFinality(waitCtx, common.HexToHash("0xabc"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperror.ErrTimeout))
	})
}

func TestEnvironmentBalances(t *testing.T) {
	ctx := context.Background()
	client := newMockEthClient()
	env := newTestEnvironment(t, client)

	client.balances[aavePool] = big.NewInt(5_000_000_000)
	client.balances[usdc.Address] = big.NewInt(42)

	bal, block, err := env.BalanceAt(ctx, usdc.Address, aavePool)
	require.NoError(t, err)
	assert.Equal(t, "5000000000", bal.String())
	assert.Equal(t, uint64(1200), block)
	assert.Equal(t, big.NewInt(1200), client.lastBlock)

	held, err := env.ContractBalance(ctx, usdc.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(42), held.Int64())
}

func TestEnvironmentCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	client := newMockEthClient()
	env := newTestEnvironment(t, client)
	client.callErr = errors.New("connection refused")

	for i := 0; i < 5; i++ {
		_, _, err := env.BalanceAt(ctx, usdc.Address, aavePool)
		require.Error(t, err)
		assert.Equal(t, apperror.CodeRPCError, apperror.GetCode(err))
	}
	assert.Equal(t, 5, client.calls)

	// Open: the node is no longer hit
	_, _, err := env.BalanceAt(ctx, usdc.Address, aavePool)
	require.Error(t, err)
	assert.Equal(t, 5, client.calls)
}

func TestNewEnvironmentRequiresKey(t *testing.T) {
	_, err := NewEnvironment(context.Background(), newMockEthClient(), nil, Config{}, nil)
	assert.Equal(t, apperror.CodeConfigurationError, apperror.GetCode(err))
}
