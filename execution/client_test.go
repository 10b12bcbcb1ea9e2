package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/flashloan"
	"github.com/michaelpento.lv/flashsettle/ledger"
	"github.com/michaelpento.lv/flashsettle/notify"
	"github.com/michaelpento.lv/flashsettle/oracle"
	"github.com/michaelpento.lv/flashsettle/registry"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	operator = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdcAddr = common.HexToAddress("0x07865c6e87b9f70255377e024ace6630c1eaa37f")
	pool     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	borrower = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

type harness struct {
	client *Client
	ledger *ledger.Ledger
	engine *flashloan.Engine
	events *notify.Channel
}

func newHarness(t *testing.T, ledgerOpts ...ledger.Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	events := notify.NewChannel(32, prometheus.NewRegistry(), logger)
	l := ledger.New(append([]ledger.Option{ledger.WithPublisher(events), ledger.WithLogger(logger)}, ledgerOpts...)...)
	t.Cleanup(func() {
		l.Close()
		events.Close()
	})

	reg := registry.New(operator, logger)
	require.NoError(t, reg.Register(operator, "USDC", usdcAddr, 6))
	require.NoError(t, l.Mint(ctx, usdcAddr, pool, big.NewInt(100_000_000), "USDC"))

	engine := flashloan.NewEngine(l, pool, flashloan.DefaultFeeBps, prometheus.NewRegistry(), logger)
	client, err := NewClient(reg, oracle.New(reg, l, logger), engine, borrower,
		WithEvents(events),
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
		WithBudget(flashloan.DefaultBudget))
	require.NoError(t, err)

	return &harness{client: client, ledger: l, engine: engine, events: events}
}

func (h *harness) fundBorrower(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, h.ledger.Mint(context.Background(), usdcAddr, borrower, big.NewInt(amount), "USDC"))
}

func TestRequestFlashLoanSettled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundBorrower(t, 1_000_000)

	outcome, err := h.client.RequestFlashLoan(ctx, "USDC", decimal.NewFromInt(10))
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, types.StatusSettled, outcome.Status)
	assert.NotEqual(t, common.Hash{}, outcome.TxHash)
	assert.Equal(t, "USDC", outcome.Asset.Symbol)
	assert.Equal(t, int64(10_000_000), outcome.Principal.Int64())
	assert.Equal(t, int64(9_000), outcome.Fee.Int64())
	assert.Equal(t, int64(100_009_000), outcome.PoolBalance.Int64())
	assert.Equal(t, int64(991_000), outcome.BorrowerBalance.Int64())
	assert.Equal(t, h.ledger.Height(), outcome.Block)

	assert.Equal(t, float64(4), testutil.ToFloat64(h.client.metrics.EventsObserved))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.client.metrics.Outcomes.WithLabelValues("settled", "")))

	again, err := h.client.Requery(ctx, outcome.TxHash)
	require.NoError(t, err)
	assert.Same(t, outcome, again)
	assert.Equal(t, 0, h.client.requests.Len())
}

func TestRequestFlashLoanReverted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Borrower cannot pay the fee
	outcome, err := h.client.RequestFlashLoan(ctx, "usdc", decimal.NewFromInt(10))
	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusReverted, outcome.Status)
	assert.True(t, errors.Is(err, apperror.ErrSettlementInvariantViolated))
	assert.Equal(t, err, outcome.Reason)
	assert.Nil(t, outcome.PoolBalance)

	bal, err := h.client.BalanceOf(ctx, "USDC", pool)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), bal.Int64())
}

func TestRequestFlashLoanBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundBorrower(t, 1_000_000)

	outcome, err := h.client.RequestFlashLoan(ctx, "USDC", decimal.NewFromInt(10), WithRequestBudget(ledger.GasBase+100))
	require.Error(t, err)
	assert.Equal(t, types.StatusReverted, outcome.Status)
	assert.Equal(t, apperror.CodeResourceExhausted, apperror.GetCode(err))
	assert.True(t, apperror.Retryable(err))
}

func TestRequestFlashLoanRejected(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		symbol   string
		amount   decimal.Decimal
		wantCode apperror.Code
	}{
		{name: "unregistered_symbol", symbol: "DAI", amount: decimal.NewFromInt(10), wantCode: apperror.CodeUnknownAsset},
		{name: "zero_amount", symbol: "USDC", amount: decimal.Zero, wantCode: apperror.CodeInvalidAmount},
		{name: "too_precise", symbol: "USDC", amount: decimal.RequireFromString("0.0000001"), wantCode: apperror.CodeInvalidAmount},
		{name: "exceeds_liquidity", symbol: "USDC", amount: decimal.NewFromInt(101), wantCode: apperror.CodeInsufficientLiquidity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sub, cancel := h.events.Subscribe(ctx, notify.All)
			defer cancel()
			height := h.ledger.Height()

			outcome, err := h.client.RequestFlashLoan(ctx, tt.symbol, tt.amount)
			require.Error(t, err)
			assert.Nil(t, outcome)
			assert.Equal(t, tt.wantCode, apperror.GetCode(err))

			assert.Equal(t, height, h.ledger.Height(), "nothing submitted")
			assert.Empty(t, sub, "no events")
		})
	}
}

func TestRequestFlashLoanTimeout(t *testing.T) {
	h := newHarness(t, ledger.WithFinalityDelay(300*time.Millisecond))
	h.fundBorrower(t, 1_000_000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	outcome, err := h.client.RequestFlashLoan(ctx, "USDC", decimal.NewFromInt(10))
	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusPending, outcome.Status)
	assert.Equal(t, apperror.CodeTimeout, apperror.GetCode(err))
	assert.NotEqual(t, common.Hash{}, outcome.TxHash)

	// The attempt finalizes outside the caller's deadline
	later, err := h.client.Requery(context.Background(), outcome.TxHash)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, later.Status)
	assert.Equal(t, int64(10_000_000), later.Principal.Int64())
	assert.Equal(t, int64(100_009_000), later.PoolBalance.Int64())
	assert.Equal(t, 0, h.client.requests.Len())
}

func TestRequestCacheBounded(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < defaultCacheSize+10; i++ {
		h.client.requests.Add(common.BigToHash(big.NewInt(int64(i))), pendingRequest{})
	}
	assert.Equal(t, defaultCacheSize, h.client.requests.Len())
}

func TestRequeryUnknownTransaction(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.client.Requery(context.Background(), common.HexToHash("0xdead"))
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.True(t, errors.Is(err, apperror.ErrUnknownTx))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(h.client.metrics.Outcomes.WithLabelValues("rejected", string(apperror.CodeUnknownTx))))
}

func TestRequestFlashLoanConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fundBorrower(t, 10_000_000)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.client.RequestFlashLoan(ctx, "USDC", decimal.NewFromInt(60))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	settled := 0
	for err := range results {
		if err == nil {
			settled++
			continue
		}
		assert.Contains(t, []apperror.Code{
			apperror.CodeWriteConflict,
			apperror.CodeInsufficientLiquidity,
		}, apperror.GetCode(err))
	}
	assert.GreaterOrEqual(t, settled, 1)

	// Each settled loan paid exactly its fee
	bal, err := h.client.BalanceOf(ctx, "USDC", pool)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000+settled*54_000), bal.Int64())
}

func TestClientRegistry(t *testing.T) {
	h := newHarness(t)
	dai := common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")

	err := h.client.Register(borrower, "DAI", dai, 18)
	assert.True(t, errors.Is(err, apperror.ErrUnauthorized))

	require.NoError(t, h.client.Register(operator, "DAI", dai, 18))
	asset, err := h.client.Resolve("DAI")
	require.NoError(t, err)
	assert.Equal(t, dai, asset.Address)
	assert.Equal(t, uint8(18), asset.Decimals)
}
