package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/ledger"
	"github.com/michaelpento.lv/flashsettle/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	operator = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdcAddr = common.HexToAddress("0x07865c6e87b9f70255377e024ace6630c1eaa37f")
	pool     = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

type failingSource struct{}

func (failingSource) BalanceAt(context.Context, common.Address, common.Address) (*big.Int, uint64, error) {
	return nil, 0, errors.New("node unavailable")
}

func setup(t *testing.T) (*registry.Registry, *ledger.Ledger) {
	t.Helper()
	reg := registry.New(operator, zaptest.NewLogger(t))
	require.NoError(t, reg.Register(operator, "USDC", usdcAddr, 6))

	l := ledger.New()
	t.Cleanup(l.Close)
	require.NoError(t, l.Mint(context.Background(), usdcAddr, pool, big.NewInt(1_000_000_000), "USDC"))
	return reg, l
}

func TestOracle(t *testing.T) {
	ctx := context.Background()
	reg, l := setup(t)
	o := New(reg, l, zaptest.NewLogger(t))

	t.Run("BalanceOf", func(t *testing.T) {
		bal, err := o.BalanceOf(ctx, "usdc", pool)
		require.NoError(t, err)
		assert.Equal(t, "1000000000", bal.String())
	})

	t.Run("NeverFundedAccount", func(t *testing.T) {
		bal, err := o.BalanceOf(ctx, "USDC", common.HexToAddress("0x09"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), bal.Int64())
	})

	t.Run("Snapshot", func(t *testing.T) {
		fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		o.now = func() time.Time { return fixed }
		defer func() { o.now = time.Now }()

		snap, err := o.Snapshot(ctx, "USDC", pool)
		require.NoError(t, err)
		assert.Equal(t, "USDC", snap.Asset.Symbol)
		assert.Equal(t, uint64(6), uint64(snap.Asset.Decimals))
		assert.Equal(t, l.Height(), snap.Block)
		assert.Equal(t, fixed, snap.ObservedAt)
	})

	t.Run("UnknownAsset", func(t *testing.T) {
		_, err := o.BalanceOf(ctx, "DAI", pool)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperror.ErrUnknownAsset))
	})

	t.Run("SourceError", func(t *testing.T) {
		bad := New(reg, failingSource{}, nil)
		_, err := bad.BalanceOf(ctx, "USDC", pool)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "node unavailable")
	})
}
