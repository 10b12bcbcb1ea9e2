// Package oracle answers balance queries by asset symbol against committed state.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/types"
	"go.uber.org/zap"
)

// Source reads committed balances. It returns the block the read was made at.
type Source interface {
	BalanceAt(ctx context.Context, token, account common.Address) (*big.Int, uint64, error)
}

// Resolver maps symbols to assets
type Resolver interface {
	Resolve(symbol string) (types.Asset, error)
}

// Oracle is read-only and never observes an in-flight attempt
type Oracle struct {
	assets Resolver
	source Source
	logger *zap.Logger
	now    func() time.Time
}

func New(assets Resolver, source Source, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		assets: assets,
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// BalanceOf returns the committed balance of account for symbol in base units
func (o *Oracle) BalanceOf(ctx context.Context, symbol string, account common.Address) (*big.Int, error) {
	snap, err := o.Snapshot(ctx, symbol, account)
	if err != nil {
		return nil, err
	}
	return snap.Amount, nil
}

// Snapshot reads a balance and stamps it with the block and wall-clock time
func (o *Oracle) Snapshot(ctx context.Context, symbol string, account common.Address) (types.BalanceSnapshot, error) {
	asset, err := o.assets.Resolve(symbol)
	if err != nil {
		return types.BalanceSnapshot{}, err
	}

	amount, block, err := o.source.BalanceAt(ctx, asset.Address, account)
	if err != nil {
		return types.BalanceSnapshot{}, fmt.Errorf("balance of %s for %s: %w", asset.Symbol, account.Hex(), err)
	}

	o.logger.Debug("Balance read",
		zap.String("symbol", asset.Symbol),
		zap.String("account", account.Hex()),
		zap.String("amount", amount.String()),
		zap.Uint64("block", block))

	return types.BalanceSnapshot{
		Asset:      asset,
		Account:    account,
		Amount:     amount,
		Block:      block,
		ObservedAt: o.now(),
	}, nil
}
