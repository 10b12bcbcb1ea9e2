package flashloan

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/types"
)

// Ledger is the view of the unit of execution a settlement runs inside.
// Every effect made through it is retracted if the unit does not commit.
type Ledger interface {
	BalanceOf(token, account common.Address) (*big.Int, error)
	Transfer(token, from, to common.Address, amount *big.Int) error
	Block() uint64
}

// Emitter buffers balance updates for publication on commit
type Emitter interface {
	Emit(types.BalanceUpdateEvent) error
}

// Receiver is the use-of-funds step. When ExecuteOperation returns, the
// borrower must hold at least principal plus fee or the attempt aborts.
type Receiver interface {
	ExecuteOperation(ctx context.Context, loan LoanContext) error
}

// ReceiverFunc adapts a function to Receiver
type ReceiverFunc func(ctx context.Context, loan LoanContext) error

func (f ReceiverFunc) ExecuteOperation(ctx context.Context, loan LoanContext) error {
	return f(ctx, loan)
}

// Noop leaves the borrowed funds untouched; the borrower pays the fee from
// its own holdings
var Noop Receiver = ReceiverFunc(func(context.Context, LoanContext) error { return nil })
