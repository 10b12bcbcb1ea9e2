package flashloan

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/types"
)

// DefaultFeeBps matches the 0.09% premium of the common lending pools
const DefaultFeeBps uint16 = 9

// DefaultBudget covers a settlement plus a modest use step
const DefaultBudget uint64 = 300000

// LoanContext is handed to the use-of-funds step
type LoanContext struct {
	ID        string
	Asset     types.Asset
	Principal *big.Int
	Fee       *big.Int
	Borrower  common.Address
	Pool      common.Address

	// Ledger operates inside the same unit; it only moves borrower funds
	Ledger Ledger
}

// AmountOwed is principal plus fee
func (lc LoanContext) AmountOwed() *big.Int {
	return new(big.Int).Add(lc.Principal, lc.Fee)
}

// guardedLedger keeps the use step away from pool custody and lets it spend
// only the borrower's own funds
type guardedLedger struct {
	Ledger
	pool     common.Address
	borrower common.Address
}

func (g guardedLedger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if from == g.pool {
		return apperror.New(apperror.CodeUnauthorized,
			apperror.WithMessage("Use step may not move pool funds"),
			apperror.WithContext(g.pool.Hex()))
	}
	if from != g.borrower {
		return apperror.New(apperror.CodeUnauthorized,
			apperror.WithMessage("Use step may only spend borrower funds"),
			apperror.WithContext(from.Hex()))
	}
	return g.Ledger.Transfer(token, from, to, amount)
}
