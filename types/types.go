package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/shopspring/decimal"
)

// Asset is a fungible token known to the registry. Values are copied on
// resolve so a registered Asset is never mutated in place.
type Asset struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// String returns the ticker symbol
func (a Asset) String() string {
	return a.Symbol
}

// ToBaseUnits scales a human-readable amount by the asset decimals.
// Fractions finer than the asset precision and non-positive values are rejected.
func (a Asset) ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, apperror.Newf(apperror.CodeInvalidAmount, "%s %s", amount.String(), a.Symbol)
	}
	scaled := amount.Shift(int32(a.Decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, apperror.Newf(apperror.CodeInvalidAmount, "%s exceeds %d decimals of %s", amount.String(), a.Decimals, a.Symbol)
	}
	return scaled.BigInt(), nil
}

// ParseAmount parses a decimal string such as "10" or "0.5" into base units
func (a Asset) ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, apperror.New(apperror.CodeInvalidAmount, apperror.WithContext(s), apperror.WithCause(err))
	}
	return a.ToBaseUnits(d)
}

// FromBaseUnits converts a base-unit amount for display
func (a Asset) FromBaseUnits(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(a.Decimals))
}

// Format renders a base-unit amount as e.g. "10.009 USDC"
func (a Asset) Format(raw *big.Int) string {
	return fmt.Sprintf("%s %s", a.FromBaseUnits(raw).String(), a.Symbol)
}

// LoanRequest asks for Principal base units of Asset on behalf of Borrower
type LoanRequest struct {
	Asset     Asset
	Principal *big.Int
	Borrower  common.Address
	Budget    uint64 // Execution budget, the analogue of a gas limit
}

// BalanceSnapshot is a point-in-time read of an account's holdings
type BalanceSnapshot struct {
	Asset      Asset
	Account    common.Address
	Amount     *big.Int
	Block      uint64
	ObservedAt time.Time
}

// BalanceUpdateEvent is published after a balance-affecting transition
type BalanceUpdateEvent struct {
	Symbol  string         `json:"symbol"`
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
}

// SettlementState tracks one flash-loan attempt
type SettlementState int

const (
	StateInitiated SettlementState = iota
	StateBorrowed
	StateUserLogicExecuted
	StateRepaid
	StateAborted
)

func (s SettlementState) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateBorrowed:
		return "borrowed"
	case StateUserLogicExecuted:
		return "user_logic_executed"
	case StateRepaid:
		return "repaid"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Status is the terminal (or not yet terminal) result seen by a client
type Status int

const (
	StatusPending Status = iota
	StatusSettled
	StatusReverted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSettled:
		return "settled"
	case StatusReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Receipt is what an execution environment reports once a unit is final
type Receipt struct {
	TxHash  common.Hash
	Status  Status
	Block   uint64
	GasUsed uint64
	Reason  error // Nil when the environment does not surface one
	Events  []BalanceUpdateEvent
}

// Outcome is reported to the caller of a flash-loan request
type Outcome struct {
	Status          Status
	TxHash          common.Hash
	Block           uint64
	Asset           Asset
	Principal       *big.Int
	Fee             *big.Int
	PoolBalance     *big.Int // Final balances, set when settled
	BorrowerBalance *big.Int
	Reason          error
}
