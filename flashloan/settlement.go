package flashloan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/ledger"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/michaelpento.lv/flashsettle/utils/math"
)

// Settlement is one borrow, use and repay attempt. It lives for a single
// unit of execution and is discarded once that unit is final.
type Settlement struct {
	ID      string
	Request types.LoanRequest
	Pool    common.Address
	Fee     *big.Int

	Pre  *types.BalanceSnapshot
	Post *types.BalanceSnapshot

	state types.SettlementState
	err   error
}

// NewSettlement prepares an attempt; the fee rounds up in the pool's favour
func NewSettlement(req types.LoanRequest, pool common.Address, feeBps uint16) *Settlement {
	fee := new(big.Int)
	if req.Principal != nil && req.Principal.Sign() > 0 {
		fee = math.CalculateFlashLoanFee(req.Principal, feeBps)
	}
	return &Settlement{
		ID:      uuid.New().String(),
		Request: req,
		Pool:    pool,
		Fee:     fee,
		state:   types.StateInitiated,
	}
}

// State returns the current state
func (s *Settlement) State() types.SettlementState {
	return s.state
}

// Err returns the abort reason, if any
func (s *Settlement) Err() error {
	return s.err
}

// Run drives the attempt inside the unit backing l. A returned error means
// the unit must not commit.
func (s *Settlement) Run(ctx context.Context, l Ledger, use Receiver, events Emitter) error {
	req := s.Request
	token := req.Asset.Address

	// Initiated: validation failures leave the state untouched
	poolBefore, err := s.validate(l)
	if err != nil {
		s.err = err
		return err
	}
	owed := new(big.Int).Add(req.Principal, s.Fee)

	// Borrowed
	s.Pre = s.snapshot(s.Pool, poolBefore, l.Block())
	borrowerBefore, err := l.BalanceOf(token, req.Borrower)
	if err != nil {
		return s.abort(err)
	}
	if err := l.Transfer(token, s.Pool, req.Borrower, req.Principal); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			err = apperror.New(apperror.CodeInsufficientLiquidity, apperror.WithCause(err))
		}
		return s.abort(err)
	}
	s.state = types.StateBorrowed
	if err := s.emitPair(events,
		new(big.Int).Sub(poolBefore, req.Principal),
		new(big.Int).Add(borrowerBefore, req.Principal)); err != nil {
		return s.abort(err)
	}

	// UserLogicExecuted
	if use == nil {
		use = Noop
	}
	loan := LoanContext{
		ID:        s.ID,
		Asset:     req.Asset,
		Principal: new(big.Int).Set(req.Principal),
		Fee:       new(big.Int).Set(s.Fee),
		Borrower:  req.Borrower,
		Pool:      s.Pool,
		Ledger:    guardedLedger{Ledger: l, pool: s.Pool, borrower: req.Borrower},
	}
	if err := use.ExecuteOperation(ctx, loan); err != nil {
		return s.abort(apperror.Wrap(err, apperror.CodeReverted, "use step"))
	}
	s.state = types.StateUserLogicExecuted

	held, err := l.BalanceOf(token, req.Borrower)
	if err != nil {
		return s.abort(err)
	}
	if held.Cmp(owed) < 0 {
		return s.abort(apperror.Newf(apperror.CodeSettlementInvariantViolated,
			"borrower holds %s, owes %s", req.Asset.Format(held), req.Asset.Format(owed)))
	}

	// Repaid
	if err := l.Transfer(token, req.Borrower, s.Pool, owed); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			err = apperror.New(apperror.CodeSettlementInvariantViolated, apperror.WithCause(err))
		}
		return s.abort(err)
	}
	poolAfter, err := l.BalanceOf(token, s.Pool)
	if err != nil {
		return s.abort(err)
	}
	s.Post = s.snapshot(s.Pool, poolAfter, l.Block())

	floor := new(big.Int).Add(poolBefore, s.Fee)
	if poolAfter.Cmp(floor) < 0 {
		return s.abort(apperror.Newf(apperror.CodeSettlementInvariantViolated,
			"pool holds %s, expected at least %s", req.Asset.Format(poolAfter), req.Asset.Format(floor)))
	}
	if err := s.emitPair(events, poolAfter, new(big.Int).Sub(held, owed)); err != nil {
		return s.abort(err)
	}

	s.state = types.StateRepaid
	return nil
}

func (s *Settlement) validate(l Ledger) (*big.Int, error) {
	req := s.Request
	if req.Principal == nil || req.Principal.Sign() <= 0 {
		return nil, apperror.New(apperror.CodeInvalidAmount, apperror.WithContext(fmt.Sprint(req.Principal)))
	}
	if req.Asset.Address == (common.Address{}) {
		return nil, apperror.New(apperror.CodeUnknownAsset, apperror.WithContext(req.Asset.Symbol))
	}

	liquidity, err := l.BalanceOf(req.Asset.Address, s.Pool)
	if err != nil {
		return nil, err
	}
	if liquidity.Cmp(req.Principal) < 0 {
		return nil, apperror.Newf(apperror.CodeInsufficientLiquidity,
			"pool holds %s, requested %s", req.Asset.Format(liquidity), req.Asset.Format(req.Principal))
	}
	return liquidity, nil
}

func (s *Settlement) abort(err error) error {
	s.state = types.StateAborted
	s.err = err
	return err
}

func (s *Settlement) snapshot(account common.Address, amount *big.Int, block uint64) *types.BalanceSnapshot {
	return &types.BalanceSnapshot{
		Asset:      s.Request.Asset,
		Account:    account,
		Amount:     new(big.Int).Set(amount),
		Block:      block,
		ObservedAt: time.Now(),
	}
}

func (s *Settlement) emitPair(events Emitter, pool, borrower *big.Int) error {
	if events == nil {
		return nil
	}
	symbol := s.Request.Asset.Symbol
	if err := events.Emit(types.BalanceUpdateEvent{Symbol: symbol, Address: s.Pool, Balance: pool}); err != nil {
		return err
	}
	return events.Emit(types.BalanceUpdateEvent{Symbol: symbol, Address: s.Request.Borrower, Balance: borrower})
}
