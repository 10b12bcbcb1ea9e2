package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/types"
)

// Gas schedule for the operations a unit may perform
const (
	GasBase        uint64 = 21000
	GasBalanceRead uint64 = 2100
	GasTransfer    uint64 = 10000
	GasEmit        uint64 = 1500
)

// ErrInsufficientBalance is returned by Transfer when the sender cannot cover the amount
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

type key struct {
	token   common.Address
	account common.Address
}

// Unit is one atomic unit of execution. All reads and writes go through a
// private overlay; nothing is visible to other units until commit.
type Unit struct {
	ledger   *Ledger
	from     common.Address
	block    uint64
	reads    map[key]uint64
	writes   map[key]*big.Int
	events   []types.BalanceUpdateEvent
	gasLimit uint64
	gasUsed  uint64
}

func newUnit(l *Ledger, from common.Address, gasLimit uint64) *Unit {
	return &Unit{
		ledger:   l,
		from:     from,
		block:    l.Height() + 1,
		reads:    make(map[key]uint64),
		writes:   make(map[key]*big.Int),
		gasLimit: gasLimit,
	}
}

// From returns the account that submitted the unit
func (u *Unit) From() common.Address {
	return u.from
}

// Block returns the block the unit will be included in
func (u *Unit) Block() uint64 {
	return u.block
}

// GasUsed returns the budget consumed so far
func (u *Unit) GasUsed() uint64 {
	return u.gasUsed
}

// GasLeft returns the remaining budget
func (u *Unit) GasLeft() uint64 {
	return u.gasLimit - u.gasUsed
}

func (u *Unit) charge(gas uint64) error {
	if u.gasLimit-u.gasUsed < gas {
		u.gasUsed = u.gasLimit
		return apperror.New(apperror.CodeResourceExhausted,
			apperror.WithContext(fmt.Sprintf("budget %d", u.gasLimit)))
	}
	u.gasUsed += gas
	return nil
}

// BalanceOf reads an account balance as seen by this unit
func (u *Unit) BalanceOf(token, account common.Address) (*big.Int, error) {
	if err := u.charge(GasBalanceRead); err != nil {
		return nil, err
	}
	return new(big.Int).Set(u.get(key{token, account})), nil
}

// Transfer moves amount of token between accounts inside the unit
func (u *Unit) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return apperror.New(apperror.CodeInvalidAmount)
	}
	if err := u.charge(GasTransfer); err != nil {
		return err
	}

	src := u.get(key{token, from})
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), src, amount)
	}
	dst := u.get(key{token, to})

	u.writes[key{token, from}] = new(big.Int).Sub(src, amount)
	if from == to {
		u.writes[key{token, to}] = new(big.Int).Set(src)
		return nil
	}
	u.writes[key{token, to}] = new(big.Int).Add(dst, amount)
	return nil
}

// Emit buffers an event; it is published only if the unit commits
func (u *Unit) Emit(ev types.BalanceUpdateEvent) error {
	if err := u.charge(GasEmit); err != nil {
		return err
	}
	if ev.Balance != nil {
		ev.Balance = new(big.Int).Set(ev.Balance)
	}
	u.events = append(u.events, ev)
	return nil
}

func (u *Unit) mint(token, account common.Address, amount *big.Int) {
	k := key{token, account}
	u.writes[k] = new(big.Int).Add(u.get(k), amount)
}

// get returns the overlay value, falling back to committed state and
// recording the version read for commit-time validation
func (u *Unit) get(k key) *big.Int {
	if v, ok := u.writes[k]; ok {
		return v
	}
	amount, version := u.ledger.load(k)
	if _, seen := u.reads[k]; !seen {
		u.reads[k] = version
	}
	return amount
}
