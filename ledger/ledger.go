// Package ledger is an in-process execution environment: account balances,
// atomic units of execution with full rollback, gas-style budgets and
// block-based finality.
package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/michaelpento.lv/flashsettle/utils/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Publisher receives the events of committed units
type Publisher interface {
	Emit(types.BalanceUpdateEvent)
}

// Call describes one unit of execution
type Call struct {
	From     common.Address
	GasLimit uint64
	Run      func(ctx context.Context, u *Unit) error

	// Done, if set, observes the receipt once the unit is final
	Done func(*types.Receipt)
}

type entry struct {
	amount  *big.Int
	version uint64
}

// Ledger holds committed balances and the receipts of finalized units
type Ledger struct {
	mu       sync.RWMutex
	state    map[key]*entry
	height   uint64
	receipts map[common.Hash]*types.Receipt
	pending  map[common.Hash]chan struct{}

	nonce         atomic.Uint64
	finalityDelay time.Duration
	publisher     Publisher
	metrics       *metrics.LedgerMetrics
	logger        *zap.Logger
	wg            sync.WaitGroup
	closed        chan struct{}
	closeOnce     sync.Once
}

// Option configures a Ledger
type Option func(*Ledger)

// WithFinalityDelay delays the execution of submitted units, simulating
// inclusion latency
func WithFinalityDelay(d time.Duration) Option {
	return func(l *Ledger) {
		l.finalityDelay = d
	}
}

// WithPublisher routes committed events to p
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) {
		l.publisher = p
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithRegisterer registers the ledger metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Ledger) {
		l.metrics = metrics.NewLedgerMetrics(reg)
	}
}

// New creates an empty ledger at height zero
func New(opts ...Option) *Ledger {
	l := &Ledger{
		state:    make(map[key]*entry),
		receipts: make(map[common.Hash]*types.Receipt),
		pending:  make(map[common.Hash]chan struct{}),
		logger:   zap.NewNop(),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.NewLedgerMetrics(prometheus.NewRegistry())
	}
	return l
}

// Height returns the number of the last block
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

// BalanceAt reads a committed balance together with the current height
func (l *Ledger) BalanceAt(_ context.Context, token, account common.Address) (*big.Int, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if e, ok := l.state[key{token, account}]; ok {
		return new(big.Int).Set(e.amount), l.height, nil
	}
	return new(big.Int), l.height, nil
}

// Mint credits amount to account in its own unit, as a deployment fixture
func (l *Ledger) Mint(ctx context.Context, token, account common.Address, amount *big.Int, symbol string) error {
	if amount == nil || amount.Sign() <= 0 {
		return apperror.New(apperror.CodeInvalidAmount)
	}
	receipt := l.Execute(ctx, Call{
		GasLimit: math.MaxUint64,
		Run: func(_ context.Context, u *Unit) error {
			u.mint(token, account, amount)
			bal := u.get(key{token, account})
			return u.Emit(types.BalanceUpdateEvent{Symbol: symbol, Address: account, Balance: bal})
		},
	})
	return receipt.Reason
}

// Burn debits amount from account in its own unit
func (l *Ledger) Burn(ctx context.Context, token, account common.Address, amount *big.Int, symbol string) error {
	if amount == nil || amount.Sign() <= 0 {
		return apperror.New(apperror.CodeInvalidAmount)
	}
	receipt := l.Execute(ctx, Call{
		GasLimit: math.MaxUint64,
		Run: func(_ context.Context, u *Unit) error {
			k := key{token, account}
			bal := u.get(k)
			if bal.Cmp(amount) < 0 {
				return fmt.Errorf("%w: burn %s from %s", ErrInsufficientBalance, amount, account.Hex())
			}
			u.writes[k] = new(big.Int).Sub(bal, amount)
			return u.Emit(types.BalanceUpdateEvent{Symbol: symbol, Address: account, Balance: u.writes[k]})
		},
	})
	return receipt.Reason
}

// Fund moves amount from one account to another outside any loan, emitting
// updates for both sides
func (l *Ledger) Fund(ctx context.Context, token, from, to common.Address, amount *big.Int, symbol string) error {
	receipt := l.Execute(ctx, Call{
		From:     from,
		GasLimit: math.MaxUint64,
		Run: func(_ context.Context, u *Unit) error {
			if err := u.Transfer(token, from, to, amount); err != nil {
				return err
			}
			for _, acct := range []common.Address{from, to} {
				if err := u.Emit(types.BalanceUpdateEvent{Symbol: symbol, Address: acct, Balance: u.get(key{token, acct})}); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return receipt.Reason
}

// Execute runs call synchronously and returns its receipt
func (l *Ledger) Execute(ctx context.Context, call Call) *types.Receipt {
	hash := l.nextHash(call.From)
	return l.execute(ctx, hash, call)
}

// Submit queues call for execution and returns its transaction hash
// immediately. The unit runs detached from ctx: once submitted it finalizes
// whether or not the submitter keeps waiting.
func (l *Ledger) Submit(ctx context.Context, call Call) (common.Hash, error) {
	hash := l.nextHash(call.From)

	// Close flips closed under the same lock, so no Add can follow its Wait
	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return common.Hash{}, apperror.New(apperror.CodeReverted, apperror.WithContext("ledger closed"))
	default:
	}
	l.pending[hash] = make(chan struct{})
	l.wg.Add(1)
	l.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer l.wg.Done()
		if l.finalityDelay > 0 {
			timer := time.NewTimer(l.finalityDelay)
			select {
			case <-timer.C:
			case <-l.closed:
				timer.Stop()
			}
		}
		l.execute(runCtx, hash, call)
	}()

	l.logger.Debug("Unit submitted",
		zap.String("tx_hash", hash.Hex()),
		zap.String("from", call.From.Hex()),
		zap.Uint64("gas_limit", call.GasLimit))
	return hash, nil
}

// Receipt returns the receipt of a finalized unit
func (l *Ledger) Receipt(hash common.Hash) (*types.Receipt, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.receipts[hash]
	return r, ok
}

// WaitMined blocks until the unit identified by hash is final or ctx ends
func (l *Ledger) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	l.mu.RLock()
	done, pending := l.pending[hash]
	r, final := l.receipts[hash]
	l.mu.RUnlock()
	if !pending {
		if final {
			return r, nil
		}
		return nil, apperror.New(apperror.CodeUnknownTx, apperror.WithContext(hash.Hex()))
	}

	select {
	case <-done:
		r, _ := l.Receipt(hash)
		return r, nil
	case <-ctx.Done():
		return nil, apperror.New(apperror.CodeTimeout,
			apperror.WithContext(hash.Hex()),
			apperror.WithCause(ctx.Err()))
	}
}

// Close stops accepting submissions and waits for queued units to finalize
func (l *Ledger) Close() {
	l.mu.Lock()
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Ledger) execute(ctx context.Context, hash common.Hash, call Call) *types.Receipt {
	u := newUnit(l, call.From, call.GasLimit)

	err := u.charge(GasBase)
	if err == nil {
		err = run(ctx, u, call.Run)
	}
	receipt := l.commit(hash, u, err)
	if call.Done != nil {
		call.Done(receipt)
	}

	l.mu.Lock()
	if ch, ok := l.pending[hash]; ok {
		close(ch)
		delete(l.pending, hash)
	}
	l.mu.Unlock()
	return receipt
}

// run invokes fn, converting a panic into a revert
func run(ctx context.Context, u *Unit, fn func(context.Context, *Unit) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperror.New(apperror.CodeReverted, apperror.WithContext(fmt.Sprintf("panic: %v", r)))
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(ctx, u)
}

func (l *Ledger) commit(hash common.Hash, u *Unit, runErr error) *types.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()

	if runErr == nil {
		runErr = l.validate(u)
	}

	l.height++
	receipt := &types.Receipt{
		TxHash:  hash,
		Block:   l.height,
		GasUsed: u.gasUsed,
	}

	if runErr != nil {
		receipt.Status = types.StatusReverted
		receipt.Reason = runErr
		l.metrics.Units.WithLabelValues("reverted").Inc()
		l.logger.Debug("Unit reverted",
			zap.String("tx_hash", hash.Hex()),
			zap.Uint64("block", l.height),
			zap.Error(runErr))
	} else {
		for k, v := range u.writes {
			e, ok := l.state[k]
			if !ok {
				e = &entry{}
				l.state[k] = e
			}
			e.amount = v
			e.version++
		}
		receipt.Status = types.StatusSettled
		receipt.Events = u.events
		l.metrics.Units.WithLabelValues("committed").Inc()

		// Published under the commit lock so subscribers see commit order
		if l.publisher != nil {
			for _, ev := range u.events {
				l.publisher.Emit(ev)
			}
		}
	}

	l.metrics.GasUsed.Observe(float64(u.gasUsed))
	l.metrics.Height.Set(float64(l.height))

	l.receipts[hash] = receipt
	return receipt
}

// validate rejects a unit if any balance it read was committed by another
// unit in the meantime. Caller holds l.mu.
func (l *Ledger) validate(u *Unit) error {
	for k, seen := range u.reads {
		var current uint64
		if e, ok := l.state[k]; ok {
			current = e.version
		}
		if current != seen {
			l.metrics.Conflicts.Inc()
			return apperror.New(apperror.CodeWriteConflict,
				apperror.WithContext(fmt.Sprintf("token %s account %s", k.token.Hex(), k.account.Hex())))
		}
	}
	return nil
}

func (l *Ledger) load(k key) (*big.Int, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if e, ok := l.state[k]; ok {
		return new(big.Int).Set(e.amount), e.version
	}
	return new(big.Int), 0
}

func (l *Ledger) nextHash(from common.Address) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce.Add(1))
	return crypto.Keccak256Hash(from.Bytes(), buf[:])
}
