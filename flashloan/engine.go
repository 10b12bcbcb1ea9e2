package flashloan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/ledger"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/michaelpento.lv/flashsettle/utils/math"
	"github.com/michaelpento.lv/flashsettle/utils/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Engine runs settlements against the in-process ledger on behalf of one pool
type Engine struct {
	mu        sync.RWMutex
	receivers map[common.Address]Receiver

	ledger  *ledger.Ledger
	pool    common.Address
	feeBps  uint16
	metrics *metrics.SettlementMetrics
	logger  *zap.Logger
}

// NewEngine creates an engine lending from pool at feeBps
func NewEngine(l *ledger.Ledger, pool common.Address, feeBps uint16, reg prometheus.Registerer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Engine{
		receivers: make(map[common.Address]Receiver),
		ledger:    l,
		pool:      pool,
		feeBps:    feeBps,
		metrics:   metrics.NewSettlementMetrics(reg),
		logger:    logger,
	}
}

// Pool returns the custody account loans are drawn from
func (e *Engine) Pool() common.Address {
	return e.pool
}

// FeeBps returns the pool fee in basis points
func (e *Engine) FeeBps() uint16 {
	return e.feeBps
}

// RegisterReceiver binds the use-of-funds step for borrower
func (e *Engine) RegisterReceiver(borrower common.Address, r Receiver) error {
	if r == nil {
		return fmt.Errorf("receiver for %s is nil", borrower.Hex())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.receivers[borrower]; exists {
		return fmt.Errorf("receiver already registered for %s", borrower.Hex())
	}
	e.receivers[borrower] = r
	return nil
}

func (e *Engine) receiver(borrower common.Address) Receiver {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if r, ok := e.receivers[borrower]; ok {
		return r
	}
	return Noop
}

// Submit queues one settlement attempt and returns its transaction hash
func (e *Engine) Submit(ctx context.Context, req types.LoanRequest) (common.Hash, error) {
	if req.Budget == 0 {
		req.Budget = DefaultBudget
	}

	s := NewSettlement(req, e.pool, e.feeBps)
	use := e.receiver(req.Borrower)
	start := time.Now()

	e.metrics.Attempts.Inc()
	e.metrics.Active.Inc()

	hash, err := e.ledger.Submit(ctx, ledger.Call{
		From:     req.Borrower,
		GasLimit: req.Budget,
		Run: func(ctx context.Context, u *ledger.Unit) error {
			return s.Run(ctx, u, use, u)
		},
		Done: func(r *types.Receipt) {
			e.finalize(s, r, time.Since(start))
		},
	})
	if err != nil {
		e.metrics.Active.Dec()
		return common.Hash{}, err
	}

	e.logger.Info("Flash loan submitted",
		zap.String("settlement_id", s.ID),
		zap.String("tx_hash", hash.Hex()),
		zap.String("asset", req.Asset.Symbol),
		zap.String("principal", req.Principal.String()),
		zap.String("fee", s.Fee.String()),
		zap.Uint64("budget", req.Budget))

	return hash, nil
}

// WaitFinality blocks until the attempt is final or ctx ends
func (e *Engine) WaitFinality(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return e.ledger.WaitMined(ctx, hash)
}

func (e *Engine) finalize(s *Settlement, r *types.Receipt, elapsed time.Duration) {
	e.metrics.Active.Dec()
	e.metrics.Latency.Observe(elapsed.Seconds())
	if r.Status != types.StatusSettled && s.State() != types.StateInitiated {
		s.abort(r.Reason)
	}

	fields := []zap.Field{
		zap.String("settlement_id", s.ID),
		zap.String("tx_hash", r.TxHash.Hex()),
		zap.Uint64("block", r.Block),
		zap.Uint64("gas_used", r.GasUsed),
		zap.Stringer("state", s.State()),
	}

	if r.Status == types.StatusSettled {
		symbol := s.Request.Asset.Symbol
		e.metrics.Settled.Inc()
		e.metrics.Volume.WithLabelValues(symbol).Add(math.ToFloat64(s.Request.Principal))
		e.metrics.Fees.WithLabelValues(symbol).Add(math.ToFloat64(s.Fee))
		e.logger.Info("Flash loan settled", fields...)
	} else {
		e.metrics.Aborted.WithLabelValues(string(apperror.GetCode(r.Reason))).Inc()
		e.logger.Warn("Flash loan aborted", append(fields, zap.Error(r.Reason))...)
	}
	e.metrics.UpdateSuccessRate()
}
