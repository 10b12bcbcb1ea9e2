// Package execution orchestrates flash-loan requests end to end against an
// execution environment and reports their outcome.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/notify"
	"github.com/michaelpento.lv/flashsettle/oracle"
	"github.com/michaelpento.lv/flashsettle/registry"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/michaelpento.lv/flashsettle/utils/math"
	"github.com/michaelpento.lv/flashsettle/utils/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultCacheSize = 1024

// Environment accepts settlement attempts and reports their finality
type Environment interface {
	Submit(ctx context.Context, req types.LoanRequest) (common.Hash, error)
	WaitFinality(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Pool() common.Address
	FeeBps() uint16
}

// Subscriber is the notification side the client observes
type Subscriber interface {
	Subscribe(ctx context.Context, filter notify.Predicate) (<-chan types.BalanceUpdateEvent, func())
}

// pendingRequest remembers what was asked for until the attempt is final
type pendingRequest struct {
	asset     types.Asset
	principal *big.Int
	fee       *big.Int
	borrower  common.Address
}

// Client is safe for concurrent use. It never retries a request.
type Client struct {
	registry *registry.Registry
	oracle   *oracle.Oracle
	env      Environment
	events   Subscriber
	borrower common.Address
	budget   uint64

	limiter  *rate.Limiter
	outcomes *lru.Cache
	requests *lru.Cache // in-flight attempts, bounded so abandoned ones age out
	reg      prometheus.Registerer
	metrics  *metrics.ClientMetrics
	logger   *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithBudget sets the default execution budget for requests
func WithBudget(budget uint64) Option {
	return func(c *Client) {
		c.budget = budget
	}
}

// WithRateLimit throttles submissions to r per second with the given burst
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithEvents observes balance updates for the duration of each request
func WithEvents(s Subscriber) Option {
	return func(c *Client) {
		c.events = s
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRegisterer registers the client metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.reg = reg
	}
}

// NewClient creates a client acting for borrower
func NewClient(reg *registry.Registry, o *oracle.Oracle, env Environment, borrower common.Address, opts ...Option) (*Client, error) {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome cache: %w", err)
	}
	requests, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create request cache: %w", err)
	}

	c := &Client{
		registry: reg,
		oracle:   o,
		env:      env,
		borrower: borrower,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		outcomes: cache,
		requests: requests,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reg == nil {
		c.reg = prometheus.NewRegistry()
	}
	c.metrics = metrics.NewClientMetrics(c.reg)
	return c, nil
}

// Register binds symbol to address on behalf of caller
func (c *Client) Register(caller common.Address, symbol string, address common.Address, decimals uint8) error {
	return c.registry.Register(caller, symbol, address, decimals)
}

// Resolve returns the asset registered under symbol
func (c *Client) Resolve(symbol string) (types.Asset, error) {
	return c.registry.Resolve(symbol)
}

// BalanceOf returns the committed balance of account in base units
func (c *Client) BalanceOf(ctx context.Context, symbol string, account common.Address) (*big.Int, error) {
	return c.oracle.BalanceOf(ctx, symbol, account)
}

// RequestOption adjusts a single request
type RequestOption func(*types.LoanRequest)

// WithRequestBudget overrides the execution budget for one request
func WithRequestBudget(budget uint64) RequestOption {
	return func(r *types.LoanRequest) {
		r.Budget = budget
	}
}

// WithBorrower borrows on behalf of another account
func WithBorrower(addr common.Address) RequestOption {
	return func(r *types.LoanRequest) {
		r.Borrower = addr
	}
}

// RequestFlashLoan borrows amount (in whole units of the asset) and waits for
// the attempt to become final.
//
// The error is nil only for a settled outcome. Failures before submission
// return a nil outcome. If ctx ends before finality the outcome is pending
// and the error carries TIMEOUT; the attempt may still settle and can be
// re-read with Requery.
func (c *Client) RequestFlashLoan(ctx context.Context, symbol string, amount decimal.Decimal, opts ...RequestOption) (*types.Outcome, error) {
	c.metrics.Requests.Inc()

	asset, err := c.registry.Resolve(symbol)
	if err != nil {
		c.record("rejected", err)
		return nil, err
	}
	principal, err := asset.ToBaseUnits(amount)
	if err != nil {
		c.record("rejected", err)
		return nil, err
	}

	req := types.LoanRequest{
		Asset:     asset,
		Principal: principal,
		Borrower:  c.borrower,
		Budget:    c.budget,
	}
	for _, opt := range opts {
		opt(&req)
	}

	// Advisory only; the environment checks again atomically
	liquidity, err := c.oracle.BalanceOf(ctx, asset.Symbol, c.env.Pool())
	if err != nil {
		c.record("rejected", err)
		return nil, err
	}
	if liquidity.Cmp(principal) < 0 {
		err := apperror.Newf(apperror.CodeInsufficientLiquidity,
			"pool holds %s, requested %s", asset.Format(liquidity), asset.Format(principal))
		c.record("rejected", err)
		return nil, err
	}

	stop := c.observe(ctx, asset.Symbol)
	defer stop()

	if !c.limiter.Allow() {
		c.metrics.Throttled.Inc()
		if err := c.limiter.Wait(ctx); err != nil {
			err = apperror.New(apperror.CodeTimeout, apperror.WithContext("submission throttled"), apperror.WithCause(err))
			c.record(types.StatusPending.String(), err)
			return nil, err
		}
	}

	hash, err := c.env.Submit(ctx, req)
	if err != nil {
		c.record("rejected", err)
		return nil, err
	}

	p := pendingRequest{
		asset:     asset,
		principal: principal,
		fee:       math.CalculateFlashLoanFee(principal, c.env.FeeBps()),
		borrower:  req.Borrower,
	}
	c.requests.Add(hash, p)

	c.logger.Info("Flash loan requested",
		zap.String("tx_hash", hash.Hex()),
		zap.String("amount", asset.Format(principal)),
		zap.String("borrower", req.Borrower.Hex()),
		zap.Uint64("budget", req.Budget))

	return c.await(ctx, hash)
}

// Requery re-reads the finality of an earlier attempt
func (c *Client) Requery(ctx context.Context, hash common.Hash) (*types.Outcome, error) {
	if v, ok := c.outcomes.Get(hash); ok {
		outcome := v.(*types.Outcome)
		return outcome, outcome.Reason
	}
	return c.await(ctx, hash)
}

func (c *Client) await(ctx context.Context, hash common.Hash) (*types.Outcome, error) {
	var p pendingRequest
	if v, ok := c.requests.Get(hash); ok {
		p = v.(pendingRequest)
	}

	start := time.Now()
	receipt, err := c.env.WaitFinality(ctx, hash)
	c.metrics.FinalityWait.Observe(time.Since(start).Seconds())

	if errors.Is(err, apperror.ErrUnknownTx) {
		c.forget(hash)
		c.record("rejected", err)
		return nil, err
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, apperror.ErrTimeout) {
			err = apperror.Wrap(err, apperror.CodeTimeout, hash.Hex())
		}
		outcome := c.outcome(p, hash)
		outcome.Status = types.StatusPending
		outcome.Reason = err
		c.record(types.StatusPending.String(), err)
		c.logger.Warn("Finality not observed",
			zap.String("tx_hash", hash.Hex()),
			zap.Error(err))
		return outcome, err
	}

	outcome := c.interpret(ctx, p, receipt)

	c.forget(hash)
	c.outcomes.Add(hash, outcome)
	c.record(outcome.Status.String(), outcome.Reason)

	return outcome, outcome.Reason
}

func (c *Client) interpret(ctx context.Context, p pendingRequest, r *types.Receipt) *types.Outcome {
	outcome := c.outcome(p, r.TxHash)
	outcome.Block = r.Block

	if r.Status != types.StatusSettled {
		reason := r.Reason
		if reason == nil {
			reason = apperror.New(apperror.CodeUnknownError, apperror.WithMessage("Execution reverted without a reason"))
		}
		outcome.Status = types.StatusReverted
		outcome.Reason = reason
		c.logger.Warn("Flash loan reverted",
			zap.String("tx_hash", r.TxHash.Hex()),
			zap.Uint64("block", r.Block),
			zap.String("code", string(apperror.GetCode(reason))),
			zap.Error(reason))
		return outcome
	}

	outcome.Status = types.StatusSettled
	if p.asset.Symbol != "" {
		var err error
		if outcome.PoolBalance, err = c.oracle.BalanceOf(ctx, p.asset.Symbol, c.env.Pool()); err != nil {
			c.logger.Warn("Failed to read final pool balance", zap.Error(err))
		}
		if outcome.BorrowerBalance, err = c.oracle.BalanceOf(ctx, p.asset.Symbol, p.borrower); err != nil {
			c.logger.Warn("Failed to read final borrower balance", zap.Error(err))
		}
	}

	c.logger.Info("Flash loan settled",
		zap.String("tx_hash", r.TxHash.Hex()),
		zap.Uint64("block", r.Block),
		zap.Uint64("gas_used", r.GasUsed),
		zap.String("fee", p.asset.Format(p.fee)))
	return outcome
}

func (c *Client) outcome(p pendingRequest, hash common.Hash) *types.Outcome {
	return &types.Outcome{
		TxHash:    hash,
		Asset:     p.asset,
		Principal: p.principal,
		Fee:       p.fee,
	}
}

// observe logs balance updates for symbol until the returned func is called
func (c *Client) observe(ctx context.Context, symbol string) func() {
	if c.events == nil {
		return func() {}
	}

	sub, cancel := c.events.Subscribe(ctx, notify.BySymbol(symbol))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			c.metrics.EventsObserved.Inc()
			c.logger.Debug("Balance updated",
				zap.String("symbol", ev.Symbol),
				zap.String("address", ev.Address.Hex()),
				zap.String("balance", ev.Balance.String()))
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *Client) forget(hash common.Hash) {
	c.requests.Remove(hash)
}

func (c *Client) record(status string, err error) {
	code := ""
	if err != nil {
		code = string(apperror.GetCode(err))
	}
	c.metrics.Outcomes.WithLabelValues(status, code).Inc()
}
