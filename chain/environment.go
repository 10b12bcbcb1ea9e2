// Package chain submits flash-loan attempts to a deployed contract over
// JSON-RPC and reads ERC-20 balances from the node.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 2 * time.Second
	gasLimitCacheSize   = 4096
)

// Config describes the deployed contract and the pool it borrows from
type Config struct {
	Contract     common.Address
	Pool         common.Address
	ChainID      *big.Int
	FeeBps       uint16
	PollInterval time.Duration
}

// Environment is the RPC-backed execution environment. The deployed contract
// is the borrower; the chain provides atomicity and rollback.
type Environment struct {
	client  EthClient
	key     *ecdsa.PrivateKey
	from    common.Address
	cfg     Config
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger

	gasLimits *lru.Cache // tx hash -> gas limit, to tell out-of-gas from other reverts
}

// NewEnvironment creates an environment signing with key
func NewEnvironment(ctx context.Context, client EthClient, key *ecdsa.PrivateKey, cfg Config, logger *zap.Logger) (*Environment, error) {
	if client == nil {
		return nil, fmt.Errorf("ethclient cannot be nil")
	}
	if key == nil {
		return nil, apperror.New(apperror.CodeConfigurationError, apperror.WithContext("signing key missing"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ChainID == nil {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, apperror.New(apperror.CodeRPCError, apperror.WithContext("chain id"), apperror.WithCause(err))
		}
		cfg.ChainID = id
	}

	e := &Environment{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		cfg:    cfg,
		logger: logger,
	}
	limits, err := lru.New(gasLimitCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gas limit cache: %w", err)
	}
	e.gasLimits = limits
	e.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "eth-call",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return e, nil
}

// Pool returns the account liquidity is checked against
func (e *Environment) Pool() common.Address {
	return e.cfg.Pool
}

// FeeBps returns the pool premium in basis points
func (e *Environment) FeeBps() uint16 {
	return e.cfg.FeeBps
}

// From returns the signing account
func (e *Environment) From() common.Address {
	return e.from
}

// Submit sends requestFlashLoan(token, amount) to the contract with the
// request budget as gas limit
func (e *Environment) Submit(ctx context.Context, req types.LoanRequest) (common.Hash, error) {
	data, err := flashLoanContract.Pack("requestFlashLoan", req.Asset.Address, req.Principal)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack requestFlashLoan: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.cfg.ChainID)
	if err != nil {
		return common.Hash{}, apperror.New(apperror.CodeConfigurationError, apperror.WithCause(err))
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return common.Hash{}, apperror.New(apperror.CodeRPCError, apperror.WithContext("nonce"), apperror.WithCause(err))
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, apperror.New(apperror.CodeRPCError, apperror.WithContext("gas price"), apperror.WithCause(err))
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &e.cfg.Contract,
		Value:    big.NewInt(0),
		Gas:      req.Budget,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := opts.Signer(e.from, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, apperror.New(apperror.CodeRPCError, apperror.WithContext("send"), apperror.WithCause(err))
	}

	e.gasLimits.Add(signed.Hash(), req.Budget)

	e.logger.Info("Flash loan transaction sent",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("contract", e.cfg.Contract.Hex()),
		zap.String("token", req.Asset.Address.Hex()),
		zap.String("amount", req.Principal.String()),
		zap.Uint64("nonce", nonce),
		zap.String("gas_price", gasPrice.String()))

	return signed.Hash(), nil
}

// WaitFinality polls for the receipt until it exists or ctx ends
func (e *Environment) WaitFinality(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return e.toReceipt(receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() == nil {
				e.logger.Debug("Receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return nil, apperror.New(apperror.CodeTimeout,
				apperror.WithContext(hash.Hex()),
				apperror.WithCause(ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (e *Environment) toReceipt(r *gethtypes.Receipt) *types.Receipt {
	out := &types.Receipt{
		TxHash:  r.TxHash,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}

	var limit uint64
	v, known := e.gasLimits.Get(r.TxHash)
	if known {
		limit = v.(uint64)
	}

	if r.Status == gethtypes.ReceiptStatusSuccessful {
		out.Status = types.StatusSettled
		return out
	}

	out.Status = types.StatusReverted
	// The node does not surface revert reasons in receipts; an exhausted
	// gas limit is the only cause that can be told apart
	if known && r.GasUsed >= limit {
		out.Reason = apperror.New(apperror.CodeResourceExhausted,
			apperror.WithContext(fmt.Sprintf("gas limit %d", limit)))
	}
	return out
}

// BalanceAt reads an ERC-20 balance at the latest block
func (e *Environment) BalanceAt(ctx context.Context, token, account common.Address) (*big.Int, uint64, error) {
	block, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, 0, apperror.New(apperror.CodeRPCError, apperror.WithContext("block number"), apperror.WithCause(err))
	}
	amount, err := e.call(ctx, erc20Contract, token, new(big.Int).SetUint64(block), "balanceOf", account)
	if err != nil {
		return nil, 0, err
	}
	return amount, block, nil
}

// ContractBalance reads the contract's own view of its token holdings
func (e *Environment) ContractBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	return e.call(ctx, flashLoanContract, e.cfg.Contract, nil, "getBalance", token)
}

func (e *Environment) call(ctx context.Context, contract abiPacker, to common.Address, block *big.Int, method string, args ...interface{}) (*big.Int, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := e.breaker.Execute(func() ([]byte, error) {
		return e.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	})
	if err != nil {
		return nil, apperror.New(apperror.CodeRPCError, apperror.WithContext(method), apperror.WithCause(err))
	}

	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return amount, nil
}

type abiPacker interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}
