// Package node wires a configured deployment: registry, execution
// environment, oracle and client.
package node

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/chain"
	"github.com/michaelpento.lv/flashsettle/config"
	"github.com/michaelpento.lv/flashsettle/execution"
	"github.com/michaelpento.lv/flashsettle/flashloan"
	"github.com/michaelpento.lv/flashsettle/ledger"
	"github.com/michaelpento.lv/flashsettle/notify"
	"github.com/michaelpento.lv/flashsettle/oracle"
	"github.com/michaelpento.lv/flashsettle/registry"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/michaelpento.lv/flashsettle/utils/metrics"
	"github.com/michaelpento.lv/flashsettle/utils/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Node is one running deployment
type Node struct {
	Registry *registry.Registry
	Oracle   *oracle.Oracle
	Client   *execution.Client
	Events   *notify.Channel
	Metrics  *prometheus.Registry
	System   *monitor.SystemMonitor
	Contract *chain.Environment // Set for the rpc backend only

	cfg    *config.Config
	ledger *ledger.Ledger
	logger *zap.Logger
	close  []func()
}

// New builds the node for cfg.Backend
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	n := &Node{
		Registry: registry.New(cfg.OperatorAddress(), logger),
		Metrics:  metrics.NewRegistry(),
		cfg:      cfg,
		logger:   logger,
	}
	n.Events = notify.NewChannel(notify.DefaultBuffer, n.Metrics, logger)
	n.close = append(n.close, n.Events.Close)

	n.System = monitor.NewSystemMonitor(ctx, n.Metrics, monitor.DefaultInterval, logger)
	n.close = append(n.close, n.System.Cleanup)

	if err := n.Registry.LoadFromConfig(cfg.Tokens); err != nil {
		n.Stop()
		return nil, err
	}

	var (
		env      execution.Environment
		source   oracle.Source
		borrower = cfg.BorrowerAddress()
		opts     []execution.Option
	)

	switch cfg.Backend {
	case config.BackendLocal:
		engine, err := n.startLocal(ctx)
		if err != nil {
			n.Stop()
			return nil, err
		}
		env, source = engine, n.ledger
		opts = append(opts, execution.WithEvents(n.Events))

	case config.BackendRPC:
		rpcEnv, err := n.startRPC(ctx)
		if err != nil {
			n.Stop()
			return nil, err
		}
		env, source = rpcEnv, rpcEnv
		n.Contract = rpcEnv
		// The deployed contract borrows and repays
		borrower = cfg.ContractAddress()

	default:
		n.Stop()
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	n.Oracle = oracle.New(n.Registry, source, logger)

	opts = append(opts,
		execution.WithBudget(cfg.DefaultBudget),
		execution.WithRateLimit(cfg.RPCRateLimit.RequestsPerSecond, cfg.RPCRateLimit.BurstSize),
		execution.WithRegisterer(n.Metrics),
		execution.WithLogger(logger))

	client, err := execution.NewClient(n.Registry, n.Oracle, env, borrower, opts...)
	if err != nil {
		n.Stop()
		return nil, err
	}
	n.Client = client

	logger.Info("Node started",
		zap.String("backend", cfg.Backend),
		zap.String("network", cfg.Network.Name),
		zap.Strings("tokens", n.Registry.Symbols()),
		zap.String("pool", cfg.PoolAddress().Hex()),
		zap.String("borrower", borrower.Hex()))
	return n, nil
}

func (n *Node) startLocal(ctx context.Context) (*flashloan.Engine, error) {
	n.ledger = ledger.New(
		ledger.WithPublisher(n.Events),
		ledger.WithFinalityDelay(n.cfg.FinalityDelay.Duration),
		ledger.WithRegisterer(n.Metrics),
		ledger.WithLogger(n.logger))
	n.close = append(n.close, n.ledger.Close)

	for _, s := range n.cfg.Seed {
		asset, err := n.Registry.Resolve(s.Symbol)
		if err != nil {
			return nil, err
		}
		amount, err := asset.ParseAmount(s.Amount)
		if err != nil {
			return nil, fmt.Errorf("seed %s for %s: %w", s.Symbol, s.Account, err)
		}
		if err := n.ledger.Mint(ctx, asset.Address, common.HexToAddress(s.Account), amount, asset.Symbol); err != nil {
			return nil, fmt.Errorf("seed %s for %s: %w", s.Symbol, s.Account, err)
		}
	}

	return flashloan.NewEngine(n.ledger, n.cfg.PoolAddress(), n.cfg.FeeBps, n.Metrics, n.logger), nil
}

func (n *Node) startRPC(ctx context.Context) (*chain.Environment, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(n.cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", config.EnvPrivateKey, err)
	}

	client, err := chain.Dial(ctx, n.cfg.Network.RPCEndpoint)
	if err != nil {
		return nil, err
	}
	n.close = append(n.close, client.Close)

	chainCfg := chain.Config{
		Contract:     n.cfg.ContractAddress(),
		Pool:         n.cfg.PoolAddress(),
		FeeBps:       n.cfg.FeeBps,
		PollInterval: n.cfg.PollInterval.Duration,
	}
	if n.cfg.Network.ChainID != 0 {
		chainCfg.ChainID = new(big.Int).SetUint64(n.cfg.Network.ChainID)
	}
	return chain.NewEnvironment(ctx, client, key, chainCfg, n.logger)
}

// ContractBalance reads how much of symbol the deployed flash-loan contract holds
func (n *Node) ContractBalance(ctx context.Context, symbol string) (types.Asset, *big.Int, error) {
	if n.Contract == nil {
		return types.Asset{}, nil, apperror.Newf(apperror.CodeConfigurationError,
			"contract balance requires the %s backend", config.BackendRPC)
	}
	asset, err := n.Registry.Resolve(symbol)
	if err != nil {
		return types.Asset{}, nil, err
	}
	amount, err := n.Contract.ContractBalance(ctx, asset.Address)
	if err != nil {
		return types.Asset{}, nil, err
	}
	return asset, amount, nil
}

// Stop releases the node's resources in reverse order
func (n *Node) Stop() {
	for i := len(n.close) - 1; i >= 0; i-- {
		n.close[i]()
	}
	n.close = nil
}
