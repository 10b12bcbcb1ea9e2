// Package registry maps asset symbols to token addresses.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/michaelpento.lv/flashsettle/config"
	"github.com/michaelpento.lv/flashsettle/types"
	"go.uber.org/zap"
)

// Registry is a thread-safe symbol -> asset table. Only the operator fixed at
// construction may bind symbols; bindings are overwritten, never removed.
type Registry struct {
	operator common.Address
	assets   map[string]types.Asset
	mu       sync.RWMutex
	logger   *zap.Logger
}

// New creates an empty registry owned by operator
func New(operator common.Address, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		operator: operator,
		assets:   make(map[string]types.Asset),
		logger:   logger,
	}
}

// Operator returns the address allowed to mutate the registry
func (r *Registry) Operator() common.Address {
	return r.operator
}

// Register binds symbol to address, replacing any previous binding
func (r *Registry) Register(caller common.Address, symbol string, address common.Address, decimals uint8) error {
	if caller != r.operator {
		return apperror.Newf(apperror.CodeUnauthorized, "caller %s", caller.Hex())
	}

	symbol = normalize(symbol)
	if symbol == "" {
		return apperror.New(apperror.CodeInvalidAsset, apperror.WithContext("empty symbol"))
	}
	if address == (common.Address{}) {
		return apperror.Newf(apperror.CodeInvalidAsset, "zero address for %s", symbol)
	}
	if decimals > 36 {
		return apperror.Newf(apperror.CodeInvalidAsset, "%d decimals for %s", decimals, symbol)
	}

	r.mu.Lock()
	prev, existed := r.assets[symbol]
	r.assets[symbol] = types.Asset{Symbol: symbol, Address: address, Decimals: decimals}
	r.mu.Unlock()

	if existed && prev.Address != address {
		r.logger.Info("Token re-pointed",
			zap.String("symbol", symbol),
			zap.String("old", prev.Address.Hex()),
			zap.String("new", address.Hex()))
	} else {
		r.logger.Debug("Token registered",
			zap.String("symbol", symbol),
			zap.String("address", address.Hex()),
			zap.Uint8("decimals", decimals))
	}
	return nil
}

// LoadFromConfig binds every row of the configured token table as the operator
func (r *Registry) LoadFromConfig(tokens []config.TokenConfig) error {
	for _, t := range tokens {
		if !common.IsHexAddress(t.Address) {
			return apperror.Newf(apperror.CodeInvalidAsset, "address %q for %s", t.Address, t.Symbol)
		}
		if err := r.Register(r.operator, t.Symbol, common.HexToAddress(t.Address), t.Decimals); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.Symbol, err)
		}
	}
	return nil
}

// Resolve returns the asset bound to symbol
func (r *Registry) Resolve(symbol string) (types.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[normalize(symbol)]
	if !ok {
		return types.Asset{}, apperror.Newf(apperror.CodeUnknownAsset, "symbol %s", symbol)
	}
	return a, nil
}

// ResolveAddress finds the symbol currently bound to a token address
func (r *Registry) ResolveAddress(address common.Address) (types.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.assets {
		if a.Address == address {
			return a, nil
		}
	}
	return types.Asset{}, apperror.Newf(apperror.CodeUnknownAsset, "address %s", address.Hex())
}

// Symbols returns the registered symbols in sorted order
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.assets))
	for s := range r.assets {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}

// Count returns the number of registered symbols
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
