// Package testutils holds fixtures shared by package tests.
package testutils

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/stretchr/testify/require"
)

// USDC mirrors the Goerli USDC deployment used by the default config
var USDC = types.Asset{
	Symbol:   "USDC",
	Address:  common.HexToAddress("0x07865c6e87b9f70255377e024ace6630c1eaa37f"),
	Decimals: 6,
}

// Address returns a readable fixture address such as 0x3000...0003
func Address(n byte) common.Address {
	var a common.Address
	a[0] = n << 4
	a[common.AddressLength-1] = n
	return a
}

// NewKey generates a throwaway signing key
func NewKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// CreateMockReceipt builds the receipt a node would return for a mined transaction
func CreateMockReceipt(hash common.Hash, status, gasUsed, block uint64) *gethtypes.Receipt {
	return &gethtypes.Receipt{
		TxHash:      hash,
		Status:      status,
		GasUsed:     gasUsed,
		BlockNumber: new(big.Int).SetUint64(block),
	}
}
