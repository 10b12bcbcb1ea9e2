package types

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usdc = Asset{
	Symbol:   "USDC",
	Address:  common.HexToAddress("0x07865c6e87b9f70255377e024ace6630c1eaa37f"),
	Decimals: 6,
}

func TestAssetAmounts(t *testing.T) {
	t.Run("ParseAmount", func(t *testing.T) {
		tests := []struct {
			name    string
			input   string
			want    string
			wantErr bool
		}{
			{name: "whole_units", input: "10", want: "10000000"},
			{name: "fraction", input: "0.5", want: "500000"},
			{name: "smallest_unit", input: "0.000001", want: "1"},
			{name: "too_precise", input: "0.0000001", wantErr: true},
			{name: "zero", input: "0", wantErr: true},
			{name: "negative", input: "-1", wantErr: true},
			{name: "garbage", input: "ten", wantErr: true},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := usdc.ParseAmount(tt.input)
				if tt.wantErr {
					require.Error(t, err)
					assert.True(t, errors.Is(err, apperror.ErrInvalidAmount))
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, got.String())
			})
		}
	})

	t.Run("FromBaseUnits", func(t *testing.T) {
		d := usdc.FromBaseUnits(big.NewInt(10_009_000))
		assert.True(t, d.Equal(decimal.RequireFromString("10.009")))
		assert.Equal(t, "10.009 USDC", usdc.Format(big.NewInt(10_009_000)))
		assert.True(t, usdc.FromBaseUnits(nil).IsZero())
	})
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "repaid", StateRepaid.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "settled", StatusSettled.String())
}
