package math

import (
	"math/big"
)

// BasisPoints is the denominator for fee rates (1 bp = 0.01%)
const BasisPoints = 10000

// CeilDiv returns ceil(x / y) for non-negative x and positive y
func CeilDiv(x, y *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(x, y, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// MulDivUp returns ceil(x * num / den)
func MulDivUp(x, num, den *big.Int) *big.Int {
	return CeilDiv(new(big.Int).Mul(x, num), den)
}

// CalculateFlashLoanFee returns the fee for amount at feeBps, rounded up so
// the pool is never underpaid by truncation
func CalculateFlashLoanFee(amount *big.Int, feeBps uint16) *big.Int {
	if amount == nil || amount.Sign() <= 0 || feeBps == 0 {
		return new(big.Int)
	}
	return MulDivUp(amount, big.NewInt(int64(feeBps)), big.NewInt(BasisPoints))
}

// ToFloat64 converts x for metrics only; precision is lost above 2^53
func ToFloat64(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}
