package oracle

import (
	"fmt"
	"math/big"
)

// PriceDecimals is the fixed-point scale every normalized price uses.
// Settlement math downstream assumes 18 decimals.
const PriceDecimals = 18

var bigTen = big.NewInt(10)

// NormalizePrice scales a feed's (mantissa, exponent) pair to a fixed-point
// integer with targetDecimals precision.
//
// When targetDecimals+exponent < 0 the value is integer-divided and precision
// is lost. That truncation is intentional: attestation digests must be
// bit-for-bit reproducible, so the rounding behavior is part of the protocol.
func NormalizePrice(raw string, exponent int32, targetDecimals int32) (*big.Int, error) {
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid price mantissa %q", raw)
	}

	scale := int64(targetDecimals + exponent)
	if scale >= 0 {
		mul := new(big.Int).Exp(bigTen, big.NewInt(scale), nil)
		return price.Mul(price, mul), nil
	}
	div := new(big.Int).Exp(bigTen, big.NewInt(-scale), nil)
	return price.Quo(price, div), nil
}

// TwapDeviationBps returns |current-twap| * 10000 / twap with truncating
// division, or 0 when twap is zero.
func TwapDeviationBps(current, twap *big.Int) uint64 {
	if twap.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(current, twap)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10000))
	diff.Quo(diff, twap)
	return diff.Uint64()
}

// SqrtPriceX96 converts an 18-decimal fixed-point price into the Q64.96
// square-root encoding pool math expects: isqrt(price * 2^192 / 10^18).
// Returns 0 for non-positive prices.
func SqrtPriceX96(price *big.Int) *big.Int {
	if price.Sign() <= 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Lsh(price, 192)
	scaled := numerator.Quo(numerator, new(big.Int).Exp(bigTen, big.NewInt(PriceDecimals), nil))
	return integerSqrt(scaled)
}

// integerSqrt is Newton's method on integers: start at the value, refine until
// the iterate stops decreasing. Exact for perfect squares, floor otherwise.
func integerSqrt(value *big.Int) *big.Int {
	if value.Sign() == 0 {
		return big.NewInt(0)
	}
	x0 := new(big.Int).Set(value)
	x1 := new(big.Int).Add(value, big.NewInt(1))
	x1.Rsh(x1, 1)
	for x1.Cmp(x0) < 0 {
		x0.Set(x1)
		t := new(big.Int).Quo(value, x1)
		x1.Add(x1, t)
		x1.Rsh(x1, 1)
	}
	return x0
}
