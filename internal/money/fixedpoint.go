package money

import (
	"math"
	"math/big"
	"sync"
)

// Scale is the fixed-point scale for all vault amounts: 1 unit = 1e8.
const Scale = 100_000_000

// BpsDenominator converts basis points to a fraction (10000 bps = 100%).
const BpsDenominator = 10_000

type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero
	RoundHalfEven                 // banker's rounding
	RoundUp
)

// Intermediate products of two int64 amounts need 128 bits; big.Ints are
// pooled so the hot settlement path does not allocate per call.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// AddChecked returns a+b, reporting false when the sum overflows int64.
// Both operands must be non-negative.
func AddChecked(a, b int64) (int64, bool) {
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// MulDiv computes a * b / denom through a 128-bit intermediate, so the
// product never wraps even when a and b are both near MaxInt64.
func MulDiv(a, b, denom int64, mode RoundingMode) int64 {
	product := getInt()
	product.Mul(big.NewInt(a), big.NewInt(b))
	result := divide(product, denom, mode)
	putInt(product)
	return result
}

// Bps returns the given basis-point fraction of amount, truncated. Used
// for the platform's settlement cut: truncation means the cut never
// exceeds bps/10000 of the bid.
func Bps(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsDenominator, RoundDown)
}

func divide(numerator *big.Int, denom int64, mode RoundingMode) int64 {
	d := big.NewInt(denom)
	quotient := getInt()
	remainder := getInt()
	quotient.DivMod(numerator, d, remainder)

	result := quotient.Int64()

	switch mode {
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}

	case RoundHalfEven:
		half := big.NewInt(denom / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denom%2 == 0 && result%2 != 0 {
			result++
		}
	}

	putInt(quotient)
	putInt(remainder)
	return result
}
