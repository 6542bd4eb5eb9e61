// Package fixmath provides the fixed-point integer primitives used by the
// pricing engine. All amounts are unsigned 256-bit integers scaled by 10^18
// (one unit = 10^18 raw). Arithmetic never wraps: operations that would
// overflow or underflow fail with an explicit error.
//
// The multiply-divide primitive widens through a 512-bit intermediate so the
// full product of two 256-bit operands survives the division. This is the
// correctness-critical path: every pool-share and payout ratio in the
// engine goes through it.
package fixmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a result exceeds 256 bits, or when a
	// divide-by-zero would otherwise produce an unbounded result.
	ErrOverflow = errors.New("fixmath: overflow")

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixmath: underflow")
)

// Scale is the fixed-point scale factor: 1 unit = 10^18 raw.
var Scale = uint256.NewInt(1_000_000_000_000_000_000)

// MinPrice is the lowest representable price: one raw unit. A zero price
// would fault downstream divisions, so price queries saturate here instead.
var MinPrice = uint256.NewInt(1)

// MaxPrice is the highest representable price: 2^128 - 1 raw units.
var MaxPrice = func() *uint256.Int {
	max := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	return max.SubUint64(max, 1)
}()

// MulDiv computes a*b/denom with a 512-bit intermediate product, so the
// multiplication can never silently wrap. Fails with ErrOverflow if the
// quotient exceeds 256 bits or denom is zero.
func MulDiv(a, b, denom *uint256.Int) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, ErrOverflow
	}
	wide := new(big.Int).Mul(a.ToBig(), b.ToBig())
	wide.Div(wide, denom.ToBig())
	result, overflow := uint256.FromBig(wide)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// Sqrt returns the integer square root of x via Newton/Babylonian
// iteration: result^2 <= x < (result+1)^2. Sqrt(0) = 0. Converges in
// O(log x) iterations because the guess halves its error each round.
func Sqrt(x *uint256.Int) *uint256.Int {
	if x.IsZero() {
		return new(uint256.Int)
	}
	// For x in 1..3 the guess x/2+1 is not below x, so the loop below
	// would never refine z. Their root floors to 1.
	if x.LtUint64(4) {
		return uint256.NewInt(1)
	}
	z := x.Clone()
	y := new(uint256.Int).Rsh(x, 1)
	y.AddUint64(y, 1)
	t := new(uint256.Int)
	for y.Lt(z) {
		z.Set(y)
		t.Div(x, z)
		y.Add(t, z)
		y.Rsh(y, 1)
	}
	return z
}

// SafeAdd returns a+b, failing with ErrOverflow instead of wrapping.
func SafeAdd(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// SafeSub returns a-b, failing with ErrUnderflow instead of wrapping.
func SafeSub(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return diff, nil
}

// ClampPrice saturates p into [MinPrice, MaxPrice]. Returns a copy; the
// input is never mutated.
func ClampPrice(p *uint256.Int) *uint256.Int {
	if p.Lt(MinPrice) {
		return MinPrice.Clone()
	}
	if p.Gt(MaxPrice) {
		return MaxPrice.Clone()
	}
	return p.Clone()
}
