// Package curve implements the constant-product pricing functions for
// proposal reserve pools. It is stateless: reserves are passed as
// arguments, not stored, so every function is a pure computation over a
// caller-supplied reserve pair.
//
// The core trade function follows x*y=k: adding creditsIn to one side
// releases tokens from the other such that the reserve product never
// decreases. Integer truncation always rounds in the pool's favour, which
// is what makes the non-decreasing invariant hold for every valid output.
package curve

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/dmx/decision-engine/internal/fixmath"
)

// ErrInsufficientLiquidity is returned when a reserve side is empty or a
// trade would fully drain the token side of the pool.
var ErrInsufficientLiquidity = errors.New("curve: insufficient liquidity")

// q192 = 2^192, the divisor relating a squared X96 value to a plain ratio.
var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

// TokensOut computes the token output for a credit input against the given
// reserves:
//
//	tokensOut = creditsIn * tokensReserve / (creditsReserve + creditsIn)
//
// Fails with ErrInsufficientLiquidity if either reserve is zero or the
// output would drain the token reserve. Postcondition for every valid
// output: (creditsReserve+creditsIn)*(tokensReserve-tokensOut) >=
// creditsReserve*tokensReserve.
func TokensOut(creditsIn, creditsReserve, tokensReserve *uint256.Int) (*uint256.Int, error) {
	if creditsReserve.IsZero() || tokensReserve.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	denom, err := fixmath.SafeAdd(creditsReserve, creditsIn)
	if err != nil {
		return nil, err
	}
	out, err := fixmath.MulDiv(creditsIn, tokensReserve, denom)
	if err != nil {
		return nil, err
	}
	if !out.Lt(tokensReserve) {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

// PriceFromReserves returns the current price of one token in credits,
// 10^18-scaled and clamped to [MinPrice, MaxPrice]. Price queries never
// fault: an empty token reserve yields MinPrice and an unrepresentable
// ratio saturates at MaxPrice.
func PriceFromReserves(creditsReserve, tokensReserve *uint256.Int) *uint256.Int {
	if tokensReserve.IsZero() {
		return fixmath.MinPrice.Clone()
	}
	price, err := fixmath.MulDiv(creditsReserve, fixmath.Scale, tokensReserve)
	if err != nil {
		return fixmath.MaxPrice.Clone()
	}
	return fixmath.ClampPrice(price)
}

// PriceToSqrtPriceX96 converts a 10^18-scaled price to the Q64.96
// square-root representation used by the external liquidity venue:
//
//	sqrtPriceX96 = sqrt(price * 2^192 / 10^18)
//
// The conversion is approximate (~1% round-trip tolerance) because the
// integer square root truncates; that lossiness is intrinsic to the
// representation.
func PriceToSqrtPriceX96(price *uint256.Int) *uint256.Int {
	wide := new(big.Int).Mul(price.ToBig(), q192)
	wide.Div(wide, fixmath.Scale.ToBig())
	// The scaled operand fits 256 bits for prices below 2^64*10^18,
	// which covers every pool this engine initializes.
	if operand, overflow := uint256.FromBig(wide); !overflow {
		return fixmath.Sqrt(operand)
	}
	root := new(big.Int).Sqrt(wide)
	result, overflow := uint256.FromBig(root)
	if overflow {
		// Price is clamped to 2^128-1 upstream, so the root fits 2^160;
		// saturate anyway rather than wrap.
		return fixmath.MaxPrice.Clone()
	}
	return result
}

// SqrtPriceX96ToPrice is the inverse conversion:
//
//	price = sqrtPriceX96^2 * 10^18 / 2^192
//
// clamped to [MinPrice, MaxPrice].
func SqrtPriceX96ToPrice(sqrtPriceX96 *uint256.Int) *uint256.Int {
	sq := new(big.Int).Mul(sqrtPriceX96.ToBig(), sqrtPriceX96.ToBig())
	sq.Mul(sq, fixmath.Scale.ToBig())
	sq.Div(sq, q192)
	price, overflow := uint256.FromBig(sq)
	if overflow {
		return fixmath.MaxPrice.Clone()
	}
	return fixmath.ClampPrice(price)
}

// CheckSlippage reports whether actual is acceptable against expected for
// a tolerance of maxBps basis points. Any actual >= expected passes;
// otherwise the relative shortfall (expected-actual)*10000/expected must
// not exceed maxBps.
func CheckSlippage(expected, actual *uint256.Int, maxBps uint64) bool {
	if !actual.Lt(expected) {
		return true
	}
	if expected.IsZero() {
		return true
	}
	shortfall := new(uint256.Int).Sub(expected, actual)
	frac, err := fixmath.MulDiv(shortfall, uint256.NewInt(10_000), expected)
	if err != nil {
		return false
	}
	return !frac.GtUint64(maxBps)
}
