package curve

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/dmx/decision-engine/internal/fixmath"
)

// u is a test helper for creating uint256 values from decimal strings.
func u(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		panic("bad test constant: " + s)
	}
	return v
}

// --- TokensOut tests ---

func TestTokensOut_SeededPool(t *testing.T) {
	// 100 credits into a fresh 1000/1000 pool:
	// 100e18 * 1000e18 / 1100e18 = 90909090909090909090
	out, err := TokensOut(
		u("100000000000000000000"),
		u("1000000000000000000000"),
		u("1000000000000000000000"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := u("90909090909090909090"); !out.Eq(want) {
		t.Errorf("expected %s, got %s", want.Dec(), out.Dec())
	}
}

func TestTokensOut_ZeroReserves(t *testing.T) {
	one := u("1000000000000000000")
	if _, err := TokensOut(one, new(uint256.Int), one); err != ErrInsufficientLiquidity {
		t.Errorf("zero credits reserve: expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := TokensOut(one, one, new(uint256.Int)); err != ErrInsufficientLiquidity {
		t.Errorf("zero tokens reserve: expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestTokensOut_NeverDrainsPool(t *testing.T) {
	// An enormous input still leaves at least one raw token in reserve:
	// out = in*R/(C+in) < R always holds mathematically; the explicit
	// check guards the truncation edge. Verify output stays below reserve.
	out, err := TokensOut(
		u("100000000000000000000000000000000"),
		u("1000000000000000000000"),
		u("1000000000000000000000"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Lt(u("1000000000000000000000")) {
		t.Errorf("output %s must stay below token reserve", out.Dec())
	}
}

func TestTokensOut_ProductNeverDecreases(t *testing.T) {
	tests := []struct {
		name                string
		in, credits, tokens string
	}{
		{"small trade", "1000000000000000000", "1000000000000000000000", "1000000000000000000000"},
		{"large trade", "500000000000000000000", "1000000000000000000000", "1000000000000000000000"},
		{"skewed pool", "77000000000000000000", "3141592653589793238462", "271828182845904523536"},
		{"tiny amounts", "3", "1000", "7000"},
	}
	for _, tc := range tests {
		in, credits, tokens := u(tc.in), u(tc.credits), u(tc.tokens)
		out, err := TokensOut(in, credits, tokens)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}

		before, err := fixmath.MulDiv(credits, tokens, uint256.NewInt(1))
		if err != nil {
			t.Fatalf("%s: product before: %v", tc.name, err)
		}
		newCredits := new(uint256.Int).Add(credits, in)
		newTokens := new(uint256.Int).Sub(tokens, out)
		after, err := fixmath.MulDiv(newCredits, newTokens, uint256.NewInt(1))
		if err != nil {
			t.Fatalf("%s: product after: %v", tc.name, err)
		}
		if after.Lt(before) {
			t.Errorf("%s: reserve product decreased: %s -> %s",
				tc.name, before.Dec(), after.Dec())
		}
	}
}

// --- Price tests ---

func TestPriceFromReserves_BalancedPoolIsOne(t *testing.T) {
	r := u("1000000000000000000000")
	price := PriceFromReserves(r, r)
	if !price.Eq(fixmath.Scale) {
		t.Errorf("balanced pool should price at 1.0, got %s", price.Dec())
	}
}

func TestPriceFromReserves_RisesWithCredits(t *testing.T) {
	price := PriceFromReserves(u("2000000000000000000000"), u("1000000000000000000000"))
	if want := u("2000000000000000000"); !price.Eq(want) {
		t.Errorf("expected 2.0, got %s", price.Dec())
	}
}

func TestPriceFromReserves_EmptyTokensSaturatesLow(t *testing.T) {
	price := PriceFromReserves(u("1000000000000000000000"), new(uint256.Int))
	if !price.Eq(fixmath.MinPrice) {
		t.Errorf("expected MinPrice, got %s", price.Dec())
	}
}

func TestPriceFromReserves_ExtremeRatioSaturatesHigh(t *testing.T) {
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	price := PriceFromReserves(huge, uint256.NewInt(1))
	if !price.Eq(fixmath.MaxPrice) {
		t.Errorf("expected MaxPrice, got %s", price.Dec())
	}
}

// --- Q64.96 conversion tests ---

func TestPriceToSqrtPriceX96_UnitPrice(t *testing.T) {
	// price 1.0 → sqrt(2^192) = 2^96.
	got := PriceToSqrtPriceX96(fixmath.Scale.Clone())
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	if !got.Eq(want) {
		t.Errorf("expected 2^96, got %s", got.Dec())
	}
}

func TestSqrtPriceX96_RoundTrip(t *testing.T) {
	// Round-trip within 1% across a wide price range.
	prices := []string{
		"1000000000",                  // 1e-9
		"1000000000000000",            // 1e-3
		"1000000000000000000",         // 1.0
		"42000000000000000000",        // 42
		"1000000000000000000000000",   // 1e6
		"1000000000000000000000000000", // 1e9
	}
	hundred := uint256.NewInt(100)
	for _, s := range prices {
		p := u(s)
		back := SqrtPriceX96ToPrice(PriceToSqrtPriceX96(p))

		var diff *uint256.Int
		if back.Gt(p) {
			diff = new(uint256.Int).Sub(back, p)
		} else {
			diff = new(uint256.Int).Sub(p, back)
		}
		pct, err := fixmath.MulDiv(diff, hundred, p)
		if err != nil {
			t.Fatalf("price %s: %v", s, err)
		}
		if pct.GtUint64(1) {
			t.Errorf("price %s: round trip drifted %s%% (got %s)", s, pct.Dec(), back.Dec())
		}
	}
}

func TestPriceToSqrtPriceX96_WidePrice(t *testing.T) {
	// MaxPrice scaled by 2^192 exceeds 256 bits, forcing the big.Int
	// square root. The round trip still lands within 1%.
	p := fixmath.MaxPrice.Clone()
	back := SqrtPriceX96ToPrice(PriceToSqrtPriceX96(p))

	var diff *uint256.Int
	if back.Gt(p) {
		diff = new(uint256.Int).Sub(back, p)
	} else {
		diff = new(uint256.Int).Sub(p, back)
	}
	pct, err := fixmath.MulDiv(diff, uint256.NewInt(100), p)
	if err != nil {
		t.Fatalf("wide price round trip: %v", err)
	}
	if pct.GtUint64(1) {
		t.Errorf("wide price round trip drifted %s%% (got %s)", pct.Dec(), back.Dec())
	}
}

// --- Slippage tests ---

func TestCheckSlippage(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		maxBps   uint64
		want     bool
	}{
		{"exact fill", "1000000", "1000000", 0, true},
		{"better than expected", "1000000", "1100000", 0, true},
		{"within tolerance", "1000000", "995000", 50, true},
		{"at tolerance", "1000000", "995000", 49, false},
		{"beyond tolerance", "1000000", "900000", 50, false},
		{"zero expected", "0", "0", 0, true},
	}
	for _, tc := range tests {
		got := CheckSlippage(u(tc.expected), u(tc.actual), tc.maxBps)
		if got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
