package fixmath

import (
	"testing"

	"github.com/holiman/uint256"
)

// u is a test helper for creating uint256 values from decimal strings.
func u(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		panic("bad test constant: " + s)
	}
	return v
}

// --- MulDiv tests ---

func TestMulDiv_Basic(t *testing.T) {
	got, err := MulDiv(uint256.NewInt(6), uint256.NewInt(7), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(uint256.NewInt(14)) {
		t.Errorf("expected 14, got %s", got.Dec())
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	got, err := MulDiv(uint256.NewInt(7), uint256.NewInt(3), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(uint256.NewInt(10)) {
		t.Errorf("expected 10 (truncated), got %s", got.Dec())
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b overflows 256 bits, but the quotient fits.
	a := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	b := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	denom := new(uint256.Int).Lsh(uint256.NewInt(1), 150)

	got, err := MulDiv(a, b, denom)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	if !got.Eq(want) {
		t.Errorf("expected 2^150, got %s", got.Dec())
	}
}

func TestMulDiv_QuotientOverflow(t *testing.T) {
	a := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	if _, err := MulDiv(a, uint256.NewInt(4), uint256.NewInt(1)); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	if _, err := MulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int)); err != ErrOverflow {
		t.Errorf("expected ErrOverflow for zero denominator, got %v", err)
	}
}

func TestMulDiv_ZeroNumerator(t *testing.T) {
	got, err := MulDiv(new(uint256.Int), u("1000000000000000000"), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got.Dec())
	}
}

// --- Sqrt tests ---

func TestSqrt_Zero(t *testing.T) {
	if got := Sqrt(new(uint256.Int)); !got.IsZero() {
		t.Errorf("expected 0, got %s", got.Dec())
	}
}

func TestSqrt_PerfectSquares(t *testing.T) {
	tests := []struct {
		in, want uint64
	}{
		{1, 1},
		{4, 2},
		{9, 3},
		{144, 12},
		{1 << 40, 1 << 20},
	}
	for _, tc := range tests {
		got := Sqrt(uint256.NewInt(tc.in))
		if !got.Eq(uint256.NewInt(tc.want)) {
			t.Errorf("Sqrt(%d): expected %d, got %s", tc.in, tc.want, got.Dec())
		}
	}
}

func TestSqrt_SmallInputs(t *testing.T) {
	// 1, 2 and 3 all floor to 1; the Newton loop only engages from 4 up.
	for in := uint64(1); in <= 3; in++ {
		if got := Sqrt(uint256.NewInt(in)); !got.Eq(uint256.NewInt(1)) {
			t.Errorf("Sqrt(%d): expected 1, got %s", in, got.Dec())
		}
	}
}

func TestSqrt_ExhaustiveFloorToMillion(t *testing.T) {
	// Every x in [0, 10^6] must satisfy r^2 <= x < (r+1)^2.
	for x := uint64(0); x <= 1_000_000; x++ {
		r := Sqrt(uint256.NewInt(x)).Uint64()
		if r*r > x || (r+1)*(r+1) <= x {
			t.Fatalf("Sqrt(%d)=%d: floor property violated", x, r)
		}
	}
}

func TestSqrt_FloorProperty(t *testing.T) {
	// result^2 <= x < (result+1)^2 for assorted non-square inputs.
	inputs := []*uint256.Int{
		uint256.NewInt(2),
		uint256.NewInt(3),
		uint256.NewInt(99),
		u("1000000000000000000"),
		u("123456789123456789123456789"),
		new(uint256.Int).Lsh(uint256.NewInt(1), 200),
	}
	for _, x := range inputs {
		r := Sqrt(x)
		lo := new(uint256.Int).Mul(r, r)
		if lo.Gt(x) {
			t.Errorf("Sqrt(%s)=%s: square exceeds input", x.Dec(), r.Dec())
		}
		r1 := new(uint256.Int).AddUint64(r.Clone(), 1)
		hi := new(uint256.Int).Mul(r1, r1)
		if !hi.Gt(x) {
			t.Errorf("Sqrt(%s)=%s: not the floor root", x.Dec(), r.Dec())
		}
	}
}

// --- SafeAdd / SafeSub tests ---

func TestSafeAdd_Basic(t *testing.T) {
	got, err := SafeAdd(uint256.NewInt(2), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(uint256.NewInt(5)) {
		t.Errorf("expected 5, got %s", got.Dec())
	}
}

func TestSafeAdd_Overflow(t *testing.T) {
	max := new(uint256.Int).Not(new(uint256.Int)) // 2^256 - 1
	if _, err := SafeAdd(max, uint256.NewInt(1)); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestSafeSub_Basic(t *testing.T) {
	got, err := SafeSub(uint256.NewInt(5), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(uint256.NewInt(2)) {
		t.Errorf("expected 2, got %s", got.Dec())
	}
}

func TestSafeSub_Underflow(t *testing.T) {
	if _, err := SafeSub(uint256.NewInt(3), uint256.NewInt(5)); err != ErrUnderflow {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
}

// --- ClampPrice tests ---

func TestClampPrice_Bounds(t *testing.T) {
	if got := ClampPrice(new(uint256.Int)); !got.Eq(MinPrice) {
		t.Errorf("zero should clamp to MinPrice, got %s", got.Dec())
	}
	over := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	if got := ClampPrice(over); !got.Eq(MaxPrice) {
		t.Errorf("2^200 should clamp to MaxPrice, got %s", got.Dec())
	}
	mid := u("1000000000000000000")
	if got := ClampPrice(mid); !got.Eq(mid) {
		t.Errorf("in-range price should pass through, got %s", got.Dec())
	}
}

func TestClampPrice_DoesNotMutateInput(t *testing.T) {
	in := new(uint256.Int)
	ClampPrice(in)
	if !in.IsZero() {
		t.Errorf("input mutated to %s", in.Dec())
	}
}

func TestMaxPrice_Value(t *testing.T) {
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	want.SubUint64(want, 1)
	if !MaxPrice.Eq(want) {
		t.Errorf("MaxPrice should be 2^128-1, got %s", MaxPrice.Dec())
	}
}
