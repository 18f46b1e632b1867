package math_test

import (
	fpmath "FlashLever/internal/math"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

// price of 1:1 between two 18-decimal tokens
var parity = new(uint256.Int).Set(fpmath.OraclePriceScale)

// ============================================================================
// Test: LTV bounds
// ============================================================================

func TestMaxLtv(t *testing.T) {
	got, err := fpmath.MaxLtv(u(86e16))
	if err != nil {
		t.Fatal(err)
	}
	if got.Uint64() != 835e15 {
		t.Errorf("got %d, want %d", got.Uint64(), uint64(835e15))
	}

	if _, err := fpmath.MaxLtv(u(25e15)); !errors.Is(err, fpmath.ErrInvalidLtv) {
		t.Errorf("got %v, want ErrInvalidLtv", err)
	}
}

// ============================================================================
// Test: flash loan sizing
// ============================================================================

func TestLeverageFlashLoan_HalfLtvDoublesExposure(t *testing.T) {
	got, err := fpmath.LeverageFlashLoan(u(100), parity, 18, u(5e17))
	if err != nil {
		t.Fatal(err)
	}
	if got.Uint64() != 100 {
		t.Errorf("got %d, want 100", got.Uint64())
	}
}

func TestLeverageFlashLoan_SixDecimalLoanToken(t *testing.T) {
	// 10 collateral (18 dec) at 2000 USDC (6 dec) each.
	// price = 2000e6 * 1e36 / 1e18 = 2000e24
	price := mustDec(t, "2000000000000000000000000000")
	amount := mustDec(t, "10000000000000000000")

	got, err := fpmath.LeverageFlashLoan(amount, price, 6, u(75e16))
	if err != nil {
		t.Fatal(err)
	}
	// value 20000 USDC at 0.75 ltv -> 80000 gross, 60000 borrowed
	if got.Uint64() != 60_000_000_000 {
		t.Errorf("got %d, want %d", got.Uint64(), uint64(60_000_000_000))
	}
}

func TestLeverageFlashLoan_ZeroLtv(t *testing.T) {
	got, err := fpmath.LeverageFlashLoan(u(100), parity, 18, u(0))
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Errorf("got %d, want 0", got.Uint64())
	}
}

func TestLeverageFlashLoan_RejectsFullLtv(t *testing.T) {
	_, err := fpmath.LeverageFlashLoan(u(100), parity, 18, fpmath.WAD)
	if !errors.Is(err, fpmath.ErrInvalidLtv) {
		t.Fatalf("got %v, want ErrInvalidLtv", err)
	}
}

func TestEffectiveLtv(t *testing.T) {
	got, err := fpmath.EffectiveLtv(u(100), u(200), parity, 18)
	if err != nil {
		t.Fatal(err)
	}
	if got.Uint64() != 5e17 {
		t.Errorf("got %d, want %d", got.Uint64(), uint64(5e17))
	}

	// rounds up against the position
	got, err = fpmath.EffectiveLtv(u(1), u(3), parity, 18)
	if err != nil {
		t.Fatal(err)
	}
	if got.Uint64() != 333333333333333334 {
		t.Errorf("got %d, want 333333333333333334", got.Uint64())
	}

	if _, err := fpmath.EffectiveLtv(u(1), u(0), parity, 18); !errors.Is(err, fpmath.ErrZeroValue) {
		t.Errorf("got %v, want ErrZeroValue", err)
	}
}

// ============================================================================
// Test: share conversions
// ============================================================================

func TestShares_EmptyMarketUsesVirtualOffsets(t *testing.T) {
	shares, err := fpmath.ToSharesDown(u(100), u(0), u(0))
	if err != nil {
		t.Fatal(err)
	}
	if shares.Uint64() != 100*1e6 {
		t.Errorf("got %d, want %d", shares.Uint64(), uint64(100*1e6))
	}
}

func TestShares_RoundTripRoundsAgainstBorrower(t *testing.T) {
	// interest has accrued: 1000 shares-worth now owe 1500 assets
	totalAssets := u(1500)
	totalShares := u(1000 * 1e6)

	shares, err := fpmath.ToSharesUp(u(7), totalAssets, totalShares)
	if err != nil {
		t.Fatal(err)
	}
	owed, err := fpmath.ToAssetsUp(shares, totalAssets, totalShares)
	if err != nil {
		t.Fatal(err)
	}
	if owed.Uint64() < 7 {
		t.Errorf("repayment %d below borrowed 7", owed.Uint64())
	}

	down, err := fpmath.ToAssetsDown(shares, totalAssets, totalShares)
	if err != nil {
		t.Fatal(err)
	}
	if down.Cmp(owed) > 0 {
		t.Errorf("down %d above up %d", down.Uint64(), owed.Uint64())
	}
}

func TestTaylorCompounded(t *testing.T) {
	got, err := fpmath.TaylorCompounded(u(0), 3600)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Errorf("zero rate: got %d", got.Uint64())
	}

	// 1e9 per second for 1e9 seconds -> x = 1 WAD; 1 + 1/2 + 1/6
	got, err = fpmath.TaylorCompounded(u(1e9), 1e9)
	if err != nil {
		t.Fatal(err)
	}
	if got.Uint64() != 1666666666666666666 {
		t.Errorf("got %d, want 1666666666666666666", got.Uint64())
	}
}

// ============================================================================
// Test: yield fee
// ============================================================================

func TestYieldFee(t *testing.T) {
	ten := u(1e17) // 10%

	tests := []struct {
		name     string
		returned uint64
		deposit  uint64
		rate     *uint256.Int
		wantFee  uint64
		wantUser uint64
	}{
		{"loss pays no fee", 80, 100, ten, 0, 80},
		{"break even pays no fee", 100, 100, ten, 0, 100},
		{"yield is charged", 150, 100, ten, 5, 145},
		{"wad amounts", 2e18, 1e18, ten, 1e17, 19e17},
		{"fractional fee rounds up", 107, 100, ten, 1, 106},
		{"rounding stays within the yield", 101, 100, u(999_999_999_999_999_999), 1, 100},
		{"fee capped at yield", 200, 100, u(5e18), 100, 100},
		{"zero return", 0, 100, ten, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := fpmath.YieldFee(u(tt.returned), u(tt.deposit), tt.rate, 18)
			if err != nil {
				t.Fatal(err)
			}
			if s.Fee.Uint64() != tt.wantFee {
				t.Errorf("fee: got %d, want %d", s.Fee.Uint64(), tt.wantFee)
			}
			if s.UserAmount.Uint64() != tt.wantUser {
				t.Errorf("user: got %d, want %d", s.UserAmount.Uint64(), tt.wantUser)
			}
			sum := new(uint256.Int).Add(s.Fee, s.UserAmount)
			if !sum.Eq(s.TotalReturned) {
				t.Errorf("fee + user = %s, want %s", sum.Dec(), s.TotalReturned.Dec())
			}
		})
	}
}

func TestYieldFee_SixDecimals(t *testing.T) {
	// rate is read against the loan token's unit: 1e5 / 1e6 = 10%
	s, err := fpmath.YieldFee(u(1_500_000_000), u(1_000_000_000), u(100_000), 6)
	if err != nil {
		t.Fatal(err)
	}
	if s.Yield.Uint64() != 500_000_000 {
		t.Errorf("yield: got %d", s.Yield.Uint64())
	}
	if s.Fee.Uint64() != 50_000_000 {
		t.Errorf("fee: got %d, want 50000000", s.Fee.Uint64())
	}
	if s.UserAmount.Uint64() != 1_450_000_000 {
		t.Errorf("user: got %d", s.UserAmount.Uint64())
	}
}
