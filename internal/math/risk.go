package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// OraclePriceScale is the scale of collateral prices quoted in loan-token
	// units: value = amount * price / 1e36.
	OraclePriceScale = new(uint256.Int).Mul(WAD, WAD)

	// LiquidationBuffer is kept between the market's liquidation LTV and the
	// highest LTV a leveraged position may be opened at (2.5%).
	LiquidationBuffer = uint256.NewInt(25e15)

	// SlippageBuffer is the tolerance allowed between the desired LTV and the
	// LTV actually achieved after the swap (1%).
	SlippageBuffer = uint256.NewInt(1e16)

	// MaxYieldFee bounds the configurable performance fee rate.
	MaxYieldFee = uint256.NewInt(5e17)

	// VirtualShares and VirtualAssets offset share conversions so an empty
	// market cannot be inflated by a first depositor.
	VirtualShares = uint256.NewInt(1e6)
	VirtualAssets = uint256.NewInt(1)
)

var (
	ErrInvalidLtv = errors.New("risk: ltv out of range")
	ErrZeroValue  = errors.New("risk: collateral value is zero")
)

// CollateralValue converts a collateral quantity into loan-token native units.
func CollateralValue(amount, price *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(amount, price, OraclePriceScale, mode)
}

// MaxLtv returns the highest LTV a position may be opened at for a market with
// the given liquidation LTV.
func MaxLtv(lltv *uint256.Int) (*uint256.Int, error) {
	if lltv.Cmp(LiquidationBuffer) <= 0 {
		return nil, fmt.Errorf("%w: lltv %s not above liquidation buffer", ErrInvalidLtv, lltv.Dec())
	}
	return new(uint256.Int).Sub(lltv, LiquidationBuffer), nil
}

// LeverageFlashLoan sizes the flash loan needed to reach desiredLtv on top of
// amountCollateral:
//
//	loan = value / (1 - ltv) - value
//
// The collateral value is computed in loan-token units, lifted to WAD for the
// division and lowered back to the loan token's decimals. Every step rounds
// down since the result is an amount the protocol pays out.
func LeverageFlashLoan(amountCollateral, price *uint256.Int, loanDecimals uint8, desiredLtv *uint256.Int) (*uint256.Int, error) {
	if desiredLtv.Cmp(WAD) >= 0 {
		return nil, fmt.Errorf("%w: desired ltv %s >= 1", ErrInvalidLtv, desiredLtv.Dec())
	}

	value, err := CollateralValue(amountCollateral, price, RoundDown)
	if err != nil {
		return nil, err
	}
	value18, err := ToWad(value, loanDecimals)
	if err != nil {
		return nil, err
	}

	denom := new(uint256.Int).Sub(WAD, desiredLtv)
	gross, err := WDivDown(value18, denom)
	if err != nil {
		return nil, err
	}
	loan18, err := Sub(gross, value18)
	if err != nil {
		return nil, err
	}
	return FromWad(loan18, loanDecimals, RoundDown)
}

// EffectiveLtv is the LTV actually reached by borrowing loanAmount against
// leveragedCollateral. It rounds up so the risk check errs against the
// position.
func EffectiveLtv(loanAmount, leveragedCollateral, price *uint256.Int, loanDecimals uint8) (*uint256.Int, error) {
	value, err := CollateralValue(leveragedCollateral, price, RoundDown)
	if err != nil {
		return nil, err
	}
	if value.IsZero() {
		return nil, ErrZeroValue
	}
	loan18, err := ToWad(loanAmount, loanDecimals)
	if err != nil {
		return nil, err
	}
	value18, err := ToWad(value, loanDecimals)
	if err != nil {
		return nil, err
	}
	return WDivUp(loan18, value18)
}

// ToSharesDown converts assets to shares rounding down.
func ToSharesDown(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return toShares(assets, totalAssets, totalShares, RoundDown)
}

// ToSharesUp converts assets to shares rounding up.
func ToSharesUp(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return toShares(assets, totalAssets, totalShares, RoundUp)
}

// ToAssetsDown converts shares to assets rounding down.
func ToAssetsDown(shares, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return toAssets(shares, totalAssets, totalShares, RoundDown)
}

// ToAssetsUp converts shares to assets rounding up. Used to size repayments so
// the amount covers the debt including interest accrued on the totals.
func ToAssetsUp(shares, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return toAssets(shares, totalAssets, totalShares, RoundUp)
}

func toShares(assets, totalAssets, totalShares *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	num, err := Add(totalShares, VirtualShares)
	if err != nil {
		return nil, err
	}
	den, err := Add(totalAssets, VirtualAssets)
	if err != nil {
		return nil, err
	}
	return MulDiv(assets, num, den, mode)
}

func toAssets(shares, totalAssets, totalShares *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	num, err := Add(totalAssets, VirtualAssets)
	if err != nil {
		return nil, err
	}
	den, err := Add(totalShares, VirtualShares)
	if err != nil {
		return nil, err
	}
	return MulDiv(shares, num, den, mode)
}

// TaylorCompounded approximates e^(rate*elapsed)-1 with three terms, rate
// being a per-second WAD rate.
func TaylorCompounded(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	first, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(elapsed))
	if overflow {
		return nil, ErrOverflow
	}
	second, err := MulDiv(first, first, new(uint256.Int).Mul(uint256.NewInt(2), WAD), RoundDown)
	if err != nil {
		return nil, err
	}
	third, err := MulDiv(second, first, new(uint256.Int).Mul(uint256.NewInt(3), WAD), RoundDown)
	if err != nil {
		return nil, err
	}
	sum, err := Add(first, second)
	if err != nil {
		return nil, err
	}
	return Add(sum, third)
}

// Settlement is the split of a closed position's proceeds.
type Settlement struct {
	TotalReturned *uint256.Int // Proceeds left after repaying the flash loan
	Yield         *uint256.Int // Proceeds above the deposit's value at open
	Fee           *uint256.Int // Performance fee owed to the treasury
	UserAmount    *uint256.Int // TotalReturned - Fee
}

// YieldFee splits totalReturned between the treasury and the user. Only the
// part above depositValue is yield; the fee is
//
//	yield * feeRate / 10^loanDecimals
//
// rounded up, since it is owed to the protocol, and capped at the yield
// itself.
func YieldFee(totalReturned, depositValue, feeRate *uint256.Int, loanDecimals uint8) (Settlement, error) {
	yield := SubFloor(totalReturned, depositValue)

	unit, err := Pow10(loanDecimals)
	if err != nil {
		return Settlement{}, err
	}
	fee, err := MulDiv(yield, feeRate, unit, RoundUp)
	if err != nil {
		return Settlement{}, err
	}
	if fee.Cmp(yield) > 0 {
		fee = new(uint256.Int).Set(yield)
	}

	return Settlement{
		TotalReturned: new(uint256.Int).Set(totalReturned),
		Yield:         yield,
		Fee:           fee,
		UserAmount:    new(uint256.Int).Sub(totalReturned, fee),
	}, nil
}
