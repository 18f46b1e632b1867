package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// WadDecimals is the standardized precision every risk and value computation
// is carried in before being rescaled to a token's native decimals.
const WadDecimals = 18

// WAD is 1e18. Shared constants are read-only: always use them as operands,
// never as receivers.
var WAD = uint256.NewInt(1e18)

var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow       = errors.New("fixedpoint: 256-bit overflow")
	ErrUnderflow      = errors.New("fixedpoint: subtraction underflow")
	ErrPrecision      = errors.New("fixedpoint: precision out of range")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

var pow10 [78]*uint256.Int

func init() {
	pow10[0] = uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 1; i < len(pow10); i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n. n must be below 78 (10^78 > 2^256).
func Pow10(n uint8) (*uint256.Int, error) {
	if int(n) >= len(pow10) {
		return nil, fmt.Errorf("%w: 10^%d", ErrPrecision, n)
	}
	return new(uint256.Int).Set(pow10[n]), nil
}

// MulDiv computes x*y/d with a 512-bit intermediate and the requested rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}

	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return q, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfEven:
		// Compare rem against d-rem instead of 2*rem against d so the check
		// cannot overflow for divisors near 2^256.
		other := new(uint256.Int).Sub(d, rem)
		cmp := rem.Cmp(other)
		if cmp > 0 || (cmp == 0 && q.Uint64()&1 == 1) {
			roundUp = true
		}
	}

	if roundUp {
		if _, overflow := q.AddOverflow(q, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return q, nil
}

// WMul computes x*y/WAD.
func WMul(x, y *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, y, WAD, mode)
}

// WDivDown computes x*WAD/y rounded toward zero.
func WDivDown(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, WAD, y, RoundDown)
}

// WDivUp computes x*WAD/y rounded away from zero.
func WDivUp(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, WAD, y, RoundUp)
}

// ScaleDecimals rescales amount from one decimal precision to another.
// Scaling up is exact; scaling down applies the rounding mode.
func ScaleDecimals(amount *uint256.Int, from, to uint8, mode RoundingMode) (*uint256.Int, error) {
	switch {
	case from == to:
		return new(uint256.Int).Set(amount), nil
	case to > from:
		factor, err := Pow10(to - from)
		if err != nil {
			return nil, err
		}
		z, overflow := new(uint256.Int).MulOverflow(amount, factor)
		if overflow {
			return nil, ErrOverflow
		}
		return z, nil
	default:
		factor, err := Pow10(from - to)
		if err != nil {
			return nil, err
		}
		return MulDiv(amount, uint256.NewInt(1), factor, mode)
	}
}

// ToWad lifts a native-decimal amount into 18-decimal fixed point.
func ToWad(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	return ScaleDecimals(amount, decimals, WadDecimals, RoundDown)
}

// FromWad lowers an 18-decimal value to a token's native decimals.
func FromWad(wad *uint256.Int, decimals uint8, mode RoundingMode) (*uint256.Int, error) {
	return ScaleDecimals(wad, WadDecimals, decimals, mode)
}

// Sub returns a-b or ErrUnderflow.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Add returns a+b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// SubFloor returns max(0, a-b).
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
