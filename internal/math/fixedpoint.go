package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// RoundingMode selects how integer division remainders are treated.
// RoundDown is used when crediting a caller, RoundUp when debiting one,
// so every conversion leaves any dust inside the pool.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor
	RoundUp                       // ceiling
)

func (r RoundingMode) String() string {
	if r == RoundUp {
		return "up"
	}
	return "down"
}

const (
	// ShareDecimals is the fixed precision of claim tokens.
	ShareDecimals uint8 = 18

	// RayDecimals is the precision of exchange rates.
	RayDecimals uint8 = 27

	// MaxBPS is 100% expressed in basis points.
	MaxBPS uint64 = 10_000

	maxDecimals uint8 = 77
)

var (
	ErrOverflow        = errors.New("fixed-point overflow")
	ErrInvalidDecimals = errors.New("decimals out of range")
)

var (
	one = uint256.NewInt(1)
	ray = pow10Must(RayDecimals)
)

// Ray returns 1e27.
func Ray() *uint256.Int {
	return new(uint256.Int).Set(ray)
}

// Pow10 returns 10^n.
func Pow10(n uint8) (*uint256.Int, error) {
	if n > maxDecimals {
		return nil, ErrInvalidDecimals
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n))), nil
}

func pow10Must(n uint8) *uint256.Int {
	v, err := Pow10(n)
	if err != nil {
		panic(err)
	}
	return v
}

// MulDiv computes x * y / denominator with a 512-bit intermediate.
// A zero denominator yields zero: a pool whose assets were wiped out is
// treated as fully diluted instead of trapping.
func MulDiv(x, y, denominator *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	if denominator.IsZero() {
		return new(uint256.Int), nil
	}

	result, overflow := new(uint256.Int).MulDivOverflow(x, y, denominator)
	if overflow {
		return nil, ErrOverflow
	}

	if rounding == RoundUp {
		remainder := new(uint256.Int).MulMod(x, y, denominator)
		if !remainder.IsZero() {
			if _, overflow := result.AddOverflow(result, one); overflow {
				return nil, ErrOverflow
			}
		}
	}

	return result, nil
}

// Add returns x + y, failing on overflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// SubFloor returns x - y clamped at zero.
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// MaxUint256 returns 2^256 - 1, used as the "unlimited" sentinel.
func MaxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// IsMax reports whether x is the unlimited sentinel.
func IsMax(x *uint256.Int) bool {
	return x.Eq(MaxUint256())
}

// ScaleDecimals rescales x from one decimal precision to another.
// Scaling up is exact (or overflows); scaling down rounds per rounding.
func ScaleDecimals(x *uint256.Int, from, to uint8, rounding RoundingMode) (*uint256.Int, error) {
	switch {
	case from == to:
		return new(uint256.Int).Set(x), nil
	case from < to:
		factor, err := Pow10(to - from)
		if err != nil {
			return nil, err
		}
		scaled, overflow := new(uint256.Int).MulOverflow(x, factor)
		if overflow {
			return nil, ErrOverflow
		}
		return scaled, nil
	default:
		factor, err := Pow10(from - to)
		if err != nil {
			return nil, err
		}
		return MulDiv(x, one, factor, rounding)
	}
}

// ToRay normalises a rate quoted with rateDecimals to RAY precision.
func ToRay(rate *uint256.Int, rateDecimals uint8) (*uint256.Int, error) {
	return ScaleDecimals(rate, rateDecimals, RayDecimals, RoundDown)
}

// RayMul returns x * rate / 1e27.
func RayMul(x, rate *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, rate, ray, rounding)
}

// RayDiv returns x * 1e27 / rate. A zero rate yields zero.
func RayDiv(x, rate *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, ray, rate, rounding)
}

// BpsOf returns x * bps / 10_000.
func BpsOf(x *uint256.Int, bps uint64, rounding RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), uint256.NewInt(MaxBPS), rounding)
}
