package math

import (
	"errors"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrOverflow       = errors.New("math: result overflows int64")
	ErrNegativeAmount = errors.New("math: negative amount")
	ErrPrecision      = errors.New("math: amount finer than minor unit")
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// CurrencyConfig is the default NexCoin precision (1 coin = 100 minor units).
var CurrencyConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}

// NewDecimalConfig builds a config for the given number of decimal places.
func NewDecimalConfig(precision int) DecimalConfig {
	scale := int64(1)
	for i := 0; i < precision; i++ {
		scale *= 10
	}
	return DecimalConfig{DecimalPrecision: precision, Scale: scale}
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// numerator must be non-negative and denominator positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := getInt128()
	denom.SetInt64(denominator)
	result := divideBig(numerator, denom, roundingMode)
	putInt128(denom)
	return result.Int64()
}

func divideBig(numerator, denom *big.Int, roundingMode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	quotient.QuoRem(numerator, denom, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	twice := getInt128()
	defer putInt128(twice)
	twice.Lsh(remainder, 1)
	cmp := twice.Cmp(denom)

	switch roundingMode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundHalfUp:
		if cmp >= 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
	RoundHalfUp
)

// MulDecimal computes amount * factor in minor units, rounded with mode.
// The product is computed exactly from the decimal's coefficient and exponent.
func MulDecimal(amount int64, factor decimal.Decimal, mode RoundingMode) (int64, error) {
	if amount < 0 || factor.Sign() < 0 {
		return 0, ErrNegativeAmount
	}

	product := new(big.Int).Mul(big.NewInt(amount), factor.Coefficient())
	exp := factor.Exponent()

	var result *big.Int
	if exp >= 0 {
		result = product.Mul(product, pow10(int64(exp)))
	} else {
		result = divideBig(product, pow10(int64(-exp)), mode)
	}

	if !result.IsInt64() {
		return 0, ErrOverflow
	}
	return result.Int64(), nil
}

// PercentOf computes amount * percent / 100 with the given rounding.
func PercentOf(amount int64, percent decimal.Decimal, mode RoundingMode) (int64, error) {
	return MulDecimal(amount, percent.Shift(-2), mode)
}

// ParseAmount converts a decimal string in major units ("12.50") to minor units.
func ParseAmount(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return FromDecimal(d, cfg)
}

// FromDecimal converts a major-unit decimal to minor units without rounding.
func FromDecimal(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	if d.Sign() < 0 {
		return 0, ErrNegativeAmount
	}
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrPrecision
	}
	v := scaled.BigInt()
	if !v.IsInt64() {
		return 0, ErrOverflow
	}
	return v.Int64(), nil
}

// FormatAmount renders minor units as a fixed decimal string in major units.
func FormatAmount(minor int64, cfg DecimalConfig) string {
	return decimal.New(minor, -int32(cfg.DecimalPrecision)).StringFixed(int32(cfg.DecimalPrecision))
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
