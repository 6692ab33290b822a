package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	errAmountEmpty     = errors.New("amount: empty value")
	errAmountMalformed = errors.New("amount: malformed decimal")
	errAmountPrecision = errors.New("amount: too many fractional digits")
	errAmountNegative  = errors.New("amount: negative value")
)

// ParseAmount converts a decimal string into exact minor units at the given
// precision. "12.5" at precision 2 becomes 1250. Fractional digits beyond the
// precision are rejected, never rounded.
func ParseAmount(value string, precision uint8) (*big.Int, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, errAmountEmpty
	}
	neg := false
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		neg = true
		s = s[1:]
	}
	if s == "" {
		return nil, errAmountMalformed
	}
	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart = s[:idx]
		fracPart = s[idx+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return nil, errAmountMalformed
		}
	}
	if intPart == "" && fracPart == "" {
		return nil, errAmountMalformed
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return nil, errAmountMalformed
		}
	}
	// Trailing zeros in the fraction are insignificant.
	trimmed := strings.TrimRight(fracPart, "0")
	if len(trimmed) > int(precision) {
		return nil, fmt.Errorf("%w: %q at precision %d", errAmountPrecision, value, precision)
	}
	padded := fracPart
	for len(padded) < int(precision) {
		padded += "0"
	}
	padded = padded[:precision]
	units, ok := new(big.Int).SetString(intPart+padded, 10)
	if !ok {
		return nil, errAmountMalformed
	}
	if neg && units.Sign() != 0 {
		units.Neg(units)
	}
	return units, nil
}

// ParsePositiveAmount parses and additionally rejects negative values, the
// common case for limits and payment amounts.
func ParsePositiveAmount(value string, precision uint8) (*big.Int, error) {
	units, err := ParseAmount(value, precision)
	if err != nil {
		return nil, err
	}
	if units.Sign() < 0 {
		return nil, errAmountNegative
	}
	return units, nil
}

// FormatAmount renders minor units back into a decimal string without
// trailing zeros. The inverse of ParseAmount for all valid inputs.
func FormatAmount(units *big.Int, precision uint8) string {
	if units == nil {
		return "0"
	}
	v := new(big.Int).Set(units)
	neg := v.Sign() < 0
	if neg {
		v.Neg(v)
	}
	digits := v.String()
	if precision == 0 {
		if neg {
			return "-" + digits
		}
		return digits
	}
	for len(digits) <= int(precision) {
		digits = "0" + digits
	}
	intPart := digits[:len(digits)-int(precision)]
	fracPart := strings.TrimRight(digits[len(digits)-int(precision):], "0")
	out := intPart
	if fracPart != "" {
		out = intPart + "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
