package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatUnits renders an integer amount of base units as a decimal string
// with the given number of decimals. The fractional part keeps at least one
// digit, so 1_500_000 with 6 decimals is "1.5" and zero is "0.0".
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		v = new(big.Int)
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()

	var out string
	if decimals <= 0 {
		out = digits
	} else {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		whole := digits[:len(digits)-decimals]
		frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
		if frac == "" {
			frac = "0"
		}
		out = whole + "." + frac
	}
	if neg {
		return "-" + out
	}
	return out
}

// ParseUnits is the inverse of FormatUnits. It rejects values with more
// significant fractional digits than decimals allows.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("chain: parse units: empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimLeft(s, "+-")

	whole, frac, _ := strings.Cut(s, ".")
	frac = strings.TrimRight(frac, "0")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("chain: parse units %q: more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("chain: parse units %q: not a decimal number", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// BasisPointsToPercent converts on-chain basis points (10000 = 100%) to a
// display percentage.
func BasisPointsToPercent(bps *big.Int) float64 {
	if bps == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(bps).Float64()
	return f / 100
}
