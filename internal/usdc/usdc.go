// Package usdc provides shared USDC parsing and formatting utilities.
//
// USDC uses 6 decimal places. All amounts are stored as big.Int in
// the smallest unit (1 USDC = 1,000,000 units). Policy limits, spend
// counters, and transfer amounts all move through this package so that
// comparisons are exact integer arithmetic, never floats.
package usdc

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal amount string to its smallest-unit value, so
// "1.50" becomes 1500000. The empty string parses as zero. Negative and
// otherwise malformed inputs return false; fractional digits past the
// sixth are truncated, never rounded.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	return new(big.Int).SetString(whole+frac, 10)
}

// MustParse is Parse for amounts already known to be valid, such as
// configuration values checked at startup. It panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("usdc: invalid amount %q", s))
	}
	return v
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= Decimals {
		digits = strings.Repeat("0", Decimals+1-len(digits)) + digits
	}
	cut := len(digits) - Decimals
	out := digits[:cut] + "." + digits[cut:]
	if amount.Sign() < 0 {
		return "-" + out
	}
	return out
}

// Canonical normalizes an amount string to its canonical 6-decimal form,
// so that "1.5", "1.50" and "1.500000" all become "1.500000". Intent
// fingerprints and stored counters use canonical form to keep equal
// amounts byte-equal. Returns ("", false) on invalid input.
func Canonical(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}
