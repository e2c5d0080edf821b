// Package wad provides fixed-point arithmetic helpers for 1e18-scaled
// accounting values. All functions are pure: inputs are never mutated and
// results are freshly allocated.
package wad

import "math/big"

// Scale is the fixed-point scale used by every accumulator in the engine.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// BasisPoints is the denominator for basis-point fractions.
var BasisPoints = big.NewInt(10_000)

// MulDiv returns a*b/d with floor division. Panics if d is zero, matching
// big.Int semantics for division by zero.
func MulDiv(a, b, d *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, d)
}

// MulWad returns a*b/1e18 with floor division.
func MulWad(a, b *big.Int) *big.Int {
	return MulDiv(a, b, Scale)
}

// DivWad returns a*1e18/b with floor division.
func DivWad(a, b *big.Int) *big.Int {
	return MulDiv(a, Scale, b)
}

// Bps returns a*bps/10000 with floor division.
func Bps(a *big.Int, bps int64) *big.Int {
	return MulDiv(a, big.NewInt(bps), BasisPoints)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns a copy of the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// IsZero reports whether a is nil or zero.
func IsZero(a *big.Int) bool {
	return a == nil || a.Sign() == 0
}
