// Package payoff holds expiry payoffs of vanilla options and simple spreads.
package payoff

import (
	"fmt"
	"math"
)

// Func maps an underlying price at expiry to a payoff.
type Func func(price float64) float64

// Call is max(S-K, 0).
func Call(s, k float64) float64 {
	return math.Max(s-k, 0)
}

// Put is max(K-S, 0).
func Put(s, k float64) float64 {
	return math.Max(k-s, 0)
}

// BullSpread is long a call at k1 and short a call at k2 (k1 < k2).
func BullSpread(s, k1, k2 float64) float64 {
	return Call(s, k1) - Call(s, k2)
}

// Butterfly is long calls at low and high, short two calls at mid.
func Butterfly(s, low, mid, high float64) float64 {
	return Call(s, low) - 2*Call(s, mid) + Call(s, high)
}

// Vanilla returns the call or put payoff struck at k.
func Vanilla(k float64, isCall bool) Func {
	if isCall {
		return func(s float64) float64 { return Call(s, k) }
	}
	return func(s float64) float64 { return Put(s, k) }
}

// Kind names a payoff shape.
type Kind string

const (
	KindCall       Kind = "call"
	KindPut        Kind = "put"
	KindBullSpread Kind = "bull_spread"
	KindButterfly  Kind = "butterfly"
)

// New builds a payoff of the given kind. It checks only that the number of
// strikes fits the kind.
func New(kind Kind, strikes []float64) (Func, error) {
	need := map[Kind]int{KindCall: 1, KindPut: 1, KindBullSpread: 2, KindButterfly: 3}
	n, ok := need[kind]
	if !ok {
		return nil, fmt.Errorf("unknown payoff kind %q", kind)
	}
	if len(strikes) != n {
		return nil, fmt.Errorf("payoff %s needs %d strikes, got %d", kind, n, len(strikes))
	}

	switch kind {
	case KindCall:
		return Vanilla(strikes[0], true), nil
	case KindPut:
		return Vanilla(strikes[0], false), nil
	case KindBullSpread:
		k1, k2 := strikes[0], strikes[1]
		return func(s float64) float64 { return BullSpread(s, k1, k2) }, nil
	default:
		lo, mid, hi := strikes[0], strikes[1], strikes[2]
		return func(s float64) float64 { return Butterfly(s, lo, mid, hi) }, nil
	}
}

// Point is one sample of a payoff curve.
type Point struct {
	Price  float64 `json:"price"`
	Payoff float64 `json:"payoff"`
}

// Curve samples f at n evenly spaced prices over [lo, hi], endpoints included.
// n < 2 yields the single point lo.
func Curve(f Func, lo, hi float64, n int) []Point {
	if n < 2 {
		return []Point{{Price: lo, Payoff: f(lo)}}
	}
	step := (hi - lo) / float64(n-1)
	out := make([]Point, n)
	for i := range out {
		s := lo + float64(i)*step
		if i == n-1 {
			s = hi
		}
		out[i] = Point{Price: s, Payoff: f(s)}
	}
	return out
}
