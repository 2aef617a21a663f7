package domain

import (
	"fmt"
	"math"
)

// Cents is a fixed-point money amount in integer cents.
// All cash, fee and tax arithmetic goes through this type; floating point is
// reserved for price paths and per-share quantities.
type Cents int64

// CentsFromDollars converts a float dollar amount to cents, rounding half away
// from zero.
func CentsFromDollars(d float64) Cents {
	return Cents(math.Round(d * 100))
}

// Dollars returns the float dollar value. Display and price math only.
func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

// String formats as a dollar amount, e.g. "-1234.56".
func (c Cents) String() string {
	return fmt.Sprintf("%.2f", c.Dollars())
}

// MulShares multiplies a per-share cent amount by a share quantity.
func (c Cents) MulShares(qty float64) Cents {
	return Cents(math.Round(float64(c) * qty))
}
