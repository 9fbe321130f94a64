// Package quantize converts a EUR amount into the crypto amount a payer must send.
package quantize

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MaxPrecision is the largest number of decimal places a coin may declare.
const MaxPrecision = 18

var (
	ErrNonPositiveDue  = errors.New("amount due must be positive")
	ErrNonPositiveRate = errors.New("exchange rate must be positive")
	ErrPrecision       = errors.New("precision out of range")
	ErrOverflow        = errors.New("amount does not fit in smallest units")
)

// Amount is a crypto amount expressed both ways. Human*10^precision == SmallestUnit always holds.
type Amount struct {
	Human        decimal.Decimal
	SmallestUnit int64
}

// Quantize returns due/rate rounded up to precision decimal places. Rounding is
// always toward the payer owing more, so the merchant is never under-charged.
func Quantize(due, rate decimal.Decimal, precision int32) (Amount, error) {
	if !due.IsPositive() {
		return Amount{}, fmt.Errorf("%w: %s", ErrNonPositiveDue, due.String())
	}
	if !rate.IsPositive() {
		return Amount{}, fmt.Errorf("%w: %s", ErrNonPositiveRate, rate.String())
	}
	if precision < 0 || precision > MaxPrecision {
		return Amount{}, fmt.Errorf("%w: %d", ErrPrecision, precision)
	}

	// Integer division of due*10^p by rate; any remainder rounds the quotient up.
	q, r := due.Shift(precision).QuoRem(rate, 0)
	if r.Sign() != 0 {
		q = q.Add(decimal.New(1, 0))
	}

	if q.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return Amount{}, fmt.Errorf("%w: %s at precision %d", ErrOverflow, q.String(), precision)
	}

	return Amount{
		Human:        q.Shift(-precision),
		SmallestUnit: q.IntPart(),
	}, nil
}

// FromSmallest converts an on-chain integer amount back into a human amount.
func FromSmallest(smallest int64, precision int32) decimal.Decimal {
	return decimal.New(smallest, -precision)
}

// FormatHuman renders the amount with exactly precision decimal places, e.g. 0.00042000.
func FormatHuman(a Amount, precision int32) string {
	return a.Human.StringFixed(precision)
}
