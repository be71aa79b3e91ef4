package money

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse reads a user-entered or API-provided amount. A value counts as numeric
// only when it parses to a finite float; anything else yields fallback.
func Parse(text string, fallback decimal.Decimal) decimal.Decimal {
	if d, ok := parse(text); ok {
		return d
	}
	return fallback
}

// IsNumeric reports whether Parse would accept text.
func IsNumeric(text string) bool {
	_, ok := parse(text)
	return ok
}

func parse(text string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return decimal.Zero, false
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	if d, err := decimal.NewFromString(trimmed); err == nil {
		return d, true
	}
	return decimal.NewFromFloat(f), true
}

// OrZero is Parse with a zero fallback.
func OrZero(text string) decimal.Decimal {
	return Parse(text, decimal.Zero)
}

func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// CeilCents rounds up to the next whole cent.
func CeilCents(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(2)
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Format renders an amount with two decimals for receipts and logs.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}
