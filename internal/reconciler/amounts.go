package reconciler

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies render without fractional digits. ISK is the
// processor's home currency and the only one it settles this way.
var zeroDecimalCurrencies = map[string]bool{
	"ISK": true,
}

// MinorUnits converts a major-unit amount to minor units, rounding half
// away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FormatAmount renders a minor-unit amount for audit notes. Zero-decimal
// currencies get a dot thousands separator and no decimals ("1.500 ISK");
// everything else two fractional digits ("1500.00 EUR"). A non-positive
// amount renders as "N/A".
func FormatAmount(amount int64, currency string) string {
	if amount <= 0 {
		return "N/A"
	}
	major := decimal.NewFromInt(amount).Div(decimal.NewFromInt(100))
	if zeroDecimalCurrencies[currency] {
		return groupThousands(major.Round(0).String()) + " " + currency
	}
	return major.StringFixed(2) + " " + currency
}

// groupThousands inserts a '.' every three digits from the right.
func groupThousands(digits string) string {
	neg := strings.HasPrefix(digits, "-")
	if neg {
		digits = digits[1:]
	}
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	out := strings.Join(groups, ".")
	if neg {
		out = "-" + out
	}
	return out
}
