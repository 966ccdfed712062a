package fx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupportedCurrency is returned for codes that are not ISO 4217.
	ErrUnsupportedCurrency = errors.New("fx: unsupported currency")

	errNoQuotes = errors.New("fx: quote source returned no usable rates")
)

// ValidateCode checks that code is a known ISO 4217 currency and returns it
// upper-cased.
func ValidateCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || money.GetCurrency(code) == nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return code, nil
}

// Format renders amount in code's conventional notation, e.g. "$1,234.50"
// or "₹83,500.00". Amounts are rounded to the currency's minor unit.
func Format(amount decimal.Decimal, code string) string {
	cur := money.GetCurrency(strings.ToUpper(code))
	if cur == nil {
		return amount.StringFixed(2) + " " + code
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

// Symbol returns the currency's grapheme, or the code itself when unknown.
func Symbol(code string) string {
	if cur := money.GetCurrency(strings.ToUpper(code)); cur != nil {
		return cur.Grapheme
	}
	return code
}
