// Package amount provides shared parsing and formatting for ledger amounts.
//
// Stellar assets carry 7 decimal places (1 unit = 10,000,000 stroops). USD
// values (prices, store credit) are kept at cent precision when displayed
// but computed at full decimal precision.
package amount

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits a ledger amount carries.
const Decimals = 7

// USDDecimals is the display precision for fiat values.
const USDDecimals = 2

var (
	ErrEmpty    = errors.New("amount is empty")
	ErrNegative = errors.New("amount must not be negative")
	ErrInvalid  = errors.New("invalid amount format")
)

// Parse converts a decimal string (e.g. "1.0100000") to a decimal.
// Precision beyond 7 places is truncated, as the ledger does.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrNegative
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	return d.Truncate(Decimals), nil
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.New("amount must be greater than zero")
	}
	return d, nil
}

// Format renders a ledger amount with exactly 7 decimal places ("1.0100000").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// FormatUSD renders a fiat value with cent precision ("1.01").
func FormatUSD(d decimal.Decimal) string {
	return d.StringFixed(USDDecimals)
}

// ToStroops converts an amount to the ledger's smallest unit.
func ToStroops(d decimal.Decimal) int64 {
	return d.Shift(Decimals).Truncate(0).IntPart()
}

// FromStroops converts smallest units back to an amount.
func FromStroops(stroops int64) decimal.Decimal {
	return decimal.New(stroops, -Decimals)
}

// CeilLedger rounds an amount up to the ledger's 7 decimal places. Required
// payment totals round up so a buyer can never satisfy them with less.
func CeilLedger(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(Decimals)
}

// FromFixedPoint interprets an integer string with the given implied decimals
// (oracle feeds publish prices as integers with 14 implied decimals).
func FromFixedPoint(raw string, decimals int32) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrEmpty
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if !d.Equal(d.Truncate(0)) {
		return decimal.Zero, ErrInvalid
	}
	return d.Shift(-decimals), nil
}
