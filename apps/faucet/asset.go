package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// hbarDecimals is the number of tinybar places in one HBAR.
const hbarDecimals = 8

// Asset describes what the faucet hands out. Immutable after startup.
type Asset struct {
	// TokenID is empty for native HBAR.
	TokenID string
	// Units is the per-claim amount in the smallest denomination
	// (tinybar for HBAR, token base units otherwise).
	Units int64
}

// IsNative reports whether the faucet distributes HBAR rather than a token.
func (a Asset) IsNative() bool { return a.TokenID == "" }

func (a Asset) String() string {
	if a.IsNative() {
		return fmt.Sprintf("%d tinybar", a.Units)
	}
	return fmt.Sprintf("%d units of %s", a.Units, a.TokenID)
}

// newAsset converts a whole-unit decimal amount (e.g. "10" or "0.5") to
// smallest units. decimals is ignored for HBAR.
func newAsset(tokenID, amount string, decimals int32) (Asset, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		decimals = hbarDecimals
	}
	if decimals < 0 || decimals > 18 {
		return Asset{}, fmt.Errorf("token decimals out of range: %d", decimals)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Asset{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	units := d.Shift(decimals)
	if !units.IsInteger() {
		return Asset{}, fmt.Errorf("amount %s has more than %d decimal places", d, decimals)
	}
	if !units.IsPositive() {
		return Asset{}, fmt.Errorf("amount must be positive, got %s", d)
	}
	if units.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return Asset{}, fmt.Errorf("amount %s overflows", d)
	}
	return Asset{TokenID: tokenID, Units: units.IntPart()}, nil
}
