package common

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxDecimals bounds the precision accepted for a denomination. 18 matches the
// widest ERC-20 token precision in use.
const MaxDecimals = 18

var (
	ErrInvalidAmount    = errors.New("amount must be a non-negative decimal")
	ErrAmountPrecision  = errors.New("amount exceeds denomination precision")
	ErrAmountOverflow   = errors.New("amount overflows 256 bits")
	ErrInvalidDecimals  = errors.New("denomination decimals out of range")
	ErrMissingDenomUnit = errors.New("denomination symbol required")
)

// Denomination describes the fixed-point unit that amounts are expressed in.
// Amounts are stored as integers counting the minimum unit, so a USDC
// denomination with six decimals stores 2.5 USDC as 2_500_000.
type Denomination struct {
	Symbol   string `toml:"symbol" yaml:"symbol" json:"symbol"`
	Decimals uint8  `toml:"decimals" yaml:"decimals" json:"decimals"`
}

// Validate checks the denomination is usable.
func (d Denomination) Validate() error {
	if strings.TrimSpace(d.Symbol) == "" {
		return ErrMissingDenomUnit
	}
	if d.Decimals > MaxDecimals {
		return ErrInvalidDecimals
	}
	return nil
}

// Parse converts a human decimal string into minimum units. Values carrying
// more fractional digits than the denomination supports are rejected rather
// than rounded.
func (d Denomination) Parse(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, ErrInvalidAmount
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return d.FromDecimal(parsed)
}

// FromDecimal scales a decimal value into minimum units.
func (d Denomination) FromDecimal(value decimal.Decimal) (*uint256.Int, error) {
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	scaled := value.Shift(int32(d.Decimals))
	if !scaled.IsInteger() {
		return nil, ErrAmountPrecision
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

// ToDecimal converts minimum units back into a decimal value.
func (d Denomination) ToDecimal(amount *uint256.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(d.Decimals))
}

// Format renders the amount with exactly Decimals fractional digits.
func (d Denomination) Format(amount *uint256.Int) string {
	return d.ToDecimal(amount).StringFixed(int32(d.Decimals))
}

// CloneAmount returns a copy of amount, treating nil as zero.
func CloneAmount(amount *uint256.Int) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(amount)
}
