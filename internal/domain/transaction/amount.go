package transaction

import (
	"encoding/json"
	"fmt"

	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/shopspring/decimal"
)

// minorExponent is the number of minor-unit digits used for every currency.
const minorExponent = 2

// Amount represents a monetary amount in minor units (e.g. cents).
type Amount struct {
	Minor    int64
	Currency string
}

// Major returns the major-unit representation, e.g. 10050 -> "100.50".
func (a Amount) Major() string {
	return decimal.New(a.Minor, -minorExponent).StringFixed(minorExponent)
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Major(), a.Currency)
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	if a.Minor <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if a.Currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	if len(a.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}

// ParseMajor converts a major-unit string such as "100.50" into minor units.
// Values with more precision than the minor unit are rejected rather than rounded.
func ParseMajor(s, currency string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, errors.NewValidationError("amount", fmt.Sprintf("invalid decimal %q", s))
	}
	shifted := d.Shift(minorExponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Amount{}, errors.NewValidationError("amount", "too many decimal places")
	}
	return Amount{Minor: shifted.IntPart(), Currency: currency}, nil
}

// MinorFromAny reads a minor-unit integer from a decoded JSON value.
func MinorFromAny(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		d := decimal.NewFromFloat(n)
		if !d.IsInteger() {
			return 0, false
		}
		return d.IntPart(), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		return MinorFromAny(n.String())
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil || !d.IsInteger() {
			return 0, false
		}
		return d.IntPart(), true
	default:
		return 0, false
	}
}
