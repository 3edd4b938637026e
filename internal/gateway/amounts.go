package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// normalizeAmount coerces an amount field — number or string — into a
// decimal string with exactly two fractional digits, rounding half away
// from zero. Persisted values never round-trip through binary floats;
// numeric JSON input is converted once, here, at the edge.
func normalizeAmount(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("amount missing")
	case string:
		if x == "" {
			return "", fmt.Errorf("amount missing")
		}
		d, err := decimal.NewFromString(x)
		if err != nil {
			return "", fmt.Errorf("invalid amount %q", x)
		}
		return roundAmount(d), nil
	case float64:
		return roundAmount(decimal.NewFromFloat(x)), nil
	case int:
		return roundAmount(decimal.NewFromInt(int64(x))), nil
	case int64:
		return roundAmount(decimal.NewFromInt(x)), nil
	default:
		return "", fmt.Errorf("invalid amount type %T", v)
	}
}

// roundAmount rounds half away from zero to two fractional digits.
func roundAmount(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

// normalizeOptionalAmount is normalizeAmount with "0.00" for absence.
func normalizeOptionalAmount(v interface{}) (string, error) {
	if v == nil {
		return "0.00", nil
	}
	if s, ok := v.(string); ok && s == "" {
		return "0.00", nil
	}
	return normalizeAmount(v)
}
