package normalize

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Candidate paths, most reliable upstream shape first. Order matters.
var (
	tickerPaths = []string{
		"symbol.symbol.symbol",
		"symbol.symbol.raw_symbol",
		"symbol.raw_symbol",
		"symbol.symbol",
		"symbol.ticker",
		"symbol",
		"ticker",
		"raw_symbol",
		"instrument.symbol",
		"security.symbol",
	}

	securityNamePaths = []string{
		"symbol.symbol.description",
		"symbol.description",
		"symbol.symbol.name",
		"symbol.name",
		"description",
		"security_name",
		"securityName",
		"name",
		"instrument.name",
		"security.name",
	}

	quantityPaths = []string{"units", "quantity", "fractional_units", "shares", "qty"}

	pricePaths = []string{"price", "current_price", "last_price", "market_price", "average_purchase_price"}

	// nestedStringKeys are tried when a candidate resolves to an object
	nestedStringKeys = []string{"symbol", "ticker", "code", "name", "id"}
)

var (
	tickerAccessors       = stringAccessors(tickerPaths...)
	securityNameAccessors = stringAccessors(securityNamePaths...)
	quantityAccessors     = decimalAccessors(quantityPaths...)
	priceAccessors        = decimalAccessors(pricePaths...)
)

// FirstString returns the first non-blank string found at paths, or "".
func FirstString(record any, paths ...string) string {
	s, _ := Resolve(record, stringAccessors(paths...)...)
	return s
}

// FormatTicker resolves the ticker symbol of a position record
func FormatTicker(record any) string {
	s, _ := Resolve(record, tickerAccessors...)
	return s
}

// FormatSecurityName resolves the human-readable security name
func FormatSecurityName(record any) string {
	s, _ := Resolve(record, securityNameAccessors...)
	return s
}

// FirstDecimal returns the first numeric value found at paths
func FirstDecimal(record any, paths ...string) decimal.NullDecimal {
	return toNull(Resolve(record, decimalAccessors(paths...)...))
}

func toNull(d decimal.Decimal, ok bool) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: ok}
}

func stringAccessors(paths ...string) []Accessor[string] {
	out := make([]Accessor[string], 0, len(paths))
	for _, p := range compilePaths(paths...) {
		out = append(out, stringAt(p))
	}
	return out
}

func stringAt(p Path) Accessor[string] {
	return func(v any) (string, bool) {
		found, ok := p.Lookup(v)
		if !ok {
			return "", false
		}
		if s, ok := nonBlank(found); ok {
			return s, true
		}
		// An object in place of a string carries the value one level down
		if obj, isObj := found.(map[string]any); isObj {
			for _, key := range nestedStringKeys {
				if s, ok := nonBlank(obj[key]); ok {
					return s, true
				}
			}
		}
		return "", false
	}
}

func nonBlank(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func decimalAccessors(paths ...string) []Accessor[decimal.Decimal] {
	out := make([]Accessor[decimal.Decimal], 0, len(paths))
	for _, p := range compilePaths(paths...) {
		out = append(out, decimalAt(p))
	}
	return out
}

func decimalAt(p Path) Accessor[decimal.Decimal] {
	return func(v any) (decimal.Decimal, bool) {
		found, ok := p.Lookup(v)
		if !ok {
			return decimal.Decimal{}, false
		}
		return toDecimal(found)
	}
}

// toDecimal accepts JSON numbers, Go numeric types and numeric strings.
// NaN and infinities are not numbers.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return fromUint(uint64(n)), true
	case uint8:
		return fromUint(uint64(n)), true
	case uint16:
		return fromUint(uint64(n)), true
	case uint32:
		return fromUint(uint64(n)), true
	case uint64:
		return fromUint(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func fromUint(n uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0)
}
