package events

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', 0, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func decimalFromAny(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func decimalOrZero(v any) decimal.Decimal {
	if d, ok := decimalFromAny(v); ok {
		return d
	}
	return decimal.Decimal{}
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return i
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}

func mapFromAny(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// entryList extracts a list of objects from a payload that may be a bare
// list, a single object, or a result envelope keyed by one of the given
// names. Exchange responses are inconsistent about which shape they use.
func entryList(payload any, keys ...string) []map[string]any {
	switch data := payload.(type) {
	case []map[string]any:
		return data
	case []any:
		return collectMaps(data)
	case map[string]any:
		for _, key := range keys {
			if list, ok := data[key].([]any); ok {
				return collectMaps(list)
			}
		}
		if nested, ok := data["result"]; ok {
			return entryList(nested, keys...)
		}
		// single-object payloads normalize to a one-entry list
		return []map[string]any{data}
	default:
		return nil
	}
}

func collectMaps(raw []any) []map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// errorEnvelope detects the exchange's error wrapper and returns its message.
func errorEnvelope(payload any) (string, bool) {
	m, ok := mapFromAny(payload)
	if !ok {
		return "", false
	}
	rawErr, ok := m["error"]
	if !ok {
		return "", false
	}
	if errMap, ok := mapFromAny(rawErr); ok {
		if msg := stringFromAny(errMap["message"]); msg != "" {
			return msg, true
		}
		return "unspecified exchange error", true
	}
	if msg := stringFromAny(rawErr); msg != "" {
		return msg, true
	}
	return "unspecified exchange error", true
}

// quoteAsset returns the quote leg of a canonical pair like "BTC-USDC".
func quoteAsset(tradingPair string) string {
	if _, quote, ok := strings.Cut(tradingPair, "-"); ok {
		return quote
	}
	return tradingPair
}
