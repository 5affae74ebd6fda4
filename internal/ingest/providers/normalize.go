package providers

import "strings"

// normalizeGenericList walks payload[listKey] (expected []any of map[string]any
// rows) and extracts the named fields into ContractFields, dropping and
// counting any row missing a required field or carrying an unparseable
// contract_type. This is the shared shape used by every normalizer in this
// package; vendor-specific field names are passed in by the caller.
func normalizeGenericList(payload RawPayload, listKey, typeField, strikeField, expiryField, bidField, askField string) ([]ContractFields, int) {
	rawList, _ := payload[listKey].([]any)
	out := make([]ContractFields, 0, len(rawList))
	dropped := 0

	for _, rawRow := range rawList {
		row, ok := rawRow.(map[string]any)
		if !ok {
			dropped++
			continue
		}

		ctype, ok := asContractType(row[typeField])
		if !ok {
			dropped++
			continue
		}
		strike, ok := asFloat(row[strikeField])
		if !ok {
			dropped++
			continue
		}
		expiry, ok := row[expiryField].(string)
		if !ok || expiry == "" {
			dropped++
			continue
		}

		cf := ContractFields{ContractType: ctype, Strike: strike, Expiry: expiry}
		if v, ok := asFloat(row[bidField]); ok {
			cf.Bid, cf.HasBid = v, true
		}
		if v, ok := asFloat(row[askField]); ok {
			cf.Ask, cf.HasAsk = v, true
		}
		if v, ok := asFloat(row["mark"]); ok {
			cf.Mark, cf.HasMark = v, true
		}
		if v, ok := asFloat(row["iv"]); ok {
			cf.IV, cf.HasIV = v, true
		}
		if v, ok := asFloat(row["delta"]); ok {
			cf.Delta, cf.HasDelta = v, true
		}
		if v, ok := asFloat(row["gamma"]); ok {
			cf.Gamma, cf.HasGamma = v, true
		}
		if v, ok := asFloat(row["theta"]); ok {
			cf.Theta, cf.HasTheta = v, true
		}
		if v, ok := asFloat(row["vega"]); ok {
			cf.Vega, cf.HasVega = v, true
		}
		if v, ok := asInt(row["oi"]); ok {
			cf.OI, cf.HasOI = v, true
		}
		if v, ok := asInt(row["volume"]); ok {
			cf.Volume, cf.HasVolume = v, true
		}
		if v, ok := row["updated"].(string); ok {
			cf.Updated = v
		}

		out = append(out, cf)
	}
	return out, dropped
}

func asContractType(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	lower := strings.ToLower(s)
	if lower != "call" && lower != "put" {
		return "", false
	}
	return lower, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
