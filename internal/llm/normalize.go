package llm

import (
	"bytes"
	"encoding/json"
)

// decodeJSON decodes b keeping numbers exact, then normalizes the result.
func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// Normalize rewrites a value decoded with json.Decoder.UseNumber into plain
// Go values. Integral numbers become int64, other numbers float64; slices
// and maps are rewritten recursively. Other scalars are returned unchanged.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			if f == float64(int64(f)) && f >= -9.2e18 && f <= 9.2e18 {
				return int64(f)
			}
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	default:
		return v
	}
}
