package fingerprint

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize encodes a payload as compact JSON with all object keys sorted
// recursively. The output is byte-stable for logically-equivalent payloads,
// which is what makes digests comparable across backends that serialize
// differently.
func Canonicalize(payload map[string]any) ([]byte, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, payload); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(data)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("non-finite number in payload")
		}
		// Integral floats encode without a fraction so 2 and 2.0 hash the same.
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			sb.WriteString(strconv.FormatInt(int64(val), 10))
		} else {
			sb.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
		}
	case int:
		sb.WriteString(strconv.Itoa(val))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		sb.WriteString(val.String())
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kd, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kd)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		// Fall back to a JSON round-trip for less common types
		// (e.g. map[string]string from YAML decoding).
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("unsupported payload value %T: %w", val, err)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("unsupported payload value %T: %w", val, err)
		}
		// Avoid infinite recursion: the round-trip yields only canonical types.
		if _, again := generic.(map[string]any); again || isCanonicalType(generic) {
			return writeCanonical(sb, generic)
		}
		return fmt.Errorf("unsupported payload value %T", val)
	}
	return nil
}

func isCanonicalType(v any) bool {
	switch v.(type) {
	case nil, bool, string, float64, []any:
		return true
	}
	return false
}
