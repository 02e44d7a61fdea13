package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ToString renders a column value as a string; nil becomes "".
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ToStringPtr returns nil for SQL NULL.
func ToStringPtr(v any) *string {
	if v == nil {
		return nil
	}
	s := ToString(v)
	return &s
}

func ToInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case json.Number:
		n, _ := val.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

// ToIntPtr returns nil for SQL NULL.
func ToIntPtr(v any) *int {
	if v == nil {
		return nil
	}
	n := ToInt(v)
	return &n
}

// ToBool handles SQLite's integer booleans.
func ToBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	default:
		return false
	}
}

// ParseTime accepts time.Time (postgres) and the text layouts sqlite rows carry.
func ParseTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case string:
		for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
	case []byte:
		return ParseTime(string(val))
	}
	return time.Time{}, false
}

// ParseTimePtr returns nil for SQL NULL or unparseable values.
func ParseTimePtr(v any) *time.Time {
	t, ok := ParseTime(v)
	if !ok {
		return nil
	}
	return &t
}

// ParseJSONMap decodes a JSON object column.
func ParseJSONMap(v any) map[string]any {
	out := map[string]any{}
	switch val := v.(type) {
	case map[string]any:
		return val
	case string:
		_ = json.Unmarshal([]byte(val), &out)
	case []byte:
		_ = json.Unmarshal(val, &out)
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

// ParseStringMap decodes a JSON object of strings, such as webhook headers.
func ParseStringMap(v any) map[string]string {
	out := map[string]string{}
	for k, val := range ParseJSONMap(v) {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

// ParseStringSlice decodes a JSON array column.
func ParseStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		var out []string
		if err := json.Unmarshal([]byte(val), &out); err == nil && out != nil {
			return out
		}
	case []byte:
		return ParseStringSlice(string(val))
	}
	return []string{}
}

// ParseRawJSON returns a JSON column as raw bytes, nil for NULL.
func ParseRawJSON(v any) json.RawMessage {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return json.RawMessage(val)
	case []byte:
		if len(val) == 0 {
			return nil
		}
		return json.RawMessage(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return b
	}
}

func jsonParam(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
