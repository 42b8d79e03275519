package bencode

import "fmt"

// ToString narrows a decoded value (int64, string, []any, map[string]any)
// into a Go string, for callers that know a given key holds a byte string.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("bencode: not a string: %T", v)
	}
}

// ToInt narrows a decoded value into an int64.
func ToInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("bencode: not an int: %T", v)
	}
}
