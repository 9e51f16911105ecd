package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Missing is the value of a path that does not exist in the context. It is
// equal only to an explicit null.
type Missing struct{}

func (Missing) String() string { return "<missing>" }

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v any) bool {
	_, ok := v.(Missing)
	return ok
}

// DecodeJSON decodes a single JSON value from payload keeping numbers as json.Number so that amounts
// never pass through float64.
func DecodeJSON(payload []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return out, nil
}

// Lookup resolves a dotted path against maps and lists. The empty path
// returns data itself. A path that cannot be followed returns Missing and
// false.
func Lookup(data any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return data, true
	}

	current := data
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return Missing{}, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return Missing{}, false
			}
			current = node[index]
		default:
			value, ok := reflectLookup(current, segment)
			if !ok {
				return Missing{}, false
			}
			current = value
		}
	}
	return current, true
}

func reflectLookup(value any, segment string) (any, bool) {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(segment).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		index, err := strconv.Atoi(segment)
		if err != nil || index < 0 || index >= rv.Len() {
			return nil, false
		}
		return rv.Index(index).Interface(), true
	default:
		return nil, false
	}
}

// AsDecimal converts JSON numbers, Go numeric types and decimals. Strings are
// accepted only when strict is false and they parse as a decimal.
func AsDecimal(value any, strict bool) (decimal.Decimal, bool) {
	switch number := value.(type) {
	case decimal.Decimal:
		return number, true
	case json.Number:
		d, err := decimal.NewFromString(number.String())
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(number)), true
	case int8:
		return decimal.NewFromInt(int64(number)), true
	case int16:
		return decimal.NewFromInt(int64(number)), true
	case int32:
		return decimal.NewFromInt(int64(number)), true
	case int64:
		return decimal.NewFromInt(number), true
	case uint:
		return decimal.NewFromUint64(uint64(number)), true
	case uint8:
		return decimal.NewFromUint64(uint64(number)), true
	case uint16:
		return decimal.NewFromUint64(uint64(number)), true
	case uint32:
		return decimal.NewFromUint64(uint64(number)), true
	case uint64:
		return decimal.NewFromUint64(number), true
	case float32:
		// Format through the shortest representation so 0.1 stays 0.1.
		d, err := decimal.NewFromString(strconv.FormatFloat(float64(number), 'f', -1, 32))
		return d, err == nil
	case float64:
		d, err := decimal.NewFromString(strconv.FormatFloat(number, 'f', -1, 64))
		return d, err == nil
	case string:
		if strict {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(strings.TrimSpace(number))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func isNumber(value any) bool {
	_, ok := AsDecimal(value, true)
	return ok
}

// ValuesEqual is the loose equality used by == and by membership tests.
// Missing equals only nil; numbers compare by value, including numeric
// strings against numbers.
func ValuesEqual(left, right any) bool {
	if IsMissing(left) || IsMissing(right) {
		if IsMissing(left) && IsMissing(right) {
			return false
		}
		return left == nil || right == nil
	}
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	if isNumber(left) || isNumber(right) {
		l, lok := AsDecimal(left, false)
		r, rok := AsDecimal(right, false)
		if lok && rok {
			return l.Equal(r)
		}
		return false
	}

	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}

	return reflect.DeepEqual(left, right)
}

// Truthy follows JsonLogic truthiness: false, null, missing, zero, the empty
// string and the empty list are false.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil, Missing:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return true
	}
	if d, ok := AsDecimal(value, true); ok {
		return !d.IsZero()
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return rv.Len() > 0
	}
	return true
}

// Stringify renders a context value for interpolation into text.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil, Missing:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case decimal.Decimal:
		return v.String()
	}
	if d, ok := AsDecimal(value, true); ok {
		return d.String()
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case nil, Missing, string:
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
