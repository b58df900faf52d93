package internal

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	timeType = reflect.TypeFor[time.Time]()
	uuidType = reflect.TypeFor[uuid.UUID]()
)

// timeLayouts are tried in order when a driver hands back a timestamp as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// assignValue stores a raw column value into dst, converting between the representations
// drivers return and the Go field type.
func assignValue(dst reflect.Value, raw any) error {
	if raw == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := assignValue(elem.Elem(), raw); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}

	if b, ok := raw.([]byte); ok && dst.Type() != reflect.TypeFor[[]byte]() {
		if dst.Type() == uuidType {
			id, ok := toUUID(b)
			if !ok {
				return fmt.Errorf("cannot convert %q to uuid", b)
			}
			dst.Set(reflect.ValueOf(id))
			return nil
		}
		raw = string(b)
	}

	src := reflect.ValueOf(raw)
	switch {
	case dst.Type() == uuidType:
		id, ok := toUUID(raw)
		if !ok {
			return fmt.Errorf("cannot convert %T to uuid", raw)
		}
		dst.Set(reflect.ValueOf(id))
		return nil
	case dst.Type() == timeType:
		t, err := toTime(raw)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
		return nil
	}

	if s, ok := raw.(string); ok {
		return parseInto(dst, s)
	}

	if isNumeric(src.Kind()) && isNumeric(dst.Kind()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	if src.Kind() == reflect.Int64 && dst.Kind() == reflect.Bool {
		dst.SetBool(src.Int() != 0)
		return nil
	}
	if src.Type().ConvertibleTo(dst.Type()) && src.Kind() == dst.Kind() {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", raw, dst.Type())
}

func parseInto(dst reflect.Value, s string) error {
	switch dst.Kind() {
	case reflect.String:
		dst.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as %s: %w", s, dst.Type(), err)
		}
		dst.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as %s: %w", s, dst.Type(), err)
		}
		dst.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as %s: %w", s, dst.Type(), err)
		}
		dst.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("cannot parse %q as bool: %w", s, err)
		}
		dst.SetBool(b)
	default:
		return fmt.Errorf("cannot assign string to %s", dst.Type())
	}
	return nil
}

func toTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as time", v)
	case int64:
		return time.UnixMilli(v), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", raw)
	}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// normalizeKey converts a lookup key to the primary-key field type so identity-map keys compare equal.
func normalizeKey(key any, idType reflect.Type) (any, error) {
	if key == nil {
		return nil, fmt.Errorf("nil key")
	}
	if reflect.TypeOf(key) == idType {
		return key, nil
	}
	v := reflect.New(idType).Elem()
	if err := assignValue(v, key); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// columnValue prepares a field value as a statement argument.
func columnValue(v reflect.Value) any {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		if _, ok := v.Interface().(driver.Valuer); !ok {
			v = v.Elem()
		}
	}
	return v.Interface()
}
