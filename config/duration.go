// config/duration.go
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// parseDurationFlexible accepts strings like "90s"/"2m", numeric seconds, or time.Duration.
// Config files written for the original tool give delays as plain seconds, so a
// bare number always means seconds. Negative values are rejected.
func parseDurationFlexible(raw interface{}) (time.Duration, error) {
	switch t := raw.(type) {
	case time.Duration:
		if t < 0 {
			return 0, fmt.Errorf("duration must be >= 0")
		}
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			if d < 0 {
				return 0, fmt.Errorf("duration must be >= 0")
			}
			return d, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return secondsDuration(f)
		}
		return 0, fmt.Errorf("cannot parse duration %q", s)
	case int:
		return secondsDuration(float64(t))
	case int32:
		return secondsDuration(float64(t))
	case int64:
		return secondsDuration(float64(t))
	case float64:
		return secondsDuration(t)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot use %T as duration", raw)
	}
}

func secondsDuration(f float64) (time.Duration, error) {
	if f < 0 {
		return 0, fmt.Errorf("seconds must be >= 0")
	}
	return time.Duration(f * float64(time.Second)), nil
}

// StringList decodes from either a single string or a list of strings.
// restart_cmd accepts both forms.
type StringList []string

// listDecoder is implemented by config types written in TOML as positional
// arrays, e.g. dane_tls = [[25, "tcp", 3, 1, 1]].
type listDecoder interface {
	decodeList(items []any) error
}

var (
	durationType   = reflect.TypeOf(time.Duration(0))
	stringListType = reflect.TypeOf(StringList(nil))
)

// decodeHook is passed to viper.UnmarshalExact for every config file.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationHook,
		stringListHook,
		listHook,
	)
}

func durationHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	return parseDurationFlexible(data)
}

func stringListHook(from, to reflect.Type, data any) (any, error) {
	if to != stringListType || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return StringList{}, nil
	}
	return StringList{s}, nil
}

func listHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Slice {
		return data, nil
	}
	ptr := reflect.New(to)
	ld, ok := ptr.Interface().(listDecoder)
	if !ok {
		return data, nil
	}
	items, ok := data.([]any)
	if !ok {
		return data, nil
	}
	if err := ld.decodeList(items); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// listInt converts a TOML number or numeric string to int.
func listInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// listStrings converts a TOML array (or single string) to []string.
func listStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}
