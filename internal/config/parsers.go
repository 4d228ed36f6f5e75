// Package config loads metricbus settings from files, flags and environment.
package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// lookupSetting returns the first of the candidate keys present in
// settings. Section maps are lowercased by toStringKeyMap, so candidates
// are also tried in lower case.
func lookupSetting(settings map[string]interface{}, candidates ...string) (interface{}, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

const maxDurationSeconds = float64(math.MaxInt64 / int64(time.Second))

func asString(value interface{}) (string, error) {
	return cast.ToStringE(value)
}

// blank reports whether value is an empty or whitespace-only string, which
// config files use to mean "unset".
func blank(value interface{}) bool {
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func trimmed(value interface{}) interface{} {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}

func asInt(value interface{}) (int, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToIntE(trimmed(value))
}

func asFloat64(value interface{}) (float64, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToFloat64E(trimmed(value))
}

func asBool(value interface{}) (bool, error) {
	if blank(value) {
		return false, nil
	}
	return cast.ToBoolE(trimmed(value))
}

// asDuration reads a duration setting. Strings with a unit ("90s", "1h")
// are parsed as Go durations; bare numbers, quoted or not, are seconds.
func asDuration(value interface{}) (time.Duration, error) {
	if blank(value) {
		return 0, nil
	}
	switch v := trimmed(value).(type) {
	case time.Duration:
		return v, nil
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return secondsDuration(secs)
		}
		return cast.ToDurationE(v)
	default:
		secs, err := cast.ToFloat64E(v)
		if err != nil {
			return 0, err
		}
		return secondsDuration(secs)
	}
}

func secondsDuration(secs float64) (time.Duration, error) {
	if math.IsNaN(secs) || math.Abs(secs) > maxDurationSeconds {
		return 0, fmt.Errorf("duration %v seconds out of range", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// asStringSlice reads a list setting. A single string is split on commas so
// `allowed_origins: "a.test, b.test"` works like a YAML list.
func asStringSlice(value interface{}) ([]string, error) {
	if s, ok := value.(string); ok {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	if value == nil {
		return nil, nil
	}
	return cast.ToStringSliceE(value)
}

func asStringMap(value interface{}) (map[string]string, error) {
	if value == nil {
		return nil, nil
	}
	return cast.ToStringMapStringE(value)
}

// toStringKeyMap turns a config section into a map with trimmed, lowercased
// keys. YAML decoders may hand back map[interface{}]interface{}.
func toStringKeyMap(value interface{}) (map[string]interface{}, error) {
	m, err := cast.ToStringMapE(value)
	if err != nil {
		return nil, fmt.Errorf("expected a section map, got %T", value)
	}
	out := make(map[string]interface{}, len(m))
	for key, val := range m {
		out[strings.ToLower(strings.TrimSpace(key))] = val
	}
	return out, nil
}
