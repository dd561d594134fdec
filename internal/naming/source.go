package naming

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Source supplies placeholder values.
type Source interface {
	Lookup(key string) (any, bool)
}

// Fields is a map-backed Source. The zero value is an empty source.
type Fields map[string]any

func (f Fields) Lookup(key string) (any, bool) {
	v, ok := f[key]
	return v, ok
}

// Fetch is a placeholder value that has to be looked up remotely, e.g. a
// barista's current display name. Calls with the same non-empty Key that
// overlap in time share one lookup.
type Fetch struct {
	Key string
	Do  func(ctx context.Context) (string, error)
}

// formatValue converts a local value to its display form. ok is false for
// values that count as missing.
func formatValue(v any, loc *time.Location) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case *string:
		if x == nil {
			return "", false
		}
		return *x, true
	case time.Time:
		if x.IsZero() {
			return "", false
		}
		return x.In(loc).Format(time.DateOnly), true
	case *time.Time:
		if x == nil || x.IsZero() {
			return "", false
		}
		return x.In(loc).Format(time.DateOnly), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case *int64:
		if x == nil {
			return "", false
		}
		return strconv.FormatInt(*x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case *float64:
		if x == nil {
			return "", false
		}
		return strconv.FormatFloat(*x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}
