package mapper

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sdxl-assets/sam/internal/schema"
)

// coerce converts a side-native value into the field's internal kind.
// It fails instead of rounding, truncating or splitting.
func coerce(spec schema.FieldSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch spec.Kind {
	case schema.KindText:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'g', -1, 64), nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		}

	case schema.KindNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, mappingErr(spec.Name, v, "expected a number")
			}
			return f, nil
		}

	case schema.KindInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			return wholeNumber(spec.Name, x)
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, mappingErr(spec.Name, v, "expected an integer")
			}
			return wholeNumber(spec.Name, f)
		}

	case schema.KindList:
		switch x := v.(type) {
		case []string:
			return append([]string(nil), x...), nil
		case []any:
			out := make([]string, 0, len(x))
			for _, item := range x {
				s, ok := item.(string)
				if !ok {
					return nil, mappingErr(spec.Name, v, "list items must be strings")
				}
				out = append(out, s)
			}
			return out, nil
		}

	case schema.KindTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			if strings.TrimSpace(x) == "" {
				return nil, nil
			}
			t, err := parseTime(x)
			if err != nil {
				return nil, mappingErr(spec.Name, v, "expected an RFC 3339 timestamp or date")
			}
			return t, nil
		}

	case schema.KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			if x == 0 || x == 1 {
				return x == 1, nil
			}
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b, nil
			}
		}
	}

	return nil, mappingErr(spec.Name, v, "cannot convert %T to %s", v, spec.Kind)
}

func wholeNumber(field string, f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, mappingErr(field, f, "expected an integer, refusing to truncate")
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return nil, mappingErr(field, f, "integer out of range")
	}
	return int64(f), nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
