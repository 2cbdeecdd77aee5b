package datafilter

import (
	"encoding/json"
	"reflect"
	"strings"
)

func evaluate(condition string, input interface{}, values []interface{}) bool {
	switch condition {
	case "<":
		c, ok := compare(input, values[0])
		return ok && c < 0
	case "<=":
		c, ok := compare(input, values[0])
		return ok && c <= 0
	case ">":
		c, ok := compare(input, values[0])
		return ok && c > 0
	case ">=":
		c, ok := compare(input, values[0])
		return ok && c >= 0
	case "==":
		return equal(input, values[0])
	case "!=":
		return !equal(input, values[0])
	case "between":
		low, okLow := compare(input, values[0])
		high, okHigh := compare(input, values[1])
		return okLow && okHigh && low >= 0 && high <= 0
	case "in":
		return in(input, values)
	case "not in":
		return !in(input, values)
	case "contains":
		return containsValue(input, values[0])
	case "subset of":
		for _, item := range asList(input) {
			if !in(item, values) {
				return false
			}
		}
		return true
	case "superset of":
		items := asList(input)
		for _, v := range values {
			if !in(v, items) {
				return false
			}
		}
		return true
	}
	return false
}

// compare orders two numbers or two strings.
func compare(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func equal(a, b interface{}) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func in(input interface{}, values []interface{}) bool {
	for _, v := range values {
		if equal(input, v) {
			return true
		}
	}
	return false
}

func containsValue(input, value interface{}) bool {
	if s, ok := input.(string); ok {
		sub, ok := value.(string)
		return ok && strings.Contains(s, sub)
	}
	return in(value, asList(input))
}

func asList(v interface{}) []interface{} {
	if list, ok := v.([]interface{}); ok {
		return list
	}
	return []interface{}{v}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
