package automation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator compares a payload field against a condition value
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// Condition filters events by payload content. Field may be a dotted path
// into nested objects.
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
}

func (c Condition) validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	switch c.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpExists:
	case OpIn:
		if _, ok := asList(c.Value); !ok {
			return fmt.Errorf("operator in needs a list value")
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	return nil
}

// Match reports whether every condition holds for payload
func Match(conditions []Condition, payload map[string]any) bool {
	for _, c := range conditions {
		if !c.match(payload) {
			return false
		}
	}
	return true
}

func (c Condition) match(payload map[string]any) bool {
	v, ok := lookup(payload, c.Field)

	if c.Op == OpExists {
		want := true
		if b, isBool := c.Value.(bool); isBool {
			want = b
		}
		return (ok && v != nil) == want
	}
	if !ok {
		return c.Op == OpNeq
	}

	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNeq:
		return !equal(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		list, _ := asList(c.Value)
		for _, item := range list {
			if equal(v, item) {
				return true
			}
		}
		return false
	case OpContains:
		if list, isList := asList(v); isList {
			for _, item := range list {
				if equal(item, c.Value) {
					return true
				}
			}
			return false
		}
		s, isString := v.(string)
		return isString && strings.Contains(s, fmt.Sprint(c.Value))
	}
	return false
}

func lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares numbers by value and everything else by its string form,
// so 3 matches 3.0 and "3"
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any) (int, bool) {
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if ok1 && ok2 {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
