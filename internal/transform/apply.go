package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Apply evaluates r against value. A nil rule returns value unchanged.
func Apply(value any, r Rule) (any, error) {
	switch rule := r.(type) {
	case nil:
		return value, nil
	case Cast:
		return castValue(value, rule.TargetType)
	case Format:
		return formatValue(value, rule.Format)
	case Lookup:
		if mapped, ok := rule.Table[toString(value)]; ok {
			return mapped, nil
		}
		return value, nil
	case Calculate:
		return rule.apply(value)
	case Concatenate:
		parts := make([]string, 0, len(rule.Parts)+1)
		parts = append(parts, toString(value))
		for _, p := range rule.Parts {
			if m, ok := p.(map[string]any); ok && m["type"] == "field" {
				parts = append(parts, toString(m["value"]))
				continue
			}
			parts = append(parts, toString(p))
		}
		return strings.Join(parts, rule.Separator), nil
	case Extract:
		return rule.apply(value)
	case Default:
		if isEmpty(value) {
			return rule.Value, nil
		}
		return value, nil
	case Conditional:
		for i, b := range rule.Conditions {
			ok, err := evaluate(value, b.Condition)
			if err != nil {
				return value, fmt.Errorf("condition %d: %w", i, err)
			}
			if ok {
				return b.Result, nil
			}
		}
		return value, nil
	default:
		return value, fmt.Errorf("%w: %T", ErrUnknownRule, r)
	}
}

func (r Calculate) apply(value any) (any, error) {
	expr := r.expr
	if expr == nil {
		var err error
		if expr, err = parseFormula(r.Formula); err != nil {
			return value, err
		}
	}
	n, ok := toDecimal(value)
	if !ok {
		return value, fmt.Errorf("value %v is not numeric", value)
	}
	out, err := expr.eval(n)
	if err != nil {
		return value, err
	}
	return out.InexactFloat64(), nil
}

func (r Extract) apply(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	re := r.re
	if re == nil {
		var err error
		if re, err = compilePattern(r.Pattern); err != nil {
			return value, err
		}
	}
	m := re.FindStringSubmatch(s)
	switch {
	case m == nil:
		return value, nil
	case len(m) > 1:
		return m[1], nil
	default:
		return m[0], nil
	}
}

func castValue(value any, target string) (any, error) {
	switch castTypes[target] {
	case "string":
		return toString(value), nil
	case "int":
		if d, ok := toDecimal(value); ok {
			return d.IntPart(), nil
		}
		switch v := value.(type) {
		case nil:
			return int64(0), nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return value, fmt.Errorf("cannot cast %v to int", value)
	case "float":
		if d, ok := toDecimal(value); ok {
			return d.InexactFloat64(), nil
		}
		switch v := value.(type) {
		case nil:
			return float64(0), nil
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		}
		return value, fmt.Errorf("cannot cast %v to float", value)
	case "bool":
		if b, ok := value.(bool); ok {
			return b, nil
		}
		switch strings.ToLower(strings.TrimSpace(toString(value))) {
		case "1", "true", "on", "yes":
			return true, nil
		}
		return false, nil
	case "array":
		switch value.(type) {
		case []any, map[string]any:
			return value, nil
		}
		return []any{value}, nil
	case "json":
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return value, fmt.Errorf("decode json: %w", err)
		}
		return out, nil
	}
	return value, fmt.Errorf("unsupported target_type %q", target)
}

// formatValue renders a template with at most one verb, converting value to
// the type the verb expects.
func formatValue(value any, format string) (any, error) {
	var verb byte
	verbAt, verbs := 0, 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		j := i + 1
		for j < len(format) && strings.IndexByte("+-# 0123456789.", format[j]) >= 0 {
			j++
		}
		if j >= len(format) {
			return value, errors.New("format ends with incomplete verb")
		}
		if format[j] != '%' {
			verbs++
			verb, verbAt = format[j], j
		}
		i = j
	}
	if verbs == 0 {
		return strings.ReplaceAll(format, "%%", "%"), nil
	}
	if verbs > 1 {
		return value, fmt.Errorf("format %q expects %d values", format, verbs)
	}

	var arg any
	switch verb {
	case 'd', 'b', 'o', 'x', 'X', 'c':
		d, _ := toDecimal(value)
		arg = d.IntPart()
		if verb == 'c' {
			arg = rune(d.IntPart())
		}
	case 'f', 'F', 'e', 'E', 'g', 'G':
		d, _ := toDecimal(value)
		arg = d.InexactFloat64()
		if verb == 'F' {
			format = format[:verbAt] + "f" + format[verbAt+1:]
		}
	case 'u':
		d, _ := toDecimal(value)
		arg = uint64(d.Abs().IntPart())
		format = format[:verbAt] + "d" + format[verbAt+1:]
	default:
		arg = toString(value)
	}
	out := fmt.Sprintf(format, arg)
	if strings.Contains(out, "%!") {
		return value, fmt.Errorf("bad format %q", format)
	}
	return out, nil
}

func evaluate(value any, c Condition) (bool, error) {
	switch operators[c.Operator] {
	case "equals":
		return looseEqual(value, c.Value), nil
	case "not_equals":
		return !looseEqual(value, c.Value), nil
	case "greater_than":
		return compare(value, c.Value) > 0, nil
	case "greater_equal":
		return compare(value, c.Value) >= 0, nil
	case "less_than":
		return compare(value, c.Value) < 0, nil
	case "less_equal":
		return compare(value, c.Value) <= 0, nil
	case "contains":
		return strings.Contains(toString(value), toString(c.Value)), nil
	case "starts_with":
		return strings.HasPrefix(toString(value), toString(c.Value)), nil
	case "ends_with":
		return strings.HasSuffix(toString(value), toString(c.Value)), nil
	case "matches":
		re, err := compilePattern(toString(c.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(toString(value)), nil
	case "in", "not_in":
		found := false
		for _, candidate := range asList(c.Value) {
			if looseEqual(value, candidate) {
				found = true
				break
			}
		}
		return found == (operators[c.Operator] == "in"), nil
	case "empty":
		return isEmpty(value), nil
	case "not_empty":
		return !isEmpty(value), nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.Operator)
}

// looseEqual compares numerically when both sides are numeric and as text
// otherwise. Booleans compare by truthiness.
func looseEqual(a, b any) bool {
	if ab, ok := a.(bool); ok {
		return ab == !isEmpty(b)
	}
	if bb, ok := b.(bool); ok {
		return bb == !isEmpty(a)
	}
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Equal(db)
		}
	}
	return toString(a) == toString(b)
}

func compare(a, b any) int {
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db)
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func asList(v any) []any {
	switch l := v.(type) {
	case nil:
		return nil
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	}
	return []any{v}
}

// isEmpty reports whether v is nil, false, zero, "", "0" or an empty
// collection.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == "" || x == "0"
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	if d, ok := toDecimal(v); ok {
		return d.IsZero()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// toDecimal converts numbers and numeric strings.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Zero, false
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case decimal.Decimal:
		return x.String()
	case fmt.Stringer:
		return x.String()
	case []any, map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
