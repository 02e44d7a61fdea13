package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind tags a transformation rule.
type Kind string

const (
	KindCast        Kind = "cast"
	KindFormat      Kind = "format"
	KindLookup      Kind = "lookup"
	KindCalculate   Kind = "calculate"
	KindConcatenate Kind = "concatenate"
	KindExtract     Kind = "extract"
	KindDefault     Kind = "default"
	KindConditional Kind = "conditional"
)

var ErrUnknownRule = errors.New("unknown transformation rule")

// Rule is one of the concrete rule types in this package. The set is closed:
// only types declared here implement it.
type Rule interface {
	Kind() Kind
	isRule()
}

// Cast coerces a value to string, int, float, bool, array or json.
type Cast struct {
	TargetType string `json:"target_type"`
}

// Format renders the value through a printf-style template.
type Format struct {
	Format string `json:"format"`
}

// Lookup maps the value through a table, passing unknown keys through.
type Lookup struct {
	Table map[string]any `json:"lookup_table"`
}

// Calculate evaluates an arithmetic formula in which {value} is replaced by
// the numeric value.
type Calculate struct {
	Formula string `json:"formula"`

	expr node
}

// Concatenate joins the value with literal parts. A part may be a plain
// literal or an object {"type":"field","value":...}.
type Concatenate struct {
	Parts     []any  `json:"parts"`
	Separator string `json:"separator"`
}

// Extract returns the first capture group of Pattern, or the whole match.
type Extract struct {
	Pattern string `json:"pattern"`

	re *regexp.Regexp
}

// Default replaces empty values with Value.
type Default struct {
	Value any `json:"default_value"`
}

// Conditional returns the result of the first branch whose condition holds.
type Conditional struct {
	Conditions []Branch `json:"conditions"`
}

type Branch struct {
	Condition Condition `json:"condition"`
	Result    any       `json:"result"`
}

type Condition struct {
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

func (Cast) Kind() Kind        { return KindCast }
func (Format) Kind() Kind      { return KindFormat }
func (Lookup) Kind() Kind      { return KindLookup }
func (Calculate) Kind() Kind   { return KindCalculate }
func (Concatenate) Kind() Kind { return KindConcatenate }
func (Extract) Kind() Kind     { return KindExtract }
func (Default) Kind() Kind     { return KindDefault }
func (Conditional) Kind() Kind { return KindConditional }

func (Cast) isRule()        {}
func (Format) isRule()      {}
func (Lookup) isRule()      {}
func (Calculate) isRule()   {}
func (Concatenate) isRule() {}
func (Extract) isRule()     {}
func (Default) isRule()     {}
func (Conditional) isRule() {}

var castTypes = map[string]string{
	"string": "string", "int": "int", "integer": "int", "float": "float", "double": "float",
	"bool": "bool", "boolean": "bool", "array": "array", "json": "json",
}

var operators = map[string]string{
	"==": "equals", "equals": "equals",
	"!=": "not_equals", "not_equals": "not_equals",
	">": "greater_than", "greater_than": "greater_than",
	">=": "greater_equal", "greater_equal": "greater_equal",
	"<": "less_than", "less_than": "less_than",
	"<=": "less_equal", "less_equal": "less_equal",
	"contains": "contains", "starts_with": "starts_with", "ends_with": "ends_with",
	"matches": "matches", "in": "in", "not_in": "not_in",
	"empty": "empty", "not_empty": "not_empty",
}

// ParseRule decodes and validates an encoded rule. Empty input and JSON null
// decode to a nil Rule, meaning the value is copied unchanged.
func ParseRule(raw json.RawMessage) (Rule, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" || trimmed == "[]" {
		return nil, nil
	}

	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}

	var (
		rule Rule
		err  error
	)
	switch head.Type {
	case KindCast:
		var r Cast
		if err = json.Unmarshal(raw, &r); err == nil {
			err = r.validate()
		}
		rule = r
	case KindFormat:
		var r Format
		if err = json.Unmarshal(raw, &r); err == nil && r.Format == "" {
			err = errors.New("format rule requires format")
		}
		rule = r
	case KindLookup:
		var r Lookup
		err = json.Unmarshal(raw, &r)
		rule = r
	case KindCalculate:
		var r Calculate
		if err = json.Unmarshal(raw, &r); err == nil {
			r.expr, err = parseFormula(r.Formula)
		}
		rule = r
	case KindConcatenate:
		var r Concatenate
		err = json.Unmarshal(raw, &r)
		rule = r
	case KindExtract:
		var r Extract
		if err = json.Unmarshal(raw, &r); err == nil {
			r.re, err = compilePattern(r.Pattern)
		}
		rule = r
	case KindDefault:
		var r Default
		err = json.Unmarshal(raw, &r)
		rule = r
	case KindConditional:
		var r Conditional
		if err = json.Unmarshal(raw, &r); err == nil {
			err = r.validate()
		}
		rule = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s rule: %w", head.Type, err)
	}
	return rule, nil
}

// MarshalRule encodes r with its type tag.
func MarshalRule(r Rule) (json.RawMessage, error) {
	if r == nil {
		return nil, nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(r.Kind())
	return json.Marshal(fields)
}

func (r Cast) validate() error {
	if _, ok := castTypes[r.TargetType]; !ok {
		return fmt.Errorf("unsupported target_type %q", r.TargetType)
	}
	return nil
}

func (r Conditional) validate() error {
	for i, b := range r.Conditions {
		op, ok := operators[b.Condition.Operator]
		if !ok {
			return fmt.Errorf("condition %d: unsupported operator %q", i, b.Condition.Operator)
		}
		if op == "matches" {
			if _, err := compilePattern(toString(b.Condition.Value)); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		}
	}
	return nil
}

// compilePattern accepts RE2 syntax and also /pattern/flags literals, where
// the i, m, s and U flags are honoured.
func compilePattern(p string) (*regexp.Regexp, error) {
	if p == "" {
		return nil, errors.New("empty pattern")
	}
	if len(p) >= 2 && p[0] == '/' {
		if end := strings.LastIndex(p, "/"); end > 0 {
			body, flags := p[1:end], p[end+1:]
			var inline strings.Builder
			for _, f := range flags {
				switch f {
				case 'i', 'm', 's', 'U':
					inline.WriteRune(f)
				case 'u', 'D':
				default:
					return nil, fmt.Errorf("unsupported pattern flag %q", f)
				}
			}
			if inline.Len() > 0 {
				body = "(?" + inline.String() + ")" + body
			}
			p = body
		}
	}
	return regexp.Compile(p)
}
