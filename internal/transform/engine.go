package transform

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"integration-hub/internal/metadata"
	"integration-hub/internal/metrics"
)

// RuleSource loads the mapping rules of an integration.
type RuleSource interface {
	ListMappingRules(ctx context.Context, integrationID string) ([]metadata.MappingRule, error)
}

// Engine reshapes records using the mapping rules stored for an integration.
// Rules that fail to decode or evaluate never abort a record: the original
// value is kept under the target field and a warning is logged.
type Engine struct {
	rules RuleSource
	log   *zap.Logger
}

func NewEngine(rules RuleSource, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{rules: rules, log: log.Named("transform")}
}

// TransformRecord loads the integration's rules and applies them to record.
// Only a failure to load the rules is returned.
func (e *Engine) TransformRecord(ctx context.Context, integrationID string, record map[string]any) (map[string]any, error) {
	rules, err := e.rules.ListMappingRules(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("load mapping rules: %w", err)
	}
	return e.TransformWithRules(record, rules), nil
}

// TransformWithRules maps every key of record through its rule, renaming it to
// the rule's target field. Keys without a rule are copied unchanged. Keys are
// visited in sorted order, so when two keys land on the same target the
// lexically greater source wins.
func (e *Engine) TransformWithRules(record map[string]any, rules []metadata.MappingRule) map[string]any {
	bySource := make(map[string]metadata.MappingRule, len(rules))
	for _, r := range rules {
		bySource[r.SourceField] = r
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(record))
	for _, key := range keys {
		value := record[key]
		mapping, ok := bySource[key]
		if !ok {
			out[key] = value
			continue
		}
		target := mapping.TargetField
		if target == "" {
			target = key
		}
		out[target] = e.applyMapping(mapping, value)
	}
	return out
}

func (e *Engine) applyMapping(mapping metadata.MappingRule, value any) any {
	rule, err := ParseRule(mapping.Rule)
	if err != nil {
		e.warn(mapping, "invalid", err)
		return value
	}
	out, err := Apply(value, rule)
	if err != nil {
		e.warn(mapping, string(rule.Kind()), err)
		return value
	}
	return out
}

func (e *Engine) warn(mapping metadata.MappingRule, kind string, err error) {
	metrics.TransformWarnings.WithLabelValues(kind).Inc()
	e.log.Warn("transformation rule not applied, passing value through",
		zap.String("integration_id", mapping.IntegrationID),
		zap.String("source_field", mapping.SourceField),
		zap.String("rule", kind),
		zap.Error(err))
}
