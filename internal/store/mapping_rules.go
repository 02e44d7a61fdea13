package store

import (
	"context"
	"fmt"

	"integration-hub/internal/metadata"
)

const mappingRuleColumns = "id, integration_id, source_field, target_field, transformation_rule, created_at, updated_at"

// SaveMappingRule inserts a rule or replaces the one already defined for the
// same (integration, source field) pair. rule is updated with the stored row.
func (s *Store) SaveMappingRule(ctx context.Context, rule *metadata.MappingRule) error {
	var ruleParam any
	if len(rule.Rule) > 0 {
		ruleParam = string(rule.Rule)
	}

	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO hub_mapping_rules (%s) VALUES (%s, %s, %s, %s, %s, %s, %s)
		 ON CONFLICT (integration_id, source_field) DO UPDATE
		 SET target_field = excluded.target_field,
		     transformation_rule = excluded.transformation_rule,
		     updated_at = excluded.updated_at`,
			mappingRuleColumns,
			pb.Add(GenerateUUID()), pb.Add(rule.IntegrationID), pb.Add(rule.SourceField), pb.Add(rule.TargetField),
			pb.Add(ruleParam), pb.Add(s.Dialect.TimeParam(rule.CreatedAt)), pb.Add(s.Dialect.TimeParam(rule.UpdatedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("save mapping rule: %w", MapError(s.Dialect, err))
	}

	pb = s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_mapping_rules WHERE integration_id = %s AND source_field = %s",
			mappingRuleColumns, pb.Add(rule.IntegrationID), pb.Add(rule.SourceField)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("reload mapping rule: %w", err)
	}
	*rule = *parseMappingRuleRow(row)
	return nil
}

// ListMappingRules returns every rule of an integration ordered by source field.
func (s *Store) ListMappingRules(ctx context.Context, integrationID string) ([]metadata.MappingRule, error) {
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_mapping_rules WHERE integration_id = %s ORDER BY source_field",
			mappingRuleColumns, s.Dialect.Placeholder(1)), integrationID)
	if err != nil {
		return nil, fmt.Errorf("list mapping rules: %w", err)
	}
	out := make([]metadata.MappingRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, *parseMappingRuleRow(row))
	}
	return out, nil
}

func (s *Store) DeleteMappingRule(ctx context.Context, integrationID, sourceField string) error {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf("DELETE FROM hub_mapping_rules WHERE integration_id = %s AND source_field = %s",
			pb.Add(integrationID), pb.Add(sourceField)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete mapping rule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func parseMappingRuleRow(row map[string]any) *metadata.MappingRule {
	r := &metadata.MappingRule{
		ID:            ToString(row["id"]),
		IntegrationID: ToString(row["integration_id"]),
		SourceField:   ToString(row["source_field"]),
		TargetField:   ToString(row["target_field"]),
		Rule:          ParseRawJSON(row["transformation_rule"]),
	}
	r.CreatedAt, _ = ParseTime(row["created_at"])
	r.UpdatedAt, _ = ParseTime(row["updated_at"])
	return r
}
