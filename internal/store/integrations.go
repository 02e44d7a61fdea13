package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"integration-hub/internal/metadata"
)

const integrationColumns = "id, name, type, status, config, created_at, updated_at"

// InsertIntegration persists a new integration. An empty ID is generated.
func (s *Store) InsertIntegration(ctx context.Context, in *metadata.Integration) error {
	if in.ID == "" {
		in.ID = GenerateUUID()
	}
	cfgJSON, err := jsonParam(nonNilMap(in.Config))
	if err != nil {
		return fmt.Errorf("marshal integration config: %w", err)
	}

	pb := s.Dialect.NewParamBuilder()
	_, err = Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO hub_integrations (%s) VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			integrationColumns,
			pb.Add(in.ID), pb.Add(in.Name), pb.Add(in.Type), pb.Add(in.Status), pb.Add(cfgJSON),
			pb.Add(s.Dialect.TimeParam(in.CreatedAt)), pb.Add(s.Dialect.TimeParam(in.UpdatedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert integration: %w", MapError(s.Dialect, err))
	}
	return nil
}

// UpdateIntegration overwrites the mutable columns of an integration.
func (s *Store) UpdateIntegration(ctx context.Context, in *metadata.Integration) error {
	cfgJSON, err := jsonParam(nonNilMap(in.Config))
	if err != nil {
		return fmt.Errorf("marshal integration config: %w", err)
	}

	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf(`UPDATE hub_integrations SET name = %s, type = %s, status = %s, config = %s, updated_at = %s
		 WHERE id = %s`,
			pb.Add(in.Name), pb.Add(in.Type), pb.Add(in.Status), pb.Add(cfgJSON),
			pb.Add(s.Dialect.TimeParam(in.UpdatedAt)), pb.Add(in.ID)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update integration: %w", MapError(s.Dialect, err))
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIntegration removes an integration together with its sync jobs and
// mapping rules.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		ph := s.Dialect.Placeholder(1)
		if _, err := Exec(ctx, tx, "DELETE FROM hub_sync_jobs WHERE integration_id = "+ph, id); err != nil {
			return fmt.Errorf("delete sync jobs: %w", err)
		}
		if _, err := Exec(ctx, tx, "DELETE FROM hub_mapping_rules WHERE integration_id = "+ph, id); err != nil {
			return fmt.Errorf("delete mapping rules: %w", err)
		}
		n, err := Exec(ctx, tx, "DELETE FROM hub_integrations WHERE id = "+ph, id)
		if err != nil {
			return fmt.Errorf("delete integration: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetIntegration(ctx context.Context, id string) (*metadata.Integration, error) {
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM hub_integrations WHERE id = %s", integrationColumns, s.Dialect.Placeholder(1)), id)
	if err != nil {
		return nil, err
	}
	return parseIntegrationRow(row), nil
}

// ListIntegrations returns integrations matching filter, ordered by name.
func (s *Store) ListIntegrations(ctx context.Context, filter metadata.IntegrationFilter) ([]metadata.Integration, error) {
	pb := s.Dialect.NewParamBuilder()
	var where []string
	if filter.Type != "" {
		where = append(where, "type = "+pb.Add(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = "+pb.Add(filter.Status))
	}

	sqlStr := "SELECT " + integrationColumns + " FROM hub_integrations"
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	sqlStr += " ORDER BY name, id"

	rows, err := QueryRows(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	out := make([]metadata.Integration, 0, len(rows))
	for _, row := range rows {
		out = append(out, *parseIntegrationRow(row))
	}
	return out, nil
}

func parseIntegrationRow(row map[string]any) *metadata.Integration {
	in := &metadata.Integration{
		ID:     ToString(row["id"]),
		Name:   ToString(row["name"]),
		Type:   ToString(row["type"]),
		Status: ToString(row["status"]),
		Config: ParseJSONMap(row["config"]),
	}
	in.CreatedAt, _ = ParseTime(row["created_at"])
	in.UpdatedAt, _ = ParseTime(row["updated_at"])
	return in
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
