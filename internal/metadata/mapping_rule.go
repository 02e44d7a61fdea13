package metadata

import (
	"encoding/json"
	"time"
)

// MappingRule maps one source field of an integration's records to a target
// field. Rule holds the encoded transformation; an empty Rule copies the value.
type MappingRule struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integration_id"`
	SourceField   string          `json:"source_field"`
	TargetField   string          `json:"target_field"`
	Rule          json.RawMessage `json:"transformation_rule,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
