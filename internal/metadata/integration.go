package metadata

import "time"

// Integration types. Each must resolve to a registered connector.
const (
	IntegrationImport  = "import"
	IntegrationExport  = "export"
	IntegrationSync    = "sync"
	IntegrationWebhook = "webhook"
)

// Integration statuses.
const (
	IntegrationActive   = "active"
	IntegrationInactive = "inactive"
	IntegrationError    = "error"
)

// IntegrationTypes lists the accepted integration types.
var IntegrationTypes = []string{IntegrationImport, IntegrationExport, IntegrationSync, IntegrationWebhook}

// IntegrationStatuses lists the accepted integration statuses.
var IntegrationStatuses = []string{IntegrationActive, IntegrationInactive, IntegrationError}

// Integration is a configured connection to one external system.
type Integration struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (i *Integration) IsActive() bool {
	return i.Status == IntegrationActive
}

// IntegrationFilter narrows List results. Empty fields match everything.
type IntegrationFilter struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
}

// CacheKey identifies a filtered list in the integration list cache.
func (f IntegrationFilter) CacheKey() string {
	return "type=" + f.Type + "&status=" + f.Status
}
