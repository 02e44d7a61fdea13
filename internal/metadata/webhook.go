package metadata

import (
	"time"

	"github.com/expr-lang/expr/vm"
)

// Webhook statuses.
const (
	WebhookActive   = "active"
	WebhookInactive = "inactive"
)

// WildcardEvent subscribes a webhook to every event.
const WildcardEvent = "*"

// WebhookMethods lists the HTTP methods a webhook may use.
var WebhookMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// Webhook is a registered outbound HTTP notification target.
type Webhook struct {
	ID            string            `json:"id"`
	IntegrationID *string           `json:"integration_id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Method        string            `json:"http_method"`
	Headers       map[string]string `json:"headers"`
	Events        []string          `json:"events"`
	Secret        string            `json:"secret,omitempty"`
	Condition     string            `json:"condition,omitempty"` // expression; empty = always fire
	Status        string            `json:"status"`
	RetryAttempts int               `json:"retry_attempts"`
	Timeout       int               `json:"timeout"` // seconds
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`

	CompiledCondition *vm.Program `json:"-"`
}

func (w *Webhook) IsActive() bool {
	return w.Status == WebhookActive
}

// Subscribes reports whether the webhook's event set matches eventType.
func (w *Webhook) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == WildcardEvent || e == eventType {
			return true
		}
	}
	return false
}

// MaxAttempts is the number of HTTP attempts a delivery may use: the initial
// try plus retries, never less than one.
func (w *Webhook) MaxAttempts() int {
	if w.RetryAttempts < 1 {
		return 1
	}
	return w.RetryAttempts
}

func (w *Webhook) TimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}
