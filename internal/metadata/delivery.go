package metadata

import (
	"encoding/json"
	"time"
)

// Delivery states derived from a WebhookDelivery row.
const (
	DeliveryScheduled    = "scheduled"
	DeliveryRetryPending = "retry_pending"
	DeliveryDelivered    = "delivered"
	DeliveryExhausted    = "exhausted"
)

// EventEnvelope is the JSON body sent to webhook endpoints.
type EventEnvelope struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// WebhookDelivery is one attempt-tracked notification of one webhook.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	AttemptCount   int             `json:"attempt_count"`
	ResponseStatus *int            `json:"response_status"`
	ResponseBody   *string         `json:"response_body"`
	DeliveredAt    *time.Time      `json:"delivered_at"`
	NextRetryAt    *time.Time      `json:"next_retry_at"`
	CreatedAt      time.Time       `json:"created_at"`
	ClaimedBy      *string         `json:"-"`
	ClaimedUntil   *time.Time      `json:"-"`
}

func (d *WebhookDelivery) IsDelivered() bool {
	return d.DeliveredAt != nil
}

// State classifies the delivery given the owning webhook's attempt budget.
func (d *WebhookDelivery) State(maxAttempts int) string {
	switch {
	case d.DeliveredAt != nil:
		return DeliveryDelivered
	case d.AttemptCount >= maxAttempts:
		return DeliveryExhausted
	case d.AttemptCount > 0:
		return DeliveryRetryPending
	default:
		return DeliveryScheduled
	}
}
