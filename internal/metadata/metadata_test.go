package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWebhook_Subscribes(t *testing.T) {
	all := &Webhook{Events: []string{"*"}}
	orders := &Webhook{Events: []string{"order.created", "order.updated"}}

	assert.True(t, all.Subscribes("customer.deleted"))
	assert.True(t, orders.Subscribes("order.created"))
	assert.False(t, orders.Subscribes("order.deleted"))
}

func TestWebhook_MaxAttempts(t *testing.T) {
	assert.Equal(t, 1, (&Webhook{RetryAttempts: 0}).MaxAttempts())
	assert.Equal(t, 3, (&Webhook{RetryAttempts: 3}).MaxAttempts())
}

func TestDelivery_State(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		d    WebhookDelivery
		max  int
		want string
	}{
		{"fresh", WebhookDelivery{}, 3, DeliveryScheduled},
		{"retrying", WebhookDelivery{AttemptCount: 2}, 3, DeliveryRetryPending},
		{"exhausted", WebhookDelivery{AttemptCount: 3}, 3, DeliveryExhausted},
		{"exhausted without retries", WebhookDelivery{AttemptCount: 1}, 1, DeliveryExhausted},
		{"delivered", WebhookDelivery{AttemptCount: 3, DeliveredAt: &now}, 3, DeliveryDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.State(tt.max))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(SyncPending, SyncRunning))
	assert.True(t, CanTransition(SyncRunning, SyncCompleted))
	assert.True(t, CanTransition(SyncRunning, SyncFailed))
	assert.True(t, CanTransition(SyncPending, SyncFailed))
	assert.False(t, CanTransition(SyncPending, SyncCompleted))
	assert.False(t, CanTransition(SyncCompleted, SyncRunning))
	assert.False(t, CanTransition(SyncFailed, SyncCompleted))
}

func TestIntegrationFilter_CacheKey(t *testing.T) {
	assert.NotEqual(t,
		IntegrationFilter{Type: "sync"}.CacheKey(),
		IntegrationFilter{Status: "sync"}.CacheKey())
}

func TestOperator_CanManage(t *testing.T) {
	assert.True(t, (&Operator{Roles: []string{RoleViewer, RoleAdmin}}).CanManage())
	assert.False(t, (&Operator{Roles: []string{RoleViewer}}).CanManage())
	assert.False(t, (&Operator{}).CanManage())
}
