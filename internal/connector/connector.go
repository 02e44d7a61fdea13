package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrConnectorNotFound = errors.New("connector not found")

// TestResult reports whether an external system is reachable with the given
// configuration.
type TestResult struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Info    map[string]any `json:"info,omitempty"`
}

// SyncResult is what a connector returns after a successful sync run.
type SyncResult struct {
	TotalRecords int            `json:"total_records"`
	Details      map[string]any `json:"details,omitempty"`
}

// Connector talks to one kind of external system. Implementations must honour
// ctx cancellation; the caller bounds every call with a deadline.
type Connector interface {
	TestConnection(ctx context.Context, config map[string]any) (TestResult, error)
	ExecuteSync(ctx context.Context, jobType string, config, options map[string]any) (SyncResult, error)
}

// Registry resolves integration types to connectors. It is built once at
// startup and handed to the managers that need it.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds integrationType to c, replacing any previous binding.
func (r *Registry) Register(integrationType string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[integrationType] = c
}

func (r *Registry) Resolve(integrationType string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[integrationType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConnectorNotFound, integrationType)
	}
	return c, nil
}

func (r *Registry) Has(integrationType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connectors[integrationType]
	return ok
}

// Types lists the registered integration types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
