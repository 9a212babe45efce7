// Package integration provides a lifecycle registry for the server's
// long-running subsystems: monitors, notifiers, transports. Each subsystem
// implements the Integration interface; the application container owns a
// Registry and drives Init → Start → Stop across all of them.
package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/logger"
)

// Integration represents a managed long-running subsystem.
type Integration interface {
	// Name returns a unique identifier for this integration.
	Name() string

	// Init sets up the integration with the shared config and event bus.
	Init(cfg *config.Config, bus domain.EventBus) error

	// Start begins the integration's event loop (non-blocking).
	Start(ctx context.Context) error

	// Stop gracefully shuts down the integration.
	Stop(ctx context.Context) error

	// Health returns nil if healthy, or an error describing the problem.
	Health() error
}

// Registry manages registered integrations. Registries are constructed
// explicitly and passed where needed; there is no global instance.
type Registry struct {
	order        []string
	integrations map[string]Integration
	mu           sync.RWMutex
	started      bool
}

// NewRegistry creates an empty integration registry.
func NewRegistry() *Registry {
	return &Registry{
		integrations: make(map[string]Integration),
	}
}

// Register adds an integration. Registration order is start order.
func (r *Registry) Register(i Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.integrations[i.Name()]; !exists {
		r.order = append(r.order, i.Name())
	}
	r.integrations[i.Name()] = i
	logger.InfoCF("integration", "Registered integration", map[string]interface{}{
		"name": i.Name(),
	})
}

// Get retrieves an integration by name.
func (r *Registry) Get(name string) (Integration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.integrations[name]
	return i, ok
}

// List returns all registered integration names in start order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// InitAll initializes all registered integrations in registration order.
func (r *Registry) InitAll(cfg *config.Config, bus domain.EventBus) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if err := r.integrations[name].Init(cfg, bus); err != nil {
			logger.ErrorCF("integration", "Failed to init integration", map[string]interface{}{
				"name":  name,
				"error": err.Error(),
			})
			return fmt.Errorf("init integration %s: %w", name, err)
		}
	}
	return nil
}

// StartAll starts all registered integrations in registration order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if err := r.integrations[name].Start(ctx); err != nil {
			logger.ErrorCF("integration", "Failed to start integration", map[string]interface{}{
				"name":  name,
				"error": err.Error(),
			})
			return fmt.Errorf("start integration %s: %w", name, err)
		}
		logger.InfoCF("integration", "Started integration", map[string]interface{}{
			"name": name,
		})
	}
	r.started = true
	return nil
}

// StopAll stops all integrations in reverse start order.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if err := r.integrations[name].Stop(ctx); err != nil {
			logger.ErrorCF("integration", "Failed to stop integration", map[string]interface{}{
				"name":  name,
				"error": err.Error(),
			})
		}
	}
	r.started = false
}

// HealthAll returns a map of integration name → health status.
func (r *Registry) HealthAll() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := make(map[string]string, len(r.integrations))
	for name, i := range r.integrations {
		if err := i.Health(); err != nil {
			status[name] = err.Error()
		} else {
			status[name] = "ok"
		}
	}
	return status
}
