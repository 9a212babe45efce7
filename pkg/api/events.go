// Event bridge — wires the coordination event bus into the WebSocket hub
// for real-time dashboard updates. Every assignment, lease, board, and
// memory event fans out to all connected WebSocket clients.
package api

import (
	"context"

	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/logger"
)

// EventBridge connects the domain event bus to the WebSocket hub.
type EventBridge struct {
	bus domain.EventBus
	hub *WSHub
}

// NewEventBridge creates a bridge that forwards domain events to WebSocket
// clients. A nil bus yields an inert bridge; the stream then carries only
// the periodic status updates.
func NewEventBridge(bus domain.EventBus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: bus, hub: hub}
}

// Run registers the fan-out subscription. The bus dispatches handlers on
// its own goroutines and the hub drops events when its queue is full, so
// the bridge never blocks coordination.
func (eb *EventBridge) Run(ctx context.Context) {
	if eb.bus == nil {
		return
	}

	eb.bus.SubscribeAll(func(e domain.Event) {
		evt := events.FromDomain(e)
		eb.hub.Broadcast(evt.Type, map[string]interface{}{
			"source": evt.Source,
			"data":   evt.Data,
		})
	})

	logger.InfoC("events", "Event bridge started — forwarding coordination events to WebSocket")
}
