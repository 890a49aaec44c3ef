package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/chat-hub/events"
	"github.com/example/chat-hub/modules/metrics"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// errShuttingDown is the close reason given to sessions when the module stops.
var errShuttingDown = errors.New("server shutting down")

// BroadcastModule owns the Registry and announces room lifecycle events to connected sessions.
type BroadcastModule struct {
	registry *Registry
	log      *slog.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*BroadcastModule)(nil)
var _ mono.EventConsumerModule = (*BroadcastModule)(nil)
var _ mono.HealthCheckableModule = (*BroadcastModule)(nil)

// NewModule creates a new BroadcastModule.
func NewModule(log *slog.Logger, m *metrics.Metrics) *BroadcastModule {
	return &BroadcastModule{
		registry: NewRegistry(log.With("module", "broadcast"), m),
		log:      log.With("module", "broadcast"),
	}
}

// Name returns the module name.
func (m *BroadcastModule) Name() string {
	return "broadcast"
}

// Start initializes the module.
func (m *BroadcastModule) Start(_ context.Context) error {
	m.log.Info("Module started")
	return nil
}

// Stop closes every connected session.
func (m *BroadcastModule) Stop(_ context.Context) error {
	closed := m.registry.CloseAll(errShuttingDown)
	m.log.Info("Module stopped", "closed_sessions", closed)
	return nil
}

// Health returns the health status.
func (m *BroadcastModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"connected_clients": m.registry.ClientCount(),
		},
	}
}

// RegisterEventConsumers registers event handlers.
func (m *BroadcastModule) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.RoomCreatedV1, m.handleRoomCreated, m,
	); err != nil {
		return fmt.Errorf("failed to register RoomCreated consumer: %w", err)
	}

	m.log.Info("Registered event consumers: RoomCreated")
	return nil
}

func (m *BroadcastModule) handleRoomCreated(_ context.Context, event events.RoomCreatedEvent, _ *mono.Msg) error {
	sent := m.registry.Announce(RoomAnnouncement{
		Type:      "ROOM_CREATED",
		RoomID:    event.RoomID,
		Name:      event.RoomName,
		Timestamp: event.Timestamp,
	})
	m.log.Debug("Announced room", "room", event.RoomID, "sessions", sent)
	return nil
}

// Registry returns the room registry shared with the engine and the API.
func (m *BroadcastModule) Registry() *Registry {
	return m.registry
}

// RoomAnnouncement is sent to every connected session when a room is created.
type RoomAnnouncement struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}
