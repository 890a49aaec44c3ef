package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-monolith/mono"
)

// Module runs the Relay and owns the stream connection.
type Module struct {
	relay  *Relay
	stream Stream
	log    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule creates the relay module. stream must be the one relay publishes to.
func NewModule(relay *Relay, stream Stream, log *slog.Logger) *Module {
	return &Module{
		relay:  relay,
		stream: stream,
		log:    log.With("module", "relay"),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "relay"
}

// Start connects the stream and starts the relay. When NATS is unreachable the
// hub keeps serving live traffic and the connection is retried in the background.
func (m *Module) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	js, ok := m.stream.(*JetStream)
	if !ok {
		close(m.done)
		m.relay.Start(runCtx)
		m.log.Info("Module started", "backend", "memory")
		return nil
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	err := js.Connect(connectCtx)
	connectCancel()
	if err == nil {
		close(m.done)
		m.relay.Start(runCtx)
		m.log.Info("Module started", "backend", "nats")
		return nil
	}

	m.log.Warn("Relay stream unavailable, retrying in background", "error", err)
	m.relay.Start(runCtx)
	go m.reconnect(runCtx, js)
	return nil
}

func (m *Module) reconnect(ctx context.Context, js *JetStream) {
	defer close(m.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := js.Connect(attemptCtx)
			cancel()
			if err == nil {
				m.log.Info("Relay stream connected")
				return
			}
			m.log.Debug("Relay stream still unavailable", "error", err)
		}
	}
}

// Stop stops the relay and closes the stream connection.
func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	if err := m.relay.Stop(ctx); err != nil {
		m.log.Warn("Relay did not stop cleanly", "error", err)
	}
	if js, ok := m.stream.(*JetStream); ok {
		if err := js.Close(); err != nil {
			m.log.Warn("Failed to close relay stream", "error", err)
		}
	}
	m.log.Info("Module stopped")
	return nil
}

// Health reports the stream connection state.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	js, ok := m.stream.(*JetStream)
	if !ok {
		return mono.HealthStatus{
			Healthy: true,
			Message: "operational",
			Details: map[string]any{"backend": "memory"},
		}
	}

	details := map[string]any{"backend": "nats", "stream": StreamName}
	if !js.IsConnected() {
		return mono.HealthStatus{
			Healthy: false,
			Message: "stream disconnected",
			Details: details,
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: details,
	}
}

// Relay returns the relay.
func (m *Module) Relay() *Relay {
	return m.relay
}
