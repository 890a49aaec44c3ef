package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-monolith/mono"
)

// Module owns the history cache connection and exposes the Store.
type Module struct {
	cache Cache
	store *Store
	log   *slog.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule wraps store, whose cache the module pings on start and closes on stop.
func NewModule(cache Cache, store *Store, log *slog.Logger) *Module {
	return &Module{
		cache: cache,
		store: store,
		log:   log.With("module", "history"),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "history"
}

// Start checks the cache. An unreachable cache is logged, not fatal: live
// traffic keeps flowing and history is served from the local window.
func (m *Module) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.cache.Ping(pingCtx); err != nil {
		m.log.Warn("History cache unreachable at startup", "error", err)
		return nil
	}
	m.log.Info("Module started", "window", m.store.Window())
	return nil
}

// Stop drains the queued writes, then closes the cache connection.
func (m *Module) Stop(ctx context.Context) error {
	if err := m.store.Close(ctx); err != nil {
		m.log.Warn("History writes not drained", "pending", m.store.Pending(), "error", err)
	}
	if err := m.cache.Close(); err != nil {
		m.log.Warn("Failed to close history cache", "error", err)
	}
	m.log.Info("Module stopped")
	return nil
}

// Health reports whether the cache answers.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	details := map[string]any{
		"window":         m.store.Window(),
		"pending_writes": m.store.Pending(),
	}
	if rc, ok := m.cache.(*RedisCache); ok {
		details["stats"] = rc.GetStats()
	}

	if err := m.cache.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: "cache unavailable: " + err.Error(),
			Details: details,
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: details,
	}
}

// Store returns the message store.
func (m *Module) Store() *Store {
	return m.store
}
