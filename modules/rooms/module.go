package rooms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/chat-hub/events"
	"github.com/go-monolith/mono"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LobbyID is the room every deployment starts with.
const LobbyID = "lobby"

// RoomsModule owns the room database.
type RoomsModule struct {
	dbPath  string
	debug   bool
	db      *gorm.DB
	service *Service
	log     *slog.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*RoomsModule)(nil)
var _ mono.HealthCheckableModule = (*RoomsModule)(nil)
var _ mono.EventEmitterModule = (*RoomsModule)(nil)
var _ mono.EventBusAwareModule = (*RoomsModule)(nil)

// NewModule creates a RoomsModule storing rooms in the SQLite file at dbPath.
// debug turns on SQL logging.
func NewModule(dbPath string, debug bool, log *slog.Logger) *RoomsModule {
	log = log.With("module", "rooms")
	return &RoomsModule{
		dbPath:  dbPath,
		debug:   debug,
		service: NewService(log),
		log:     log,
	}
}

// Name returns the module name.
func (m *RoomsModule) Name() string {
	return "rooms"
}

// SetEventBus receives the EventBus from the framework.
func (m *RoomsModule) SetEventBus(bus mono.EventBus) {
	m.service.SetEventBus(bus)
}

// EmitEvents declares the events this module can emit.
func (m *RoomsModule) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.RoomCreatedV1.ToBase(),
	}
}

// Start opens the database, runs migrations and seeds the lobby.
func (m *RoomsModule) Start(ctx context.Context) error {
	logLevel := logger.Silent
	if m.debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(m.dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	m.db = db

	if err := m.db.AutoMigrate(&RoomRecord{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	m.service.Attach(NewRepository(m.db))
	if err := m.service.ensure(ctx, LobbyID, "General Lobby"); err != nil {
		return err
	}

	m.log.Info("Module started", "path", m.dbPath)
	return nil
}

// Stop closes the database connection.
func (m *RoomsModule) Stop(_ context.Context) error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.log.Info("Module stopped")
	return nil
}

// Health pings the database.
func (m *RoomsModule) Health(ctx context.Context) mono.HealthStatus {
	if m.db == nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: "database not initialized",
		}
	}

	sqlDB, err := m.db.DB()
	if err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("failed to get sql.DB: %v", err),
		}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("database ping failed: %v", err),
		}
	}

	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"driver": "sqlite",
			"path":   m.dbPath,
		},
	}
}

// Service returns the room service.
func (m *RoomsModule) Service() *Service {
	return m.service
}
