// Package rooms stores chat room metadata and resolves room ids for the hub.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/events"
	"github.com/go-monolith/mono"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidName is returned for empty or overlong room names.
var ErrInvalidName = errors.New("room name must be 1-100 characters")

// ErrNotReady is returned before the database is open.
var ErrNotReady = errors.New("room store not ready")

// Service resolves and creates rooms. Resolved rooms are cached in memory;
// concurrent misses for one id share a single database query.
type Service struct {
	repo  atomic.Pointer[Repository]
	cache sync.Map // roomID -> domain.Room
	sf    singleflight.Group
	bus   atomic.Pointer[mono.EventBus]
	log   *slog.Logger
}

// NewService creates a Service. It answers once a Repository is attached.
func NewService(log *slog.Logger) *Service {
	return &Service{log: log}
}

// Attach sets the repository backing the service.
func (s *Service) Attach(repo *Repository) {
	s.repo.Store(repo)
}

// SetEventBus sets the bus RoomCreated events are published on.
func (s *Service) SetEventBus(bus mono.EventBus) {
	s.bus.Store(&bus)
}

func (s *Service) repository() (*Repository, error) {
	repo := s.repo.Load()
	if repo == nil {
		return nil, ErrNotReady
	}
	return repo, nil
}

// ResolveRoom returns the room with roomID or domain.ErrNotFound.
func (s *Service) ResolveRoom(ctx context.Context, roomID string) (domain.Room, error) {
	if v, ok := s.cache.Load(roomID); ok {
		return v.(domain.Room), nil
	}

	repo, err := s.repository()
	if err != nil {
		return domain.Room{}, err
	}

	v, err, _ := s.sf.Do(roomID, func() (any, error) {
		rec, err := repo.FindByID(ctx, roomID)
		if err != nil {
			return nil, err
		}
		room := rec.toDomain()
		s.cache.Store(roomID, room)
		return room, nil
	})
	if err != nil {
		return domain.Room{}, err
	}
	return v.(domain.Room), nil
}

// CreateRoom creates a room named name and announces it on the event bus.
func (s *Service) CreateRoom(ctx context.Context, name, createdBy string) (domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return domain.Room{}, ErrInvalidName
	}

	repo, err := s.repository()
	if err != nil {
		return domain.Room{}, err
	}

	rec := &RoomRecord{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, rec); err != nil {
		return domain.Room{}, err
	}
	room := rec.toDomain()
	s.cache.Store(room.ID, room)

	s.publishCreated(rec)
	s.log.Info("Room created", "room", room.ID, "name", room.Name, "created_by", createdBy)
	return room, nil
}

func (s *Service) publishCreated(rec *RoomRecord) {
	bus := s.bus.Load()
	if bus == nil || *bus == nil {
		return
	}
	event := events.RoomCreatedEvent{
		RoomID:    rec.ID,
		RoomName:  rec.Name,
		CreatedBy: rec.CreatedBy,
		Timestamp: rec.CreatedAt,
	}
	if err := events.RoomCreatedV1.Publish(*bus, event, nil); err != nil {
		s.log.Warn("Failed to publish RoomCreated event", "room", rec.ID, "error", err)
	}
}

// ListRooms returns every room, oldest first.
func (s *Service) ListRooms(ctx context.Context) ([]domain.Room, error) {
	repo, err := s.repository()
	if err != nil {
		return nil, err
	}
	recs, err := repo.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(recs, func(r *RoomRecord, _ int) domain.Room { return r.toDomain() }), nil
}

// ensure creates the room id unless it exists.
func (s *Service) ensure(ctx context.Context, id, name string) error {
	repo, err := s.repository()
	if err != nil {
		return err
	}
	if err := repo.Ensure(ctx, &RoomRecord{ID: id, Name: name, CreatedBy: "system", CreatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("failed to seed room: %w", err)
	}
	return nil
}
