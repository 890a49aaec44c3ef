package rooms

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/example/chat-hub/domain/chat"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides access to room storage.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new room repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create saves a new room.
func (r *Repository) Create(ctx context.Context, room *RoomRecord) error {
	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	return nil
}

// Ensure creates room unless a room with its ID already exists.
func (r *Repository) Ensure(ctx context.Context, room *RoomRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(room).Error
	if err != nil {
		return fmt.Errorf("failed to ensure room %s: %w", room.ID, err)
	}
	return nil
}

// FindByID retrieves a room by its ID.
func (r *Repository) FindByID(ctx context.Context, id string) (*RoomRecord, error) {
	var room RoomRecord
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return &room, nil
}

// FindAll retrieves all rooms, oldest first.
func (r *Repository) FindAll(ctx context.Context) ([]*RoomRecord, error) {
	var rooms []*RoomRecord
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}
