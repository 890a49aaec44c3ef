package rooms

import (
	"time"

	domain "github.com/example/chat-hub/domain/chat"
)

// RoomRecord is the persisted form of a chat room.
type RoomRecord struct {
	ID        string    `gorm:"primarykey;size:64" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	CreatedBy string    `gorm:"size:100" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for RoomRecord.
func (RoomRecord) TableName() string {
	return "rooms"
}

func (r *RoomRecord) toDomain() domain.Room {
	return domain.Room{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt}
}
