package api

import (
	"time"

	domain "github.com/example/chat-hub/domain/chat"
)

// InboundFrame is a client event received over the websocket.
type InboundFrame struct {
	Type      domain.MessageType `json:"type" validate:"required,max=32"`
	RoomID    string             `json:"roomId" validate:"max=64"`
	MessageID string             `json:"messageId" validate:"max=64"`
	Message   string             `json:"message" validate:"max=4096"`
}

func (f InboundFrame) toMessage() domain.Message {
	return domain.Message{
		ID:     f.MessageID,
		RoomID: f.RoomID,
		Type:   f.Type,
		Body:   f.Message,
	}
}

// ErrorFrame is sent to a single session when one of its events is rejected.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateRoomRequest is the API request to create a room.
type CreateRoomRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// ReadRequest marks a message as read.
type ReadRequest struct {
	UserID string `json:"userId" validate:"omitempty,max=100"`
}

// TypingRequest sets a user's typing state in a room.
type TypingRequest struct {
	UserID   string `json:"userId" validate:"omitempty,max=100"`
	IsTyping bool   `json:"isTyping"`
}

// RoomResponse is the API response for a room.
type RoomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	// Members counts live sessions; Online lists their distinct users.
	Members int      `json:"members"`
	Online  []string `json:"online"`
}

// RoomListResponse is the API response for listing rooms.
type RoomListResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

// HistoryResponse is the API response for message history.
type HistoryResponse struct {
	RoomID   string           `json:"room_id"`
	Messages []domain.Message `json:"messages"`
}

// TokenValidationResponse reports the user a bearer token belongs to.
type TokenValidationResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}
