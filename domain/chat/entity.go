package chat

import (
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
)

// MessageType is the kind of event carried by a Message.
type MessageType string

// Message types accepted from and delivered to sessions.
const (
	TypeEnter       MessageType = "ENTER"
	TypeTalk        MessageType = "TALK"
	TypeLeave       MessageType = "LEAVE"
	TypeTypingStart MessageType = "TYPING_START"
	TypeTypingEnd   MessageType = "TYPING_END"
	TypeReadReceipt MessageType = "READ_RECEIPT"
)

// Persisted reports whether messages of this type are written to history
// and relayed to other instances.
func (t MessageType) Persisted() bool {
	switch t {
	case TypeEnter, TypeTalk, TypeLeave:
		return true
	}
	return false
}

// Room represents a chat room.
type Room struct {
	ID        string    `json:"roomId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is the unit of chat traffic. The same shape is used on the
// websocket, in the history cache and on the relay stream.
type Message struct {
	ID        string      `json:"messageId,omitempty"`
	RoomID    string      `json:"roomId"`
	Sender    string      `json:"sender"`
	Body      string      `json:"message,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	ReadBy    []string    `json:"readBy"`
	Typing    bool        `json:"typing,omitempty"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(msgType MessageType, roomID, sender, body string) Message {
	return Message{
		RoomID:    roomID,
		Sender:    sender,
		Body:      body,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		ReadBy:    []string{},
	}
}

// NewTypingEvent builds the TYPING_START or TYPING_END notification for a user.
func NewTypingEvent(roomID, userID string, typing bool) Message {
	msgType := TypeTypingEnd
	if typing {
		msgType = TypeTypingStart
	}
	msg := NewMessage(msgType, roomID, userID, "")
	msg.Typing = typing
	return msg
}

// NewReadReceipt builds the notification telling a room that reader has read messageID.
func NewReadReceipt(roomID, reader, messageID string) Message {
	msg := NewMessage(TypeReadReceipt, roomID, reader, "")
	msg.ID = messageID
	return msg
}

// JoinNotice is the body of an ENTER message.
func JoinNotice(sender string) string {
	return fmt.Sprintf("%s joined the room", sender)
}

// LeaveNotice is the default body of a LEAVE message.
func LeaveNotice(sender string) string {
	return fmt.Sprintf("%s left the room", sender)
}

// HasReader reports whether userID is in the read set.
func (m *Message) HasReader(userID string) bool {
	return lo.Contains(m.ReadBy, userID)
}

// AddReader adds userID to the read set. It returns false when the user was
// already present; the set never shrinks.
func (m *Message) AddReader(userID string) bool {
	if m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// MergeReaders adds every reader in others that is not yet present.
func (m *Message) MergeReaders(others []string) {
	for _, r := range others {
		m.AddReader(r)
	}
}

// Clone returns a copy that shares no mutable state with m.
func (m *Message) Clone() Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	if c.ReadBy == nil {
		c.ReadBy = []string{}
	}
	return c
}
