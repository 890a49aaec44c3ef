// Package chat routes inbound session events: it attaches sessions to rooms,
// stores and relays accepted messages, and fans them out to room members.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/broadcast"
	"github.com/example/chat-hub/modules/metrics"
)

// RoomResolver looks up room metadata.
type RoomResolver interface {
	ResolveRoom(ctx context.Context, roomID string) (domain.Room, error)
}

// MessageStore is the durable message history.
type MessageStore interface {
	Ingest(ctx context.Context, roomID string, msg *domain.Message) (string, error)
	MarkRead(ctx context.Context, messageID, userID string) (domain.Message, bool, error)
}

// Publisher relays accepted events to other hub instances. It never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, msg domain.Message)
	PublishReceipt(ctx context.Context, receipt domain.Message)
}

// Broadcaster delivers messages to the sessions of a room.
type Broadcaster interface {
	Broadcast(roomID string, msg domain.Message) int
}

// Router is the room registry as seen by the engine.
type Router interface {
	Broadcaster
	Register(roomID string, s broadcast.Session)
	Unregister(roomID string, s broadcast.Session) bool
	Disconnect(s broadcast.Session)
}

// Engine dispatches inbound events. Every accepted ENTER, TALK or LEAVE is
// ingested, then published, then broadcast; store and relay failures never
// stop local delivery.
type Engine struct {
	rooms    RoomResolver
	store    MessageStore
	relay    Publisher
	router   Router
	presence *Presence
	receipts *Receipts
	log      *slog.Logger
}

// NewEngine wires an Engine together with its presence and receipt trackers.
func NewEngine(rooms RoomResolver, store MessageStore, relay Publisher, router Router, log *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		rooms:    rooms,
		store:    store,
		relay:    relay,
		router:   router,
		presence: NewPresence(router, log, m),
		receipts: NewReceipts(store, relay, router, log, m),
		log:      log,
	}
}

// Presence returns the typing tracker.
func (e *Engine) Presence() *Presence {
	return e.presence
}

// Receipts returns the read-receipt tracker.
func (e *Engine) Receipts() *Receipts {
	return e.receipts
}

// Handle processes one inbound event from s. The sender is always the
// session's user. Errors are meant for s alone and never close it.
func (e *Engine) Handle(ctx context.Context, s broadcast.Session, msg domain.Message) error {
	user := s.UserID()

	switch msg.Type {
	case domain.TypeEnter:
		return e.enter(ctx, s, msg.RoomID)

	case domain.TypeTalk:
		if err := requireAttached(s, msg); err != nil {
			return err
		}
		if _, err := e.rooms.ResolveRoom(ctx, msg.RoomID); err != nil {
			return err
		}
		return e.accept(ctx, domain.NewMessage(domain.TypeTalk, msg.RoomID, user, msg.Body))

	case domain.TypeLeave:
		return e.leave(ctx, s, msg)

	case domain.TypeTypingStart, domain.TypeTypingEnd:
		if err := requireAttached(s, msg); err != nil {
			return err
		}
		e.presence.SetTyping(msg.RoomID, user, msg.Type == domain.TypeTypingStart)
		return nil

	case domain.TypeReadReceipt:
		return e.receipts.MarkRead(ctx, msg.ID, user)

	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrProtocolViolation, msg.Type)
	}
}

func (e *Engine) enter(ctx context.Context, s broadcast.Session, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: ENTER without roomId", domain.ErrProtocolViolation)
	}
	if _, err := e.rooms.ResolveRoom(ctx, roomID); err != nil {
		return err
	}

	user := s.UserID()
	if prev := s.SetRoom(roomID); prev != "" && prev != roomID {
		e.router.Unregister(prev, s)
		e.presence.Clear(prev, user)
	}
	e.router.Register(roomID, s)

	return e.accept(ctx, domain.NewMessage(domain.TypeEnter, roomID, user, domain.JoinNotice(user)))
}

func (e *Engine) leave(ctx context.Context, s broadcast.Session, msg domain.Message) error {
	if err := requireAttached(s, msg); err != nil {
		return err
	}
	if _, err := e.rooms.ResolveRoom(ctx, msg.RoomID); err != nil {
		return err
	}

	user := s.UserID()
	e.router.Unregister(msg.RoomID, s)
	s.SetRoom("")
	e.presence.Clear(msg.RoomID, user)

	body := msg.Body
	if body == "" {
		body = domain.LeaveNotice(user)
	}
	return e.accept(ctx, domain.NewMessage(domain.TypeLeave, msg.RoomID, user, body))
}

// accept runs the write path for a persisted message.
func (e *Engine) accept(ctx context.Context, msg domain.Message) error {
	if _, err := e.store.Ingest(ctx, msg.RoomID, &msg); err != nil {
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		e.log.Warn("Message not persisted, delivering anyway",
			"message", msg.ID, "room", msg.RoomID, "error", err)
	}

	e.relay.Publish(ctx, msg)
	n := e.router.Broadcast(msg.RoomID, msg)
	e.log.Debug("Message accepted", "message", msg.ID, "room", msg.RoomID, "type", msg.Type, "recipients", n)
	return nil
}

// Disconnect tears down s: typing in its room ends and it leaves every
// registry table. No LEAVE message is generated.
func (e *Engine) Disconnect(s broadcast.Session, reason error) {
	if room := s.Room(); room != "" {
		e.presence.Clear(room, s.UserID())
	}
	e.router.Disconnect(s)
	e.log.Debug("Session disconnected", "session", s.ID(), "user", s.UserID(), "reason", reason)
}

func requireAttached(s broadcast.Session, msg domain.Message) error {
	if msg.RoomID == "" || s.Room() != msg.RoomID {
		return fmt.Errorf("%w: %s for room %q requires ENTER first", domain.ErrProtocolViolation, msg.Type, msg.RoomID)
	}
	return nil
}
