// Package relay publishes accepted chat events to a durable stream and feeds
// events consumed from it back into the message store.
package relay

import (
	"context"
	"strings"
	"time"
)

// Topics carried on the durable stream. Each event is published on
// "<topic>.<room token>" so a room's events share one partition subject.
const (
	TopicMessages = "chat.messages"
	TopicReceipts = "chat.receipts"
)

// Stream is the durable, at-least-once event stream between hub instances.
type Stream interface {
	// Publish writes payload on subject. msgID lets the stream drop duplicates.
	Publish(ctx context.Context, subject, msgID string, payload []byte) error
	// Subscribe delivers every event published under topic until ctx is done,
	// then closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan *Delivery, error)
}

// Delivery is one event handed to a consumer. Exactly one of Ack, Nak or Term
// should be called.
type Delivery struct {
	Subject string
	Data    []byte
	// Attempt is 1 on first delivery and grows on each redelivery.
	Attempt int

	ack  func() error
	nak  func(delay time.Duration) error
	term func() error
}

// Ack marks the event as processed.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nak asks for redelivery after delay.
func (d *Delivery) Nak(delay time.Duration) error {
	if d.nak == nil {
		return nil
	}
	return d.nak(delay)
}

// Term drops the event without redelivery.
func (d *Delivery) Term() error {
	if d.term == nil {
		return nil
	}
	return d.term()
}

// Subject returns the subject an event for roomID is published on.
func Subject(topic, roomID string) string {
	return topic + "." + roomToken(roomID)
}

// roomToken makes roomID usable as a single subject token.
func roomToken(roomID string) string {
	if roomID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, roomID)
}
